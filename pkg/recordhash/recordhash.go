package recordhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"carelane/pkg/domain"
)

// SumObject hashes any value by its canonical JSON encoding.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// SumTransition produces the hash every required signer signs: consumed
// refs, produced records and the command, framed line by line so that
// reordering or substituting any element changes the digest.
func SumTransition(consumed []domain.VersionRef, produced []domain.TreatmentRecord, cmd domain.Command) (string, error) {
	var b strings.Builder
	b.WriteString("carelane-tx-v1\n")
	b.WriteString(string(cmd))
	b.WriteString("\n")
	for _, ref := range consumed {
		h, _, err := SumObject(ref)
		if err != nil {
			return "", err
		}
		b.WriteString("in:" + h + "\n")
	}
	for _, rec := range produced {
		h, _, err := SumObject(rec)
		if err != nil {
			return "", err
		}
		b.WriteString("out:" + h + "\n")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}
