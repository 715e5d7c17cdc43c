package ledger

import (
	"context"
	"errors"
	"time"

	"carelane/pkg/contract"
	"carelane/pkg/domain"
	"carelane/pkg/recordhash"
	"carelane/pkg/signature"
)

var (
	// ErrConflict: a consumed version was already spent by a concurrent
	// transition. The caller must re-read the latest version and decide.
	ErrConflict = errors.New("input version already consumed")

	ErrUnknownRecord    = errors.New("unknown record")
	ErrStaleInput       = errors.New("input is not the latest version")
	ErrMissingSignature = errors.New("missing required signature")
	ErrMalformed        = errors.New("malformed transition")
)

// Transition is a sealed proposal plus the envelopes collected for it.
type Transition struct {
	contract.Proposal
	Signatures []signature.Envelope `json:"signatures"`
}

// Hash is the digest all required signers authorize.
func (t Transition) Hash() (string, error) {
	return recordhash.SumTransition(t.Consumed, t.Produced, t.Command)
}

// SignedTransition seals a proposal with the local party's envelope plus
// any envelopes already collected from counterparties.
func SignedTransition(prop contract.Proposal, kp *signature.KeyPair, peerEnvs ...signature.Envelope) (Transition, error) {
	tx := Transition{Proposal: prop, Signatures: append([]signature.Envelope(nil), peerEnvs...)}
	hash, err := tx.Hash()
	if err != nil {
		return Transition{}, err
	}
	env, err := signature.Sign(hash, kp)
	if err != nil {
		return Transition{}, err
	}
	tx.Signatures = append(tx.Signatures, env)
	return tx, nil
}

// FinalityReceipt is the uniquely-ordered acceptance of a transition.
type FinalityReceipt struct {
	TxID        string    `json:"tx_id"`
	Index       uint64    `json:"index"`
	RecordID    string    `json:"record_id"`
	Version     int       `json:"version"`
	CommittedAt time.Time `json:"committed_at"`
}

// Update is one finalized version, delivered to subscribers in commit order.
type Update struct {
	Record  domain.TreatmentRecord `json:"record"`
	Receipt FinalityReceipt        `json:"receipt"`
}

// Client is the finality service as the settlement core consumes it.
type Client interface {
	Submit(ctx context.Context, tx Transition) (FinalityReceipt, error)
	QueryByIdentity(ctx context.Context, recordID string) (domain.TreatmentRecord, error)
	Subscribe(ctx context.Context) (<-chan Update, error)
}

// CommitLog receives every finalized transition for durable storage.
type CommitLog interface {
	Append(ctx context.Context, entry LogEntry) error
}

type LogEntry struct {
	TxID        string
	Index       uint64
	RecordID    string
	Version     int
	Command     domain.Command
	Status      domain.Status
	Record      domain.TreatmentRecord
	CommittedAt time.Time
}

// WaitForVersion blocks until the record reaches at least the given
// version, polling the client. Responders use it so their own view and
// the initiator's view of finality cannot diverge.
func WaitForVersion(ctx context.Context, c Client, recordID string, version int) (domain.TreatmentRecord, error) {
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		rec, err := c.QueryByIdentity(ctx, recordID)
		if err == nil && rec.Version >= version {
			return rec, nil
		}
		if err != nil && !errors.Is(err, ErrUnknownRecord) {
			return domain.TreatmentRecord{}, err
		}
		select {
		case <-ctx.Done():
			return domain.TreatmentRecord{}, ctx.Err()
		case <-tick.C:
		}
	}
}
