package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carelane/pkg/domain"
)

// PGLog archives finalized transitions in postgres. It is the notary's
// durable commit log; the in-memory state stays authoritative for
// consumption checks.
type PGLog struct{ DB *pgxpool.Pool }

func NewPGLog(db *pgxpool.Pool) *PGLog { return &PGLog{DB: db} }

const Schema = `
CREATE TABLE IF NOT EXISTS carelane_transitions (
    tx_id        TEXT PRIMARY KEY,
    commit_index BIGINT NOT NULL UNIQUE,
    record_id    TEXT NOT NULL,
    version      INT NOT NULL,
    command      TEXT NOT NULL,
    status       TEXT NOT NULL,
    record       JSONB NOT NULL,
    committed_at TIMESTAMPTZ NOT NULL,
    UNIQUE (record_id, version)
);
`

func (l *PGLog) EnsureSchema(ctx context.Context) error {
	_, err := l.DB.Exec(ctx, Schema)
	return err
}

func (l *PGLog) Append(ctx context.Context, e LogEntry) error {
	payload, err := json.Marshal(e.Record)
	if err != nil {
		return err
	}
	_, err = l.DB.Exec(ctx, `
INSERT INTO carelane_transitions(tx_id,commit_index,record_id,version,command,status,record,committed_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
`, e.TxID, e.Index, e.RecordID, e.Version, string(e.Command), string(e.Status), string(payload), e.CommittedAt)
	return err
}

// LatestByRecord returns the highest committed version of a record, used
// to rebuild notary state after a restart.
func (l *PGLog) LatestByRecord(ctx context.Context, recordID string) (domain.TreatmentRecord, error) {
	var payload []byte
	err := l.DB.QueryRow(ctx, `
SELECT record
FROM carelane_transitions
WHERE record_id=$1
ORDER BY version DESC
LIMIT 1
`, recordID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TreatmentRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
		}
		return domain.TreatmentRecord{}, err
	}
	var rec domain.TreatmentRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.TreatmentRecord{}, err
	}
	return rec, nil
}

// History returns every committed version of a record in commit order.
func (l *PGLog) History(ctx context.Context, recordID string) ([]domain.TreatmentRecord, error) {
	rows, err := l.DB.Query(ctx, `
SELECT record
FROM carelane_transitions
WHERE record_id=$1
ORDER BY commit_index ASC
`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TreatmentRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec domain.TreatmentRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
