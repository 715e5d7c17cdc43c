package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"carelane/pkg/contract"
	"carelane/pkg/domain"
	"carelane/pkg/signature"
)

// Notary is the in-process finality service. It enforces the
// single-consumption rule, re-runs the Treatment Contract on every
// submission and verifies one valid envelope per required signer before
// committing. An optional CommitLog receives every finalized transition.
type Notary struct {
	mu       sync.Mutex
	latest   map[string]domain.TreatmentRecord
	consumed map[domain.VersionRef]bool
	index    uint64
	subs     map[int]chan Update
	nextSub  int
	log      CommitLog
}

func NewNotary(log CommitLog) *Notary {
	return &Notary{
		latest:   make(map[string]domain.TreatmentRecord),
		consumed: make(map[domain.VersionRef]bool),
		subs:     make(map[int]chan Update),
		log:      log,
	}
}

func (n *Notary) Submit(ctx context.Context, tx Transition) (FinalityReceipt, error) {
	if len(tx.Produced) != 1 {
		return FinalityReceipt{}, fmt.Errorf("%w: exactly one produced version required", ErrMalformed)
	}
	hash, err := tx.Hash()
	if err != nil {
		return FinalityReceipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := verifySigners(hash, tx); err != nil {
		return FinalityReceipt{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	inputs := make([]domain.TreatmentRecord, 0, len(tx.Consumed))
	for _, ref := range tx.Consumed {
		if n.consumed[ref] {
			return FinalityReceipt{}, ErrConflict
		}
		cur, ok := n.latest[ref.RecordID]
		if !ok {
			return FinalityReceipt{}, fmt.Errorf("%w: %s", ErrUnknownRecord, ref.RecordID)
		}
		if cur.Version != ref.Version {
			return FinalityReceipt{}, fmt.Errorf("%w: %s v%d", ErrStaleInput, ref.RecordID, ref.Version)
		}
		inputs = append(inputs, cur)
	}

	out := tx.Produced[0]
	if err := contract.Validate(inputs, out, tx.Command, tx.RequiredSigners); err != nil {
		return FinalityReceipt{}, err
	}
	if len(tx.Consumed) == 0 {
		if _, exists := n.latest[out.RecordID]; exists {
			return FinalityReceipt{}, fmt.Errorf("%w: record %s already issued", ErrConflict, out.RecordID)
		}
	}

	n.index++
	receipt := FinalityReceipt{
		TxID:        "tx_" + uuid.NewString(),
		Index:       n.index,
		RecordID:    out.RecordID,
		Version:     out.Version,
		CommittedAt: time.Now().UTC(),
	}
	if n.log != nil {
		entry := LogEntry{
			TxID:        receipt.TxID,
			Index:       receipt.Index,
			RecordID:    out.RecordID,
			Version:     out.Version,
			Command:     tx.Command,
			Status:      out.Status,
			Record:      out,
			CommittedAt: receipt.CommittedAt,
		}
		if err := n.log.Append(ctx, entry); err != nil {
			n.index--
			return FinalityReceipt{}, fmt.Errorf("commit log append: %w", err)
		}
	}
	for _, ref := range tx.Consumed {
		n.consumed[ref] = true
	}
	n.latest[out.RecordID] = out

	for _, ch := range n.subs {
		select {
		case ch <- Update{Record: out, Receipt: receipt}:
		default:
			// Slow subscribers drop updates rather than blocking finality.
		}
	}
	return receipt, nil
}

func verifySigners(hash string, tx Transition) error {
	byKey := make(map[string]signature.Envelope, len(tx.Signatures))
	for _, env := range tx.Signatures {
		byKey[env.PublicKey] = env
	}
	for _, key := range tx.RequiredSigners {
		env, ok := byKey[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingSignature, key)
		}
		if _, err := signature.Verify(hash, env); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMissingSignature, key, err)
		}
	}
	return nil
}

func (n *Notary) QueryByIdentity(ctx context.Context, recordID string) (domain.TreatmentRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.latest[recordID]
	if !ok {
		return domain.TreatmentRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	return rec, nil
}

func (n *Notary) Subscribe(ctx context.Context) (<-chan Update, error) {
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	ch := make(chan Update, 64)
	n.subs[id] = ch
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
