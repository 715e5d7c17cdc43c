package respond

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"carelane/pkg/domain"
	"carelane/pkg/ledger"
	"carelane/pkg/money"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

// Bank counter-signs patient-side collections on behalf of its account
// holders. It re-derives the remaining amount from the record and its own
// payment history before authorizing anything.
type Bank struct {
	Self   domain.Party
	Keys   *signature.KeyPair
	Ledger ledger.Client
	Log    *zap.Logger

	// Track, when set, registers each record a session introduces so the
	// node's ledger subscription observes its later versions.
	Track func(recordID string)

	mu       sync.Mutex
	payments map[string][]money.Amount // patient NINO -> amounts debited
}

func NewBank(self domain.Party, keys *signature.KeyPair, lc ledger.Client, log *zap.Logger) *Bank {
	return &Bank{Self: self, Keys: keys, Ledger: lc, Log: log, payments: make(map[string][]money.Amount)}
}

// HandleCollect serves one patient-collection session.
func (b *Bank) HandleCollect(ctx context.Context, peer string, s session.Session) error {
	var sr session.SignRequest
	if err := s.Receive(ctx, session.MsgSignRequest, &sr); err != nil {
		return err
	}
	out := sr.Proposal.Output()
	if !signerListed(sr.Proposal.RequiredSigners, b.Self.Key) {
		return reject(ctx, s, session.RejectIdentityMismatch, "we are not a required signer of this transition")
	}

	current, err := b.Ledger.QueryByIdentity(ctx, out.RecordID)
	if err != nil {
		return fmt.Errorf("query record %s: %w", out.RecordID, err)
	}
	if current.Status != domain.StatusPartiallyPaid {
		return reject(ctx, s, session.RejectContractViolation,
			fmt.Sprintf("record is %s, nothing left to collect from the patient", current.Status))
	}
	remaining := current.Remaining()
	if remaining.IsZero() {
		return reject(ctx, s, session.RejectAmountMismatch, "record has no remaining balance")
	}
	// The proposal must settle exactly the remainder we derived.
	if out.AmountPaid == nil || out.ActualCost == nil || !out.AmountPaid.Equal(*out.ActualCost) {
		return reject(ctx, s, session.RejectAmountMismatch, "output does not settle the full actual cost")
	}

	if b.Track != nil {
		b.Track(out.RecordID)
	}
	if err := countersign(ctx, s, sr.Proposal, b.Self, b.Keys, b.Ledger, b.Log); err != nil {
		return err
	}

	nino := current.Treatment.Patient.NINO
	b.mu.Lock()
	b.payments[nino] = append(b.payments[nino], remaining)
	b.mu.Unlock()
	b.Log.Info("debited patient account",
		zap.String("patient", current.Treatment.Patient.Name),
		zap.String("amount", remaining.String()),
		zap.String("record_id", out.RecordID))
	return nil
}

// PaymentHistory lists the amounts debited for one patient, oldest first.
func (b *Bank) PaymentHistory(nino string) []money.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]money.Amount, len(b.payments[nino]))
	copy(out, b.payments[nino])
	return out
}

func signerListed(signers []string, key string) bool {
	for _, k := range signers {
		if k == key {
			return true
		}
	}
	return false
}
