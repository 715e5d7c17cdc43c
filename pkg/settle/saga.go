package settle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"carelane/pkg/contract"
	"carelane/pkg/directory"
	"carelane/pkg/domain"
	"carelane/pkg/ledger"
	"carelane/pkg/money"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

// Saga drives a quoted treatment through finalisation and both payment
// collections. Every step reads the committed record before acting, so a
// crashed or interrupted run resumes from whatever version the ledger
// holds and completed steps are never replayed.
type Saga struct {
	Hospital  domain.Party
	BankName  string
	Directory directory.Directory
	Keys      *signature.KeyPair
	Ledger    ledger.Client
	Dial      session.Dialer
	Timeout   time.Duration
	Log       *zap.Logger
}

// Settle runs the settlement to completion from the record's current
// status. Calling it again on a FULLY_PAID record is a no-op.
func (s *Saga) Settle(ctx context.Context, recordID string, actualCost money.Amount) (domain.TreatmentRecord, error) {
	rec, err := s.Ledger.QueryByIdentity(ctx, recordID)
	if err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("query record %s: %w", recordID, err)
	}
	// Only the hospital on the record may drive its settlement.
	if rec.Treatment.Hospital != s.Hospital {
		return domain.TreatmentRecord{}, fmt.Errorf("%w: record %s belongs to %s, node is %s",
			session.ErrIdentityMismatch, rec.RecordID, rec.Treatment.Hospital.Name, s.Hospital.Name)
	}

	switch rec.Status {
	case domain.StatusQuoted:
		if rec, err = s.finalise(ctx, rec, actualCost); err != nil {
			return domain.TreatmentRecord{}, err
		}
		fallthrough
	case domain.StatusFinalised:
		if rec, err = s.collectInsurer(ctx, rec); err != nil {
			return domain.TreatmentRecord{}, err
		}
		if rec.Status == domain.StatusFullyPaid {
			return rec, nil
		}
		fallthrough
	case domain.StatusPartiallyPaid:
		return s.collectPatient(ctx, rec)
	case domain.StatusFullyPaid:
		s.Log.Info("record already settled", zap.String("record_id", rec.RecordID))
		return rec, nil
	default:
		return domain.TreatmentRecord{}, fmt.Errorf("record %s is %s, settlement needs a quote first", rec.RecordID, rec.Status)
	}
}

// finalise fixes the actual cost and collects the insurer's signature.
// The transition is built and validated before any session opens: a cost
// the contract rejects never reaches the insurer.
func (s *Saga) finalise(ctx context.Context, rec domain.TreatmentRecord, actualCost money.Amount) (domain.TreatmentRecord, error) {
	prop, err := contract.BuildFinalise(rec, actualCost)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	s.Log.Info("finalising treatment cost",
		zap.String("record_id", rec.RecordID),
		zap.String("actual_cost", actualCost.String()))
	return s.cosignAndSubmit(ctx, prop, rec.InsurerQuote.Insurer, session.ExchangeFinalise, nil)
}

// collectInsurer settles min(actual cost, covered value) with the insurer.
func (s *Saga) collectInsurer(ctx context.Context, rec domain.TreatmentRecord) (domain.TreatmentRecord, error) {
	prop, err := contract.BuildCollectInsurer(rec)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	amount := *prop.Output().AmountPaid
	s.Log.Info("collecting insurer payment",
		zap.String("record_id", rec.RecordID),
		zap.String("insurer", rec.InsurerQuote.Insurer.Name),
		zap.String("amount", amount.String()))
	return s.cosignAndSubmit(ctx, prop, rec.InsurerQuote.Insurer, session.ExchangeCollectInsurer, &amount)
}

// collectPatient settles the remainder via the patient's bank. The bank
// is resolved through the directory once per step; it is never a record
// participant, only an extra signer on this transition.
func (s *Saga) collectPatient(ctx context.Context, rec domain.TreatmentRecord) (domain.TreatmentRecord, error) {
	bank, err := s.Directory.Lookup(ctx, s.BankName)
	if err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("resolve bank: %w", err)
	}
	prop, err := contract.BuildCollectPatient(rec, bank.Key)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	s.Log.Info("collecting patient payment",
		zap.String("record_id", rec.RecordID),
		zap.String("patient", rec.Treatment.Patient.Name),
		zap.String("amount", rec.Remaining().String()))
	return s.cosignAndSubmit(ctx, prop, bank, session.ExchangeCollectPatient, nil)
}

// cosignAndSubmit sends a sealed proposal to one counterparty, waits for
// its envelope, adds our own and submits the transition for finality.
func (s *Saga) cosignAndSubmit(ctx context.Context, prop contract.Proposal, peer domain.Party, exchange string, proposedAmount *money.Amount) (domain.TreatmentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	sess, err := s.Dial(ctx, peer, exchange)
	if err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("dial %s: %w", peer.Name, err)
	}
	defer sess.Close()

	req := session.SignRequest{Proposal: prop, ProposedAmount: proposedAmount}
	if err := sess.Send(ctx, session.MsgSignRequest, req); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("send proposal to %s: %w", peer.Name, err)
	}
	var sr session.SignResult
	if err := sess.Receive(ctx, session.MsgSignResult, &sr); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("await signature from %s: %w", peer.Name, err)
	}
	if err := sr.Err(); err != nil {
		return domain.TreatmentRecord{}, err
	}
	tx, err := ledger.SignedTransition(prop, s.Keys, *sr.Envelope)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	receipt, err := s.Ledger.Submit(ctx, tx)
	if err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("submit %s: %w", prop.Command, err)
	}
	out := prop.Output()
	s.Log.Info("transition committed",
		zap.String("tx_id", receipt.TxID),
		zap.String("record_id", out.RecordID),
		zap.Int("version", out.Version),
		zap.String("status", string(out.Status)))
	return out, nil
}
