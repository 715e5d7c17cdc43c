package respond

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"carelane/pkg/contract"
	"carelane/pkg/domain"
	"carelane/pkg/ledger"
	"carelane/pkg/money"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

// QuotePolicy decides how much cover an insurer offers for an estimation.
type QuotePolicy interface {
	Bid(est domain.CoverageEstimation) (money.Amount, error)
}

// PercentagePolicy covers a fixed share of the estimate, bounded by an
// absolute exposure cap. Operators configure both per node.
type PercentagePolicy struct {
	CoverPercent int
	ExposureCap  money.Amount
}

func (p PercentagePolicy) Bid(est domain.CoverageEstimation) (money.Amount, error) {
	if p.CoverPercent <= 0 || p.CoverPercent > 100 {
		return money.Amount{}, fmt.Errorf("cover percent out of range: %d", p.CoverPercent)
	}
	bid := money.Amount{
		Quantity: est.EstimatedCost.Quantity * int64(p.CoverPercent) / 100,
		Currency: est.EstimatedCost.Currency,
	}
	if p.ExposureCap.Quantity > 0 {
		capped, err := money.Min(bid, p.ExposureCap)
		if err != nil {
			return money.Amount{}, err
		}
		bid = capped
	}
	return bid, nil
}

// Insurer answers quote solicitations and counter-signs settlement
// transitions. It never signs an output it has not independently
// validated against the Treatment Contract, and it re-derives every
// amount it is asked to pay instead of trusting the initiator's number.
type Insurer struct {
	Self   domain.Party
	Keys   *signature.KeyPair
	Ledger ledger.Client
	Policy QuotePolicy
	Log    *zap.Logger

	// Track, when set, registers each record a session introduces so the
	// node's ledger subscription observes its later versions.
	Track func(recordID string)
}

// HandleQuote serves one auction session: bid, await the verdict and, on
// acceptance, counter-sign the QUOTED transition.
func (r *Insurer) HandleQuote(ctx context.Context, peer string, s session.Session) error {
	var req session.QuoteRequest
	if err := s.Receive(ctx, session.MsgQuoteRequest, &req); err != nil {
		return err
	}
	bid, err := r.Policy.Bid(req.Estimation)
	if err != nil {
		return fmt.Errorf("quote policy: %w", err)
	}
	r.Log.Info("bidding on treatment estimation",
		zap.String("hospital", req.Estimation.Treatment.Hospital.Name),
		zap.String("bid", bid.String()))
	if err := s.Send(ctx, session.MsgQuoteResponse, session.QuoteResponse{MaxCoveredValue: bid}); err != nil {
		return err
	}

	var result session.QuoteResult
	if err := s.Receive(ctx, session.MsgQuoteResult, &result); err != nil {
		return err
	}
	if !result.Accepted {
		r.Log.Info("quote rejected", zap.String("hospital", req.Estimation.Treatment.Hospital.Name))
		return nil
	}

	var sr session.SignRequest
	if err := s.Receive(ctx, session.MsgSignRequest, &sr); err != nil {
		return err
	}
	out := sr.Proposal.Output()
	if out.InsurerQuote == nil || out.InsurerQuote.Insurer != r.Self {
		return reject(ctx, s, session.RejectIdentityMismatch, "we are not the insurer named in this record")
	}
	// The committed quote must be exactly the estimation we bid on and
	// exactly the cover we offered.
	if out.Treatment != req.Estimation.Treatment || !out.EstimatedCost.Equal(req.Estimation.EstimatedCost) {
		return reject(ctx, s, session.RejectAmountMismatch, "quoted estimation differs from the one we bid on")
	}
	if !out.InsurerQuote.MaxCoveredValue.Equal(bid) {
		return reject(ctx, s, session.RejectAmountMismatch, "covered value differs from our bid")
	}
	return r.countersign(ctx, s, sr.Proposal)
}

// HandleFinalise counter-signs the transition fixing the actual cost.
func (r *Insurer) HandleFinalise(ctx context.Context, peer string, s session.Session) error {
	var sr session.SignRequest
	if err := s.Receive(ctx, session.MsgSignRequest, &sr); err != nil {
		return err
	}
	out := sr.Proposal.Output()
	if out.InsurerQuote == nil || out.InsurerQuote.Insurer != r.Self {
		return reject(ctx, s, session.RejectIdentityMismatch, "we are not the insurer named in this record")
	}
	return r.countersign(ctx, s, sr.Proposal)
}

// HandleCollect serves insurer collection: the amount is re-derived from
// the ledger's copy of the record and compared against the proposal.
func (r *Insurer) HandleCollect(ctx context.Context, peer string, s session.Session) error {
	var sr session.SignRequest
	if err := s.Receive(ctx, session.MsgSignRequest, &sr); err != nil {
		return err
	}
	out := sr.Proposal.Output()
	if out.InsurerQuote == nil || out.InsurerQuote.Insurer != r.Self {
		return reject(ctx, s, session.RejectIdentityMismatch, "we are not the insurer named in this record")
	}
	current, err := r.Ledger.QueryByIdentity(ctx, out.RecordID)
	if err != nil {
		return fmt.Errorf("query record %s: %w", out.RecordID, err)
	}
	if current.ActualCost == nil || current.InsurerQuote == nil {
		return reject(ctx, s, session.RejectContractViolation, "record is not finalised")
	}
	share, err := money.Min(*current.ActualCost, current.InsurerQuote.MaxCoveredValue)
	if err != nil {
		return reject(ctx, s, session.RejectAmountMismatch, "mixed currencies in record")
	}
	if sr.ProposedAmount == nil || !sr.ProposedAmount.Equal(share) {
		return reject(ctx, s, session.RejectAmountMismatch,
			fmt.Sprintf("proposed amount differs from our derivation %s", share))
	}
	if out.AmountPaid == nil || !out.AmountPaid.Equal(share) {
		return reject(ctx, s, session.RejectAmountMismatch, "output amount paid differs from our derivation")
	}
	r.Log.Info("paying insurer share",
		zap.String("record_id", out.RecordID), zap.String("amount", share.String()))
	return r.countersign(ctx, s, sr.Proposal)
}

// countersign validates the proposal against the Treatment Contract using
// the ledger's copy of every consumed input, signs the transition hash
// and waits for finality so this node's funds movement cannot outrun the
// ledger.
func (r *Insurer) countersign(ctx context.Context, s session.Session, prop contract.Proposal) error {
	if r.Track != nil {
		r.Track(prop.Output().RecordID)
	}
	return countersign(ctx, s, prop, r.Self, r.Keys, r.Ledger, r.Log)
}

func countersign(ctx context.Context, s session.Session, prop contract.Proposal, self domain.Party, keys *signature.KeyPair, lc ledger.Client, log *zap.Logger) error {
	inputs := make([]domain.TreatmentRecord, 0, len(prop.Consumed))
	for _, ref := range prop.Consumed {
		rec, err := lc.QueryByIdentity(ctx, ref.RecordID)
		if err != nil {
			return fmt.Errorf("query input %s: %w", ref.RecordID, err)
		}
		if rec.Version != ref.Version {
			return reject(ctx, s, session.RejectContractViolation, "proposal consumes a stale version")
		}
		inputs = append(inputs, rec)
	}
	out := prop.Output()
	if err := contract.Validate(inputs, out, prop.Command, prop.RequiredSigners); err != nil {
		return reject(ctx, s, session.RejectContractViolation, err.Error())
	}
	hash, err := (ledger.Transition{Proposal: prop}).Hash()
	if err != nil {
		return err
	}
	env, err := signature.Sign(hash, keys)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, session.MsgSignResult, session.SignResult{Envelope: &env}); err != nil {
		return err
	}
	committed, err := ledger.WaitForVersion(ctx, lc, out.RecordID, out.Version)
	if err != nil {
		return fmt.Errorf("await finality for %s v%d: %w", out.RecordID, out.Version, err)
	}
	log.Info("transition finalized",
		zap.String("party", self.Name),
		zap.String("record_id", committed.RecordID),
		zap.Int("version", committed.Version),
		zap.String("status", string(committed.Status)))
	return nil
}

func reject(ctx context.Context, s session.Session, code, message string) error {
	_ = s.Send(ctx, session.MsgSignResult, session.SignResult{Code: code, Message: message})
	if code == session.RejectIdentityMismatch {
		return fmt.Errorf("%w: %s", session.ErrIdentityMismatch, message)
	}
	return fmt.Errorf("rejected proposal [%s]: %s", code, message)
}
