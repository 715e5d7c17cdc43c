package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"carelane/pkg/contract"
	"carelane/pkg/domain"
	"carelane/pkg/ledger"
	"carelane/pkg/money"
	"carelane/pkg/session"
	"carelane/pkg/signature"
)

// ErrNoQuotesAvailable: every solicited insurer failed, timed out or
// returned an unusable bid. No partial record is committed.
var ErrNoQuotesAvailable = errors.New("no quotes available")

// Coordinator runs the hospital side of the quote auction: issue the
// ESTIMATED record, fan the estimation out to every insurer, join on all
// replies, pick the winner and commit the QUOTED transition with the
// winner's counter-signature.
type Coordinator struct {
	Hospital domain.Party
	Keys     *signature.KeyPair
	Ledger   ledger.Client
	Dial     session.Dialer
	Timeout  time.Duration
	Log      *zap.Logger
}

// Estimate commits the first version of a treatment record.
func (c *Coordinator) Estimate(ctx context.Context, treatment domain.Treatment, estimatedCost money.Amount) (domain.TreatmentRecord, error) {
	if treatment.Hospital != c.Hospital {
		return domain.TreatmentRecord{}, fmt.Errorf("%w: treatment names %s, node is %s",
			session.ErrIdentityMismatch, treatment.Hospital.Name, c.Hospital.Name)
	}
	prop, err := contract.BuildEstimate(treatment, estimatedCost)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	tx, err := ledger.SignedTransition(prop, c.Keys)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	if _, err := c.Ledger.Submit(ctx, tx); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("submit estimate: %w", err)
	}
	out := prop.Output()
	c.Log.Info("treatment estimated",
		zap.String("record_id", out.RecordID),
		zap.String("patient", out.Treatment.Patient.Name),
		zap.String("estimated_cost", out.EstimatedCost.String()))
	return out, nil
}

type solicited struct {
	insurer domain.Party
	amount  money.Amount
	sess    session.Session
	err     error
}

// RunAuction solicits every insurer concurrently and settles the record
// into QUOTED with the best offer. Insurer order is the tie-break: on
// equal bids the insurer listed first wins.
func (c *Coordinator) RunAuction(ctx context.Context, rec domain.TreatmentRecord, insurers []domain.Party) (domain.TreatmentRecord, error) {
	if rec.Treatment.Hospital != c.Hospital {
		return domain.TreatmentRecord{}, fmt.Errorf("%w: record %s belongs to %s, node is %s",
			session.ErrIdentityMismatch, rec.RecordID, rec.Treatment.Hospital.Name, c.Hospital.Name)
	}
	if rec.Status != domain.StatusEstimated {
		return domain.TreatmentRecord{}, fmt.Errorf("record %s is %s, expected %s", rec.RecordID, rec.Status, domain.StatusEstimated)
	}
	if len(insurers) == 0 {
		return domain.TreatmentRecord{}, ErrNoQuotesAvailable
	}
	estimation := domain.CoverageEstimation{Treatment: rec.Treatment, EstimatedCost: rec.EstimatedCost}

	// Fan out. Each session blocks independently; the join below is the
	// only barrier before selection.
	bids := make([]solicited, len(insurers))
	var wg sync.WaitGroup
	for i, insurer := range insurers {
		wg.Add(1)
		go func(i int, insurer domain.Party) {
			defer wg.Done()
			bids[i] = c.solicit(ctx, insurer, estimation)
		}(i, insurer)
	}
	wg.Wait()

	winner := -1
	for i, b := range bids {
		if b.err != nil {
			c.Log.Warn("insurer excluded from auction",
				zap.String("insurer", b.insurer.Name), zap.Error(b.err))
			continue
		}
		// Every surviving bid was checked against the estimation at
		// solicitation, so amounts share one currency.
		if winner < 0 || b.amount.Quantity > bids[winner].amount.Quantity {
			winner = i
		}
	}
	if winner < 0 {
		return domain.TreatmentRecord{}, ErrNoQuotesAvailable
	}

	// Losers are notified in any order; no reply is expected.
	for i, b := range bids {
		if i == winner || b.err != nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		if err := b.sess.Send(sendCtx, session.MsgQuoteResult, session.QuoteResult{Accepted: false}); err != nil {
			c.Log.Warn("failed to notify losing insurer", zap.String("insurer", b.insurer.Name), zap.Error(err))
		}
		cancel()
		b.sess.Close()
	}

	best := bids[winner]
	defer best.sess.Close()
	c.Log.Info("auction winner selected",
		zap.String("insurer", best.insurer.Name),
		zap.String("max_covered_value", best.amount.String()))

	rec, err := c.commitQuote(ctx, rec, best)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	return rec, nil
}

func (c *Coordinator) solicit(ctx context.Context, insurer domain.Party, est domain.CoverageEstimation) solicited {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	s, err := c.Dial(ctx, insurer, session.ExchangeQuote)
	if err != nil {
		return solicited{insurer: insurer, err: err}
	}
	if err := s.Send(ctx, session.MsgQuoteRequest, session.QuoteRequest{Estimation: est}); err != nil {
		s.Close()
		return solicited{insurer: insurer, err: err}
	}
	var resp session.QuoteResponse
	if err := s.Receive(ctx, session.MsgQuoteResponse, &resp); err != nil {
		s.Close()
		return solicited{insurer: insurer, err: err}
	}
	// A bid the Treatment Contract would reject at quoting can never be
	// committed; it is a non-bid, not a reason to sink the auction.
	if cmp, err := est.EstimatedCost.Cmp(resp.MaxCoveredValue); err != nil || cmp < 0 {
		s.Close()
		if err == nil {
			err = fmt.Errorf("bid %s exceeds the estimate %s", resp.MaxCoveredValue, est.EstimatedCost)
		}
		return solicited{insurer: insurer, err: err}
	}
	c.Log.Info("received quote",
		zap.String("insurer", insurer.Name),
		zap.String("max_covered_value", resp.MaxCoveredValue.String()))
	return solicited{insurer: insurer, amount: resp.MaxCoveredValue, sess: s}
}

// commitQuote runs only after ACCEPTED is sent: builds the QUOTED
// transition, collects the winner's counter-signature over it and
// submits for finality.
func (c *Coordinator) commitQuote(ctx context.Context, rec domain.TreatmentRecord, best solicited) (domain.TreatmentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if err := best.sess.Send(ctx, session.MsgQuoteResult, session.QuoteResult{Accepted: true}); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("notify winner: %w", err)
	}
	prop, err := contract.BuildQuote(rec, domain.InsurerQuote{Insurer: best.insurer, MaxCoveredValue: best.amount})
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	if err := best.sess.Send(ctx, session.MsgSignRequest, session.SignRequest{Proposal: prop}); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("send quote proposal: %w", err)
	}
	var sr session.SignResult
	if err := best.sess.Receive(ctx, session.MsgSignResult, &sr); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("await winner counter-signature: %w", err)
	}
	if err := sr.Err(); err != nil {
		return domain.TreatmentRecord{}, err
	}
	tx, err := ledger.SignedTransition(prop, c.Keys, *sr.Envelope)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	if _, err := c.Ledger.Submit(ctx, tx); err != nil {
		return domain.TreatmentRecord{}, fmt.Errorf("submit quote: %w", err)
	}
	return prop.Output(), nil
}
