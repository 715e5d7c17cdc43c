package contract

import (
	"github.com/google/uuid"

	"carelane/pkg/domain"
	"carelane/pkg/money"
)

// Proposal is a transition that already passed Validate. Builders are the
// only way flows construct next versions, so an invalid successor is
// rejected before it is ever proposed to a counterparty or the ledger.
type Proposal struct {
	Consumed        []domain.VersionRef      `json:"consumed"`
	Produced        []domain.TreatmentRecord `json:"produced"`
	Command         domain.Command           `json:"command"`
	RequiredSigners []string                 `json:"required_signers"`
}

// Output returns the single produced version.
func (p Proposal) Output() domain.TreatmentRecord { return p.Produced[0] }

func BuildEstimate(t domain.Treatment, estimatedCost money.Amount) (Proposal, error) {
	out := domain.TreatmentRecord{
		RecordID:      "rec_" + uuid.NewString(),
		Version:       1,
		Treatment:     t,
		EstimatedCost: estimatedCost,
		Status:        domain.StatusEstimated,
	}
	return seal(nil, out, domain.CmdEstimate, []string{t.Hospital.Key})
}

func BuildQuote(prev domain.TreatmentRecord, quote domain.InsurerQuote) (Proposal, error) {
	out := next(prev)
	out.Status = domain.StatusQuoted
	out.InsurerQuote = &quote
	return seal([]domain.TreatmentRecord{prev}, out, domain.CmdQuote,
		[]string{prev.Treatment.Hospital.Key, quote.Insurer.Key})
}

func BuildFinalise(prev domain.TreatmentRecord, actualCost money.Amount) (Proposal, error) {
	out := next(prev)
	out.Status = domain.StatusFinalised
	out.ActualCost = &actualCost
	return seal([]domain.TreatmentRecord{prev}, out, domain.CmdFinalise, participantKeys(prev))
}

// BuildCollectInsurer derives the insurer share itself; callers never pass
// an amount. Zero remainder produces the terminal version directly.
func BuildCollectInsurer(prev domain.TreatmentRecord) (Proposal, error) {
	out := next(prev)
	if prev.ActualCost == nil || prev.InsurerQuote == nil {
		return Proposal{}, violated(domain.CmdCollectInsurer, "input not finalised")
	}
	share, err := money.Min(*prev.ActualCost, prev.InsurerQuote.MaxCoveredValue)
	if err != nil {
		return Proposal{}, violated(domain.CmdCollectInsurer, "mixed currencies")
	}
	out.AmountPaid = &share
	if share.Equal(*prev.ActualCost) {
		out.Status = domain.StatusFullyPaid
	} else {
		out.Status = domain.StatusPartiallyPaid
	}
	return seal([]domain.TreatmentRecord{prev}, out, domain.CmdCollectInsurer, participantKeys(prev))
}

func BuildCollectPatient(prev domain.TreatmentRecord, bankKey string) (Proposal, error) {
	out := next(prev)
	if prev.ActualCost == nil {
		return Proposal{}, violated(domain.CmdCollectPatient, "input not finalised")
	}
	out.Status = domain.StatusFullyPaid
	actual := *prev.ActualCost
	out.AmountPaid = &actual
	return seal([]domain.TreatmentRecord{prev}, out, domain.CmdCollectPatient,
		append(participantKeys(prev), bankKey))
}

func next(prev domain.TreatmentRecord) domain.TreatmentRecord {
	out := prev
	out.Version = prev.Version + 1
	if prev.ActualCost != nil {
		v := *prev.ActualCost
		out.ActualCost = &v
	}
	if prev.AmountPaid != nil {
		v := *prev.AmountPaid
		out.AmountPaid = &v
	}
	if prev.InsurerQuote != nil {
		v := *prev.InsurerQuote
		out.InsurerQuote = &v
	}
	return out
}

func seal(inputs []domain.TreatmentRecord, out domain.TreatmentRecord, cmd domain.Command, signers []string) (Proposal, error) {
	if err := Validate(inputs, out, cmd, signers); err != nil {
		return Proposal{}, err
	}
	refs := make([]domain.VersionRef, 0, len(inputs))
	for _, in := range inputs {
		refs = append(refs, in.Ref())
	}
	return Proposal{
		Consumed:        refs,
		Produced:        []domain.TreatmentRecord{out},
		Command:         cmd,
		RequiredSigners: signers,
	}, nil
}

func participantKeys(rec domain.TreatmentRecord) []string {
	ps := rec.Participants()
	keys := make([]string, 0, len(ps))
	for _, p := range ps {
		keys = append(keys, p.Key)
	}
	return keys
}
