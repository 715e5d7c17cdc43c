package contract

import (
	"fmt"

	"carelane/pkg/domain"
	"carelane/pkg/money"
)

// Violation names the predicate a proposed transition failed. It is fatal
// to that submission and never retried automatically.
type Violation struct {
	Command   domain.Command
	Predicate string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("contract violation [%s]: %s", v.Command, v.Predicate)
}

func violated(cmd domain.Command, predicate string) error {
	return &Violation{Command: cmd, Predicate: predicate}
}

// Validate accepts or rejects a proposed transition. It is pure: the same
// check guards locally-built proposals before submission and proposals
// received from a counterparty. signers are the base64 public keys the
// submitter will collect envelopes for; they must cover every participant
// referenced by the consumed and produced records.
func Validate(inputs []domain.TreatmentRecord, output domain.TreatmentRecord, cmd domain.Command, signers []string) error {
	if !output.Status.Known() {
		return violated(cmd, "output status unknown")
	}
	if output.RecordID == "" {
		return violated(cmd, "output record identity missing")
	}
	if err := checkSignerCoverage(inputs, output, cmd, signers); err != nil {
		return err
	}

	switch cmd {
	case domain.CmdEstimate:
		return validateEstimate(inputs, output)
	case domain.CmdQuote:
		return validateQuote(inputs, output)
	case domain.CmdFinalise:
		return validateFinalise(inputs, output)
	case domain.CmdCollectInsurer:
		return validateCollectInsurer(inputs, output)
	case domain.CmdCollectPatient:
		return validateCollectPatient(inputs, output, signers)
	default:
		return violated(cmd, "unknown command")
	}
}

func checkSignerCoverage(inputs []domain.TreatmentRecord, output domain.TreatmentRecord, cmd domain.Command, signers []string) error {
	have := make(map[string]bool, len(signers))
	for _, k := range signers {
		have[k] = true
	}
	records := append([]domain.TreatmentRecord{output}, inputs...)
	for _, rec := range records {
		for _, p := range rec.Participants() {
			if p.Key == "" {
				return violated(cmd, "participant without signing key")
			}
			if !have[p.Key] {
				return violated(cmd, fmt.Sprintf("signer set missing participant %s", p.Name))
			}
		}
	}
	return nil
}

func validateEstimate(inputs []domain.TreatmentRecord, out domain.TreatmentRecord) error {
	cmd := domain.CmdEstimate
	if len(inputs) != 0 {
		return violated(cmd, "estimate consumes no input")
	}
	if out.Status != domain.StatusEstimated {
		return violated(cmd, "output status must be ESTIMATED")
	}
	if out.Version != 1 {
		return violated(cmd, "first version must be 1")
	}
	if out.EstimatedCost.Quantity <= 0 || out.EstimatedCost.Currency == "" {
		return violated(cmd, "estimated cost must be positive")
	}
	if out.ActualCost != nil || out.AmountPaid != nil || out.InsurerQuote != nil {
		return violated(cmd, "estimate carries only the estimated cost")
	}
	return nil
}

func singleInput(cmd domain.Command, inputs []domain.TreatmentRecord, out domain.TreatmentRecord, want domain.Status) (domain.TreatmentRecord, error) {
	if len(inputs) != 1 {
		return domain.TreatmentRecord{}, violated(cmd, "exactly one input required")
	}
	in := inputs[0]
	if in.Status != want {
		return domain.TreatmentRecord{}, violated(cmd, fmt.Sprintf("input status must be %s", want))
	}
	if out.RecordID != in.RecordID {
		return domain.TreatmentRecord{}, violated(cmd, "record identity changed")
	}
	if out.Version != in.Version+1 {
		return domain.TreatmentRecord{}, violated(cmd, "version must advance by one")
	}
	if out.Treatment != in.Treatment {
		return domain.TreatmentRecord{}, violated(cmd, "treatment changed")
	}
	if !out.EstimatedCost.Equal(in.EstimatedCost) {
		return domain.TreatmentRecord{}, violated(cmd, "estimated cost changed")
	}
	return in, nil
}

func validateQuote(inputs []domain.TreatmentRecord, out domain.TreatmentRecord) error {
	cmd := domain.CmdQuote
	if _, err := singleInput(cmd, inputs, out, domain.StatusEstimated); err != nil {
		return err
	}
	if out.Status != domain.StatusQuoted {
		return violated(cmd, "output status must be QUOTED")
	}
	if out.InsurerQuote == nil {
		return violated(cmd, "insurer quote missing")
	}
	if out.ActualCost != nil || out.AmountPaid != nil {
		return violated(cmd, "no costs are settled at quoting")
	}
	c, err := out.EstimatedCost.Cmp(out.InsurerQuote.MaxCoveredValue)
	if err != nil || c < 0 {
		return violated(cmd, "covered value exceeds the estimate")
	}
	return nil
}

func validateFinalise(inputs []domain.TreatmentRecord, out domain.TreatmentRecord) error {
	cmd := domain.CmdFinalise
	in, err := singleInput(cmd, inputs, out, domain.StatusQuoted)
	if err != nil {
		return err
	}
	if out.Status != domain.StatusFinalised {
		return violated(cmd, "output status must be FINALISED")
	}
	if out.ActualCost == nil {
		return violated(cmd, "actual cost missing")
	}
	if out.ActualCost.Quantity <= 0 {
		return violated(cmd, "actual cost must be positive")
	}
	if out.AmountPaid != nil {
		return violated(cmd, "nothing is paid at finalisation")
	}
	if !quotesEqual(in.InsurerQuote, out.InsurerQuote) {
		return violated(cmd, "insurer quote changed")
	}
	return nil
}

func validateCollectInsurer(inputs []domain.TreatmentRecord, out domain.TreatmentRecord) error {
	cmd := domain.CmdCollectInsurer
	in, err := singleInput(cmd, inputs, out, domain.StatusFinalised)
	if err != nil {
		return err
	}
	if !quotesEqual(in.InsurerQuote, out.InsurerQuote) {
		return violated(cmd, "insurer quote changed")
	}
	if out.ActualCost == nil || in.ActualCost == nil || !out.ActualCost.Equal(*in.ActualCost) {
		return violated(cmd, "actual cost changed")
	}
	if out.AmountPaid == nil {
		return violated(cmd, "amount paid missing")
	}
	share, err := money.Min(*out.ActualCost, out.InsurerQuote.MaxCoveredValue)
	if err != nil {
		return violated(cmd, "mixed currencies")
	}
	if !out.AmountPaid.Equal(share) {
		return violated(cmd, "amount paid must equal min(covered value, actual cost)")
	}
	// Zero remainder collapses directly into the terminal state.
	if out.AmountPaid.Equal(*out.ActualCost) {
		if out.Status != domain.StatusFullyPaid {
			return violated(cmd, "full cover must settle as FULLY_PAID")
		}
	} else if out.Status != domain.StatusPartiallyPaid {
		return violated(cmd, "partial cover must settle as PARTIALLY_PAID")
	}
	return nil
}

func validateCollectPatient(inputs []domain.TreatmentRecord, out domain.TreatmentRecord, signers []string) error {
	cmd := domain.CmdCollectPatient
	in, err := singleInput(cmd, inputs, out, domain.StatusPartiallyPaid)
	if err != nil {
		return err
	}
	if !quotesEqual(in.InsurerQuote, out.InsurerQuote) {
		return violated(cmd, "insurer quote changed")
	}
	if out.ActualCost == nil || in.ActualCost == nil || !out.ActualCost.Equal(*in.ActualCost) {
		return violated(cmd, "actual cost changed")
	}
	if out.Status != domain.StatusFullyPaid {
		return violated(cmd, "output status must be FULLY_PAID")
	}
	if out.AmountPaid == nil || !out.AmountPaid.Equal(*out.ActualCost) {
		return violated(cmd, "amount paid must equal actual cost")
	}
	// The collecting bank is not named in the record; the transition still
	// needs a signer beyond the record's own participants.
	participants := map[string]bool{}
	for _, p := range out.Participants() {
		participants[p.Key] = true
	}
	extra := false
	for _, k := range signers {
		if !participants[k] {
			extra = true
			break
		}
	}
	if !extra {
		return violated(cmd, "patient's bank must co-sign")
	}
	return nil
}

func quotesEqual(a, b *domain.InsurerQuote) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Insurer == b.Insurer && a.MaxCoveredValue.Equal(b.MaxCoveredValue)
}
