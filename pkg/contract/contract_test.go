package contract

import (
	"errors"
	"testing"

	"carelane/pkg/domain"
	"carelane/pkg/money"
)

var (
	hospital = domain.Party{Name: "St Mary", Key: "hospital-key"}
	insurer  = domain.Party{Name: "General Insurer", Key: "insurer-key"}
	bankKey  = "bank-key"
)

func testTreatment() domain.Treatment {
	return domain.Treatment{
		Patient:     domain.Patient{Name: "Joan Clarke", NINO: "ab123456b"},
		Description: "appendectomy",
		Hospital:    hospital,
	}
}

func estimated(t *testing.T) domain.TreatmentRecord {
	t.Helper()
	p, err := BuildEstimate(testTreatment(), money.GBP(1000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	return p.Output()
}

func quoted(t *testing.T, cap int64) domain.TreatmentRecord {
	t.Helper()
	p, err := BuildQuote(estimated(t), domain.InsurerQuote{Insurer: insurer, MaxCoveredValue: money.GBP(cap)})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	return p.Output()
}

func finalised(t *testing.T, cap, actual int64) domain.TreatmentRecord {
	t.Helper()
	p, err := BuildFinalise(quoted(t, cap), money.GBP(actual))
	if err != nil {
		t.Fatalf("finalise: %v", err)
	}
	return p.Output()
}

func wantViolation(t *testing.T, err error, predicate string) {
	t.Helper()
	var v *Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if v.Predicate != predicate {
		t.Fatalf("expected predicate %q, got %q", predicate, v.Predicate)
	}
}

func TestEstimateProducesFirstVersion(t *testing.T) {
	rec := estimated(t)
	if rec.Status != domain.StatusEstimated || rec.Version != 1 {
		t.Fatalf("unexpected first version: %+v", rec)
	}
	if rec.RecordID == "" {
		t.Fatalf("record identity not assigned")
	}
}

func TestEstimateRejectsNonPositiveCost(t *testing.T) {
	_, err := BuildEstimate(testTreatment(), money.GBP(0))
	wantViolation(t, err, "estimated cost must be positive")
}

func TestQuoteCannotPromiseMoreThanEstimate(t *testing.T) {
	_, err := BuildQuote(estimated(t), domain.InsurerQuote{Insurer: insurer, MaxCoveredValue: money.GBP(1200)})
	wantViolation(t, err, "covered value exceeds the estimate")
}

func TestQuoteRequiresEstimatedInput(t *testing.T) {
	_, err := BuildQuote(quoted(t, 700), domain.InsurerQuote{Insurer: insurer, MaxCoveredValue: money.GBP(700)})
	wantViolation(t, err, "input status must be ESTIMATED")
}

func TestQuoteRequiresInsurerSignature(t *testing.T) {
	prev := estimated(t)
	out := prev
	out.Version = 2
	out.Status = domain.StatusQuoted
	out.InsurerQuote = &domain.InsurerQuote{Insurer: insurer, MaxCoveredValue: money.GBP(700)}
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdQuote, []string{hospital.Key})
	wantViolation(t, err, "signer set missing participant General Insurer")
}

func TestFinaliseRequiresActualCost(t *testing.T) {
	prev := quoted(t, 700)
	out := prev
	out.Version = prev.Version + 1
	out.Status = domain.StatusFinalised
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdFinalise, []string{hospital.Key, insurer.Key})
	wantViolation(t, err, "actual cost missing")
}

func TestFinaliseKeepsEstimateAndTreatment(t *testing.T) {
	prev := quoted(t, 700)
	out := prev
	out.Version = prev.Version + 1
	out.Status = domain.StatusFinalised
	actual := money.GBP(900)
	out.ActualCost = &actual
	out.EstimatedCost = money.GBP(999)
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdFinalise, []string{hospital.Key, insurer.Key})
	wantViolation(t, err, "estimated cost changed")
}

func TestCollectInsurerDerivesShare(t *testing.T) {
	p, err := BuildCollectInsurer(finalised(t, 700, 1000))
	if err != nil {
		t.Fatalf("collect insurer: %v", err)
	}
	out := p.Output()
	if out.Status != domain.StatusPartiallyPaid {
		t.Fatalf("expected PARTIALLY_PAID, got %s", out.Status)
	}
	if !out.AmountPaid.Equal(money.GBP(700)) {
		t.Fatalf("expected share 700, got %v", out.AmountPaid)
	}
}

func TestCollectInsurerRejectsInflatedAmount(t *testing.T) {
	prev := finalised(t, 700, 1000)
	out := prev
	out.Version = prev.Version + 1
	out.Status = domain.StatusPartiallyPaid
	paid := money.GBP(900)
	out.AmountPaid = &paid
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdCollectInsurer, []string{hospital.Key, insurer.Key})
	wantViolation(t, err, "amount paid must equal min(covered value, actual cost)")
}

func TestZeroRemainderCollapsesToFullyPaid(t *testing.T) {
	p, err := BuildCollectInsurer(finalised(t, 1000, 1000))
	if err != nil {
		t.Fatalf("collect insurer: %v", err)
	}
	out := p.Output()
	if out.Status != domain.StatusFullyPaid {
		t.Fatalf("expected FULLY_PAID, got %s", out.Status)
	}
	if !out.AmountPaid.Equal(*out.ActualCost) {
		t.Fatalf("amount paid %v != actual cost %v", out.AmountPaid, out.ActualCost)
	}
}

func TestFullCoverMustNotStayPartiallyPaid(t *testing.T) {
	prev := finalised(t, 1000, 1000)
	out := prev
	out.Version = prev.Version + 1
	out.Status = domain.StatusPartiallyPaid
	paid := money.GBP(1000)
	out.AmountPaid = &paid
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdCollectInsurer, []string{hospital.Key, insurer.Key})
	wantViolation(t, err, "full cover must settle as FULLY_PAID")
}

func TestCollectPatientSettlesRemainder(t *testing.T) {
	partial, err := BuildCollectInsurer(finalised(t, 700, 1000))
	if err != nil {
		t.Fatalf("collect insurer: %v", err)
	}
	p, err := BuildCollectPatient(partial.Output(), bankKey)
	if err != nil {
		t.Fatalf("collect patient: %v", err)
	}
	out := p.Output()
	if out.Status != domain.StatusFullyPaid {
		t.Fatalf("expected FULLY_PAID, got %s", out.Status)
	}
	if !out.AmountPaid.Equal(money.GBP(1000)) {
		t.Fatalf("expected full payment, got %v", out.AmountPaid)
	}
}

func TestCollectPatientNeedsBankSigner(t *testing.T) {
	partial, _ := BuildCollectInsurer(finalised(t, 700, 1000))
	prev := partial.Output()
	out := prev
	out.Version = prev.Version + 1
	out.Status = domain.StatusFullyPaid
	paid := money.GBP(1000)
	out.AmountPaid = &paid
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdCollectPatient, []string{hospital.Key, insurer.Key})
	wantViolation(t, err, "patient's bank must co-sign")
}

func TestStatusNeverRegresses(t *testing.T) {
	prev := finalised(t, 700, 1000)
	out := prev
	out.Version = prev.Version + 1
	out.Status = domain.StatusQuoted
	out.ActualCost = nil
	err := Validate([]domain.TreatmentRecord{prev}, out, domain.CmdQuote, []string{hospital.Key, insurer.Key})
	wantViolation(t, err, "input status must be ESTIMATED")
}
