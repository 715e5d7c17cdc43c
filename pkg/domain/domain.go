package domain

import (
	"carelane/pkg/money"
)

// Party identifies a settlement participant by display name and the
// base64 ed25519 public key it signs transitions with.
type Party struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Patient is referenced by value and never changes.
type Patient struct {
	Name string `json:"name"`
	NINO string `json:"nino"`
}

// Treatment is immutable once created. The hospital is its sole writer.
type Treatment struct {
	Patient     Patient `json:"patient"`
	Description string  `json:"description"`
	Hospital    Party   `json:"hospital"`
}

// CoverageEstimation is the payload sent to insurers when soliciting quotes.
type CoverageEstimation struct {
	Treatment     Treatment    `json:"treatment"`
	EstimatedCost money.Amount `json:"estimated_cost"`
}

// InsurerQuote is produced exactly once per treatment and immutable after.
type InsurerQuote struct {
	Insurer         Party        `json:"insurer"`
	MaxCoveredValue money.Amount `json:"max_covered_value"`
}

type Status string

const (
	StatusEstimated     Status = "ESTIMATED"
	StatusQuoted        Status = "QUOTED"
	StatusFinalised     Status = "FINALISED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusFullyPaid     Status = "FULLY_PAID"
)

// rank orders the status lattice. Transitions may only move forward.
func (s Status) rank() int {
	switch s {
	case StatusEstimated:
		return 0
	case StatusQuoted:
		return 1
	case StatusFinalised:
		return 2
	case StatusPartiallyPaid:
		return 3
	case StatusFullyPaid:
		return 4
	default:
		return -1
	}
}

func (s Status) Known() bool { return s.rank() >= 0 }

// Before reports whether s precedes t in the lattice.
func (s Status) Before(t Status) bool {
	return s.rank() >= 0 && t.rank() >= 0 && s.rank() < t.rank()
}

// Terminal reports whether the record's lifecycle has logically ended.
func (s Status) Terminal() bool { return s == StatusFullyPaid }

type Command string

const (
	CmdEstimate       Command = "ESTIMATE"
	CmdQuote          Command = "QUOTE"
	CmdFinalise       Command = "FINALISE"
	CmdCollectInsurer Command = "COLLECT_INSURER_PAYMENT"
	CmdCollectPatient Command = "COLLECT_PATIENT_PAYMENT"
)

// TreatmentRecord is the versioned settlement entity. RecordID is assigned
// once and carried unchanged through every version; each transition
// consumes the current version and produces exactly one successor.
type TreatmentRecord struct {
	RecordID      string        `json:"record_id"`
	Version       int           `json:"version"`
	Treatment     Treatment     `json:"treatment"`
	EstimatedCost money.Amount  `json:"estimated_cost"`
	ActualCost    *money.Amount `json:"actual_cost,omitempty"`
	AmountPaid    *money.Amount `json:"amount_paid,omitempty"`
	InsurerQuote  *InsurerQuote `json:"insurer_quote,omitempty"`
	Status        Status        `json:"status"`
}

// VersionRef points at one committed version of a record.
type VersionRef struct {
	RecordID string `json:"record_id"`
	Version  int    `json:"version"`
}

func (r TreatmentRecord) Ref() VersionRef {
	return VersionRef{RecordID: r.RecordID, Version: r.Version}
}

// Participants returns the parties economically bound by this version:
// the hospital always, plus the insurer once a quote is recorded.
func (r TreatmentRecord) Participants() []Party {
	out := []Party{r.Treatment.Hospital}
	if r.InsurerQuote != nil {
		out = append(out, r.InsurerQuote.Insurer)
	}
	return out
}

// Remaining is the unpaid part of the actual cost. Zero before finalisation.
func (r TreatmentRecord) Remaining() money.Amount {
	if r.ActualCost == nil {
		return money.Amount{}
	}
	if r.AmountPaid == nil {
		return *r.ActualCost
	}
	rem, err := r.ActualCost.Sub(*r.AmountPaid)
	if err != nil {
		return money.Amount{}
	}
	return rem
}
