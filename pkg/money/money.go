package money

import (
	"errors"
	"fmt"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrNegativeAmount   = errors.New("negative amount")
)

// Amount is a quantity of one currency in minor units (pence, cents).
type Amount struct {
	Quantity int64  `json:"quantity"`
	Currency string `json:"currency"`
}

func GBP(pence int64) Amount { return Amount{Quantity: pence, Currency: "GBP"} }

func (a Amount) IsZero() bool { return a.Quantity == 0 }

func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return Amount{Quantity: a.Quantity + b.Quantity, Currency: a.Currency}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	if a.Quantity < b.Quantity {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{Quantity: a.Quantity - b.Quantity, Currency: a.Currency}, nil
}

// Cmp returns -1, 0 or 1. Comparing different currencies is an error.
func (a Amount) Cmp(b Amount) (int, error) {
	if a.Currency != b.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	switch {
	case a.Quantity < b.Quantity:
		return -1, nil
	case a.Quantity > b.Quantity:
		return 1, nil
	default:
		return 0, nil
	}
}

func Min(a, b Amount) (Amount, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Amount{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

func (a Amount) Equal(b Amount) bool {
	return a.Currency == b.Currency && a.Quantity == b.Quantity
}

func (a Amount) String() string {
	return fmt.Sprintf("%d.%02d %s", a.Quantity/100, a.Quantity%100, a.Currency)
}
