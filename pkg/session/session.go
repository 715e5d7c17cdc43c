package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"carelane/pkg/contract"
	"carelane/pkg/domain"
	"carelane/pkg/money"
	"carelane/pkg/signature"
)

var (
	// ErrPeerUnavailable: the peer could not be reached or did not answer
	// within the deadline. Retryable; saga steps resume later.
	ErrPeerUnavailable = errors.New("peer unavailable")

	ErrUnexpectedMessage = errors.New("unexpected message type")
	ErrClosed            = errors.New("session closed")

	// ErrIdentityMismatch: the counterparty is not the party the record
	// names for its role. Fatal, never retried.
	ErrIdentityMismatch = errors.New("identity mismatch")
)

// Exchange names route an inbound session to the right responder handler.
const (
	ExchangeQuote          = "quote"
	ExchangeFinalise       = "finalise"
	ExchangeCollectInsurer = "collect-insurer"
	ExchangeCollectPatient = "collect-patient"
)

// Session is a reliable, ordered, bidirectional channel between two
// parties. Send and Receive block the calling workflow until the message
// moves or the context deadline expires.
type Session interface {
	Send(ctx context.Context, msgType string, payload any) error
	Receive(ctx context.Context, msgType string, dst any) error
	Close() error
}

// Dialer opens a session for one exchange with one peer.
type Dialer func(ctx context.Context, peer domain.Party, exchange string) (Session, error)

// Handler serves one inbound session. The session is closed by the
// transport when the handler returns.
type Handler func(ctx context.Context, peer string, s Session) error

// Message type tags and payloads, fixed per exchange.
const (
	MsgQuoteRequest  = "quote.request"
	MsgQuoteResponse = "quote.response"
	MsgQuoteResult   = "quote.result"
	MsgSignRequest   = "sign.request"
	MsgSignResult    = "sign.result"
)

type QuoteRequest struct {
	Estimation domain.CoverageEstimation `json:"estimation"`
}

type QuoteResponse struct {
	MaxCoveredValue money.Amount `json:"max_covered_value"`
}

type QuoteResult struct {
	Accepted bool `json:"accepted"`
}

// SignRequest asks the counterparty to validate and counter-sign a sealed
// proposal. ProposedAmount accompanies insurer collection so the insurer
// can compare the initiator's number against its own derivation.
type SignRequest struct {
	Proposal       contract.Proposal `json:"proposal"`
	ProposedAmount *money.Amount     `json:"proposed_amount,omitempty"`
}

// Rejection codes a responder may return instead of an envelope.
const (
	RejectIdentityMismatch  = "IDENTITY_MISMATCH"
	RejectAmountMismatch    = "AMOUNT_MISMATCH"
	RejectContractViolation = "CONTRACT_VIOLATION"
)

type SignResult struct {
	Envelope *signature.Envelope `json:"envelope,omitempty"`
	Code     string              `json:"code,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// Err maps a rejection to the initiator-side error taxonomy.
func (r SignResult) Err() error {
	if r.Envelope != nil {
		return nil
	}
	if r.Code == RejectIdentityMismatch {
		return fmt.Errorf("%w: %s", ErrIdentityMismatch, r.Message)
	}
	return fmt.Errorf("counterparty rejected proposal [%s]: %s", r.Code, r.Message)
}

type frame struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func encodeFrame(msgType string, payload any) (frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return frame{}, err
	}
	return frame{Type: msgType, Body: b}, nil
}

func decodeFrame(f frame, msgType string, dst any) error {
	if f.Type != msgType {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedMessage, f.Type, msgType)
	}
	return json.Unmarshal(f.Body, dst)
}
