package carelane

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"carelane/pkg/domain"
	"carelane/pkg/money"
)

func TestCreateTreatmentDecodesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/treatments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(201)
		w.Write([]byte(`{"request_id":"req_1","record":{"record_id":"rec_1","version":2,"status":"QUOTED","estimated_cost":{"quantity":100000,"currency":"GBP"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	rec, err := c.CreateTreatment(context.Background(), CreateTreatmentRequest{
		Patient:       domain.Patient{Name: "Alice Bell", NINO: "QQ123456A"},
		Description:   "knee reconstruction",
		EstimatedCost: money.GBP(100_000),
	})
	if err != nil {
		t.Fatalf("CreateTreatment: %v", err)
	}
	if rec.RecordID != "rec_1" || rec.Status != domain.StatusQuoted {
		t.Fatalf("record = %+v", rec)
	}
}

func TestErrorPayloadDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(422)
		w.Write([]byte(`{"request_id":"req_9","error":{"code":"CONTRACT_VIOLATION","message":"actual cost must be positive"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Settle(context.Background(), "rec_1", money.GBP(0))
	var sdkErr *Error
	if !errors.As(err, &sdkErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if sdkErr.StatusCode != 422 || sdkErr.ErrorCode != "CONTRACT_VIOLATION" || sdkErr.RequestID != "req_9" {
		t.Fatalf("decoded error = %+v", sdkErr)
	}
}

func TestReadsRetryOnServerBusy(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(503)
			return
		}
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"record":{"record_id":"rec_1","version":1,"status":"ESTIMATED"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
	rec, err := c.GetTreatment(context.Background(), "rec_1")
	if err != nil {
		t.Fatalf("GetTreatment: %v", err)
	}
	if rec.Version != 1 || calls.Load() != 2 {
		t.Fatalf("record v%d after %d calls", rec.Version, calls.Load())
	}
}

func TestWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
	if _, err := c.Settle(context.Background(), "rec_1", money.GBP(100)); err == nil {
		t.Fatal("expected error from busy server")
	}
	if calls.Load() != 1 {
		t.Fatalf("settlement was sent %d times", calls.Load())
	}
}
