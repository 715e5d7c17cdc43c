package carelane

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"carelane/pkg/domain"
	"carelane/pkg/money"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Error is the decoded error payload of a non-2xx hospital API response.
type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("carelane sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// Client talks to a hospital node's treatment API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

type CreateTreatmentRequest struct {
	Patient       domain.Patient `json:"patient"`
	Description   string         `json:"description"`
	EstimatedCost money.Amount   `json:"estimated_cost"`
	Insurers      []string       `json:"insurers,omitempty"`
}

// CreateTreatment estimates a treatment and auctions it; the returned
// record is already QUOTED.
func (c *Client) CreateTreatment(ctx context.Context, req CreateTreatmentRequest) (domain.TreatmentRecord, error) {
	payload, err := c.do(ctx, http.MethodPost, "/treatments", req, false)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	return decodeRecord(payload)
}

// Settle drives the settlement saga. Safe to call again after a failure;
// the hospital resumes from the committed version.
func (c *Client) Settle(ctx context.Context, recordID string, actualCost money.Amount) (domain.TreatmentRecord, error) {
	path := "/treatments/" + url.PathEscape(recordID) + "/settle"
	body := map[string]any{"actual_cost": actualCost}
	payload, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	return decodeRecord(payload)
}

func (c *Client) GetTreatment(ctx context.Context, recordID string) (domain.TreatmentRecord, error) {
	path := "/treatments/" + url.PathEscape(recordID)
	payload, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	return decodeRecord(payload)
}

// History returns every committed version of a record, oldest first.
func (c *Client) History(ctx context.Context, recordID string) ([]domain.TreatmentRecord, error) {
	path := "/treatments/" + url.PathEscape(recordID) + "/history"
	payload, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Versions []domain.TreatmentRecord `json:"versions"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func decodeRecord(payload []byte) (domain.TreatmentRecord, error) {
	var out struct {
		Record domain.TreatmentRecord `json:"record"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return domain.TreatmentRecord{}, err
	}
	if out.Record.RecordID == "" {
		return domain.TreatmentRecord{}, errors.New("response carries no record")
	}
	return out.Record, nil
}

// do sends one request. Only idempotent reads are retried: creation and
// settlement open counterparty sessions and must not be replayed blindly.
func (c *Client) do(ctx context.Context, method, path string, body any, retryable bool) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "carelane-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, parseSDKError(resp.StatusCode, respBody)
	}
	return nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
