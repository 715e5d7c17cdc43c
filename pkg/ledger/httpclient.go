package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"carelane/pkg/domain"
)

// HTTPClient talks to the node hosting the finality service over its
// /ledger routes. Insurer and bank nodes use it; the hospital node holds
// the Notary directly.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client

	mu      sync.Mutex
	tracked map[string]int
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type remoteError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) Submit(ctx context.Context, tx Transition) (FinalityReceipt, error) {
	b, err := json.Marshal(tx)
	if err != nil {
		return FinalityReceipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/ledger/transitions", bytes.NewReader(b))
	if err != nil {
		return FinalityReceipt{}, err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return FinalityReceipt{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return FinalityReceipt{}, decodeRemoteError(resp)
	}
	var receipt FinalityReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return FinalityReceipt{}, err
	}
	return receipt, nil
}

func (c *HTTPClient) QueryByIdentity(ctx context.Context, recordID string) (domain.TreatmentRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/ledger/records/"+recordID, nil)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.TreatmentRecord{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.TreatmentRecord{}, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	if resp.StatusCode >= 300 {
		return domain.TreatmentRecord{}, decodeRemoteError(resp)
	}
	var rec domain.TreatmentRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return domain.TreatmentRecord{}, err
	}
	return rec, nil
}

// Track registers a record for change polling. Remote nodes call it when
// they first learn a record identity from a session.
func (c *HTTPClient) Track(recordID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracked == nil {
		c.tracked = map[string]int{}
	}
	if _, ok := c.tracked[recordID]; !ok {
		c.tracked[recordID] = 0
	}
}

// Subscribe polls tracked records and emits an Update whenever a version
// advances. Streaming over the wire is the hosting node's concern; remote
// nodes only need change notice.
func (c *HTTPClient) Subscribe(ctx context.Context) (<-chan Update, error) {
	ch := make(chan Update, 64)
	go func() {
		defer close(ch)
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			c.mu.Lock()
			ids := make([]string, 0, len(c.tracked))
			for id := range c.tracked {
				ids = append(ids, id)
			}
			c.mu.Unlock()
			for _, id := range ids {
				rec, err := c.QueryByIdentity(ctx, id)
				if err != nil {
					continue
				}
				c.mu.Lock()
				fresh := rec.Version > c.tracked[id]
				if fresh {
					c.tracked[id] = rec.Version
				}
				c.mu.Unlock()
				if !fresh {
					continue
				}
				select {
				case ch <- Update{Record: rec}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func decodeRemoteError(resp *http.Response) error {
	var out remoteError
	_ = json.NewDecoder(resp.Body).Decode(&out)
	switch out.Error.Code {
	case "CONFLICT":
		return ErrConflict
	case "UNKNOWN_RECORD":
		return ErrUnknownRecord
	case "MISSING_SIGNATURE":
		return ErrMissingSignature
	case "CONTRACT_VIOLATION":
		return fmt.Errorf("contract rejected: %s", out.Error.Message)
	}
	if out.Error.Message != "" {
		return errors.New(out.Error.Message)
	}
	return fmt.Errorf("ledger returned %d", resp.StatusCode)
}
