// Package billing is the HTTP client for the credit ledger service. Every
// mutation carries an Idempotency-Key so retried or repeated calls for the
// same run are applied once.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/resilience"
)

const defaultBaseURL = "http://localhost:8090"

// ErrInsufficientCredits is returned when the account balance cannot cover
// a reservation.
var ErrInsufficientCredits = eris.New("billing: insufficient credits")

// Ledger moves credits on tenant accounts.
type Ledger interface {
	// Reserve holds amount credits when a run is enqueued.
	Reserve(ctx context.Context, accountID string, amount int, key string) error
	// Debit settles the credits a run actually used.
	Debit(ctx context.Context, accountID string, amount int, key string) error
	// Refund returns unused credits.
	Refund(ctx context.Context, accountID string, amount int, key string, metadata map[string]string) error
}

type entry struct {
	AccountID string            `json:"accountId"`
	Amount    int               `json:"amount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the ledger base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithBackoff sets the retry policy for transient failures.
func WithBackoff(b resilience.Backoff) Option {
	return func(c *httpClient) {
		c.backoff = b
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	backoff resilience.Backoff
}

// NewClient creates a ledger client.
func NewClient(apiKey string, opts ...Option) Ledger {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		backoff: resilience.Backoff{Attempts: 3, OnRetry: resilience.LogRetries("billing", "ledger")},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Reserve(ctx context.Context, accountID string, amount int, key string) error {
	return c.post(ctx, "reserve", key, entry{AccountID: accountID, Amount: amount})
}

func (c *httpClient) Debit(ctx context.Context, accountID string, amount int, key string) error {
	return c.post(ctx, "debit", key, entry{AccountID: accountID, Amount: amount})
}

func (c *httpClient) Refund(ctx context.Context, accountID string, amount int, key string, metadata map[string]string) error {
	return c.post(ctx, "refund", key, entry{AccountID: accountID, Amount: amount, Metadata: metadata})
}

func (c *httpClient) post(ctx context.Context, op, key string, e entry) error {
	if e.Amount <= 0 {
		return nil
	}
	if key == "" {
		return eris.Errorf("billing: %s for %s requires an idempotency key", op, e.AccountID)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return eris.Wrapf(err, "billing: marshal %s", op)
	}

	return resilience.Do(ctx, c.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ledger/"+op, bytes.NewReader(body))
		if err != nil {
			return eris.Wrapf(err, "billing: create %s request", op)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", key, op))

		resp, err := c.http.Do(req)
		if err != nil {
			return eris.Wrapf(err, "billing: send %s", op)
		}
		defer resp.Body.Close() //nolint:errcheck
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusConflict:
			// Already applied under this key.
			return nil
		case resp.StatusCode == http.StatusPaymentRequired:
			return eris.Wrapf(ErrInsufficientCredits, "billing: %s %d for %s", op, e.Amount, e.AccountID)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return resilience.Transient(
				eris.Errorf("billing: %s status %d: %s", op, resp.StatusCode, respBody), resp.StatusCode)
		default:
			return eris.Errorf("billing: %s status %d: %s", op, resp.StatusCode, respBody)
		}
	})
}
