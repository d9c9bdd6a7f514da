// Package synctarget talks to the downstream registration directory.
// The target is rate-limited and occasionally unavailable, so every
// call site wraps it in the external-sync circuit breaker.
package synctarget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/resilience"
)

// RecordKind distinguishes registration upserts from donation upserts.
type RecordKind string

const (
	KindRegistration RecordKind = "registration"
	KindDonation     RecordKind = "donation"
)

// Record is the payload upserted downstream. IntentID is empty for
// donation records.
type Record struct {
	Kind       RecordKind      `json:"kind"`
	OrderID    string          `json:"order_id"`
	IntentID   string          `json:"intent_id,omitempty"`
	PlayerName string          `json:"player_name,omitempty"`
	Division   string          `json:"division,omitempty"`
	Sport      string          `json:"sport,omitempty"`
	Season     string          `json:"season,omitempty"`
	Descriptor string          `json:"descriptor,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	BuyerEmail string          `json:"buyer_email,omitempty"`
}

// Target is the single-call interface the transaction manager consumes.
type Target interface {
	Upsert(ctx context.Context, record Record) error
}

// HTTPTarget is the production Target over the directory's REST API.
type HTTPTarget struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPTarget creates a client for the registration directory.
func NewHTTPTarget(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPTarget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTarget{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("sync-target"),
	}
}

// Upsert writes one record downstream. Rate limiting and server errors
// come back as transient so the executor retries them; client errors
// are permanent.
func (t *HTTPTarget) Upsert(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode sync record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/records/upsert", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return resilience.Transient(fmt.Errorf("sync target unreachable: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resilience.Transient(fmt.Errorf("sync target returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("sync target rejected record: status %d", resp.StatusCode)
	}
}
