package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kustodia/escrowd/internal/escrow"
	"github.com/kustodia/escrowd/internal/eventlog"
	"github.com/kustodia/escrowd/internal/pause"
	"github.com/kustodia/escrowd/internal/reconciliation"
)

// Config holds the configuration for connecting to an escrowd instance.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// Client is a read-only HTTP client for the escrowd API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new escrowd API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from escrowd.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get issues a GET against the API and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetEscrow fetches one record.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (*escrow.Record, error) {
	var resp struct {
		Escrow *escrow.Record `json:"escrow"`
	}
	if err := c.get(ctx, "/v1/escrows/"+strconv.FormatUint(id, 10), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Escrow, nil
}

// ListEscrows lists records in one status.
func (c *Client) ListEscrows(ctx context.Context, status string, limit int) ([]*escrow.Record, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Escrows []*escrow.Record `json:"escrows"`
	}
	if err := c.get(ctx, "/v1/escrows", q, &resp); err != nil {
		return nil, err
	}
	return resp.Escrows, nil
}

// EscrowEvents returns the full history of one record.
func (c *Client) EscrowEvents(ctx context.Context, id uint64) ([]*eventlog.Event, error) {
	var resp struct {
		Events []*eventlog.Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/escrows/"+strconv.FormatUint(id, 10)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// EventPage is one page of the global event log.
type EventPage struct {
	Events    []*eventlog.Event `json:"events"`
	HasMore   bool              `json:"hasMore"`
	NextAfter int64             `json:"nextAfter"`
}

// Events reads the global log after sequence number after.
func (c *Client) Events(ctx context.Context, after int64, limit int) (*EventPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page EventPage
	if err := c.get(ctx, "/v1/events", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Custody returns per-asset custody figures.
func (c *Client) Custody(ctx context.Context) ([]escrow.AssetCustody, error) {
	var resp struct {
		Assets []escrow.AssetCustody `json:"assets"`
	}
	if err := c.get(ctx, "/v1/custody", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

// PauseState returns the global pause switch.
func (c *Client) PauseState(ctx context.Context) (*pause.State, error) {
	var st pause.State
	if err := c.get(ctx, "/v1/admin/pause", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ReconciliationReport is the latest safety monitor result.
type ReconciliationReport struct {
	Healthy bool                   `json:"healthy"`
	Report  *reconciliation.Report `json:"report"`
}

// Reconciliation returns the latest report. Requires an administrator key.
func (c *Client) Reconciliation(ctx context.Context) (*ReconciliationReport, error) {
	var rep ReconciliationReport
	if err := c.get(ctx, "/v1/admin/reconciliation", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
