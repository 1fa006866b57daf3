// Package webhooks delivers every committed escrow event to the banking
// bridge's configured HTTP endpoints.
//
// Delivery is post-commit and best effort: a failing receiver never affects a
// transition. Events are queued, posted in sequence order with an HMAC-SHA256
// signature, retried with backoff and short-circuited while an endpoint keeps
// failing. A receiver that missed events catches up from GET /v1/events.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kustodia/escrowd/internal/circuitbreaker"
	"github.com/kustodia/escrowd/internal/eventlog"
	"github.com/kustodia/escrowd/internal/retry"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Escrowd-Event"
	HeaderDelivery  = "X-Escrowd-Delivery"
	HeaderSeq       = "X-Escrowd-Seq"
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"
)

const (
	defaultQueueSize = 1024
	defaultTimeout   = 10 * time.Second
)

var (
	ErrInvalidEndpoint  = errors.New("webhooks: invalid endpoint url")
	ErrInvalidSignature = errors.New("webhooks: invalid signature")
	ErrStaleTimestamp   = errors.New("webhooks: timestamp outside tolerance")
)

// DefaultPolicy retries a delivery for roughly a minute.
var DefaultPolicy = retry.Policy{Attempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 20 * time.Second}

// EndpointStatus reports the last outcome for one receiver.
type EndpointStatus struct {
	URL         string     `json:"url"`
	Circuit     string     `json:"circuit"`
	Delivered   int64      `json:"delivered"`
	Failed      int64      `json:"failed"`
	LastSeq     int64      `json:"lastSeq"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Dispatcher is an eventlog.Sink that posts events to static endpoints.
type Dispatcher struct {
	endpoints []string
	secret    string
	client    *http.Client
	policy    retry.Policy
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
	now       func() time.Time
	queue     chan *eventlog.Event

	mu     sync.Mutex
	status map[string]*EndpointStatus
}

var _ eventlog.Sink = (*Dispatcher)(nil)

// ParseEndpoints splits a comma-separated URL list, dropping blanks. Each URL
// must be absolute http or https.
func ParseEndpoints(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		u, err := url.Parse(part)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, part)
		}
		out = append(out, part)
	}
	return out, nil
}

// NewDispatcher creates a dispatcher. An empty secret sends unsigned requests.
func NewDispatcher(endpoints []string, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		endpoints: endpoints,
		secret:    secret,
		client:    &http.Client{Timeout: defaultTimeout},
		policy:    DefaultPolicy,
		breaker:   circuitbreaker.New(5, time.Minute),
		logger:    logger,
		now:       time.Now,
		queue:     make(chan *eventlog.Event, defaultQueueSize),
		status:    make(map[string]*EndpointStatus),
	}
	for _, ep := range endpoints {
		d.status[ep] = &EndpointStatus{URL: ep}
	}
	return d
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithPolicy replaces the retry policy.
func (d *Dispatcher) WithPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithBreaker replaces the per-endpoint circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// Publish queues ev for delivery. It never blocks: when the queue is full the
// event is dropped and counted.
func (d *Dispatcher) Publish(_ context.Context, ev *eventlog.Event) error {
	if len(d.endpoints) == 0 {
		return nil
	}
	select {
	case d.queue <- ev.Clone():
		queueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		droppedTotal.Inc()
		return fmt.Errorf("webhooks: queue full, dropped event %d", ev.Seq)
	}
}

// Run delivers queued events until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			queueDepth.Set(float64(len(d.queue)))
			d.deliverAll(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliverAll(ctx context.Context, ev *eventlog.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("webhook marshal failed", "seq", ev.Seq, "error", err)
		return
	}
	for _, ep := range d.endpoints {
		err := d.deliver(ctx, ep, ev, body)
		d.record(ep, ev.Seq, err)
		if err != nil {
			deliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed",
				"url", ep, "seq", ev.Seq, "type", ev.Type, "escrowId", ev.EscrowID, "error", err)
			continue
		}
		deliveriesTotal.WithLabelValues("delivered").Inc()
	}
}

// deliver posts one event to one endpoint with retries. The delivery id is
// stable across attempts so receivers can deduplicate.
func (d *Dispatcher) deliver(ctx context.Context, endpoint string, ev *eventlog.Event, body []byte) error {
	deliveryID := uuid.NewString()
	return retry.Do(ctx, d.policy, func() error {
		if !d.breaker.Allow(endpoint) {
			return retry.Permanent(fmt.Errorf("circuit open for %s", endpoint))
		}
		err := d.post(ctx, endpoint, deliveryID, ev, body)
		var pe *retry.PermanentError
		switch {
		case err == nil:
			d.breaker.RecordSuccess(endpoint)
		case errors.As(err, &pe):
			// The receiver answered; it is up but refused this event.
			d.breaker.RecordSuccess(endpoint)
		default:
			d.breaker.RecordFailure(endpoint)
		}
		return err
	})
}

func (d *Dispatcher) post(ctx context.Context, endpoint, deliveryID string, ev *eventlog.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSeq, strconv.FormatInt(ev.Seq, 10))
	req.Header.Set(HeaderTimestamp, ts)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) record(endpoint string, seq int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.status[endpoint]
	if st == nil {
		return
	}
	st.LastSeq = seq
	if err != nil {
		st.Failed++
		st.LastError = err.Error()
		return
	}
	now := d.now().UTC()
	st.Delivered++
	st.LastSuccess = &now
	st.LastError = ""
}

// Status returns a snapshot per endpoint in configuration order.
func (d *Dispatcher) Status() []EndpointStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]EndpointStatus, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		st := *d.status[ep]
		st.Circuit = d.breaker.State(ep).String()
		out = append(out, st)
	}
	return out
}

// Sign returns the signature header value for body sent at timestamp ts:
// "sha256=" + hex(HMAC-SHA256(secret, ts + "." + body)).
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery's signature and rejects timestamps further than
// tolerance from now. Receivers written in Go can use it directly.
func Verify(secret, signature, ts string, body []byte, now time.Time, tolerance time.Duration) error {
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	if skew := now.Sub(time.Unix(sent, 0)); skew > tolerance || skew < -tolerance {
		return ErrStaleTimestamp
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, ts, body))) {
		return ErrInvalidSignature
	}
	return nil
}
