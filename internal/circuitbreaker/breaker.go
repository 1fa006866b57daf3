// Package circuitbreaker guards outbound endpoints (chain RPC, webhook
// receivers) with a per-endpoint closed / open / half-open breaker.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one endpoint's circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "circuit",
	Name:      "transitions_total",
	Help:      "Circuit state changes by endpoint.",
}, []string{"endpoint", "from", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips an endpoint open after threshold consecutive failures and
// lets a single probe through once openFor has passed.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// WithClock replaces the wall clock.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call to endpoint may proceed.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.openFor {
			b.move(endpoint, c, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes a probing circuit and clears the failure count.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return
	}
	c.failures = 0
	b.move(endpoint, c, StateClosed)
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{}
		b.circuits[endpoint] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(endpoint, c, StateOpen)
	}
}

// State returns the endpoint's state; unknown endpoints are closed.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[endpoint]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists endpoints that are not closed, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for ep, c := range b.circuits {
		if c.state != StateClosed {
			out = append(out, ep)
		}
	}
	sort.Strings(out)
	return out
}

// move must be called with b.mu held.
func (b *Breaker) move(endpoint string, c *circuit, to State) {
	if c.state == to {
		return
	}
	transitionsTotal.WithLabelValues(endpoint, c.state.String(), to.String()).Inc()
	c.state = to
}
