// Package reconciliation periodically audits the escrow ledger: the custody
// book against active escrow totals, every record against the lifecycle
// invariants, and optionally the custody book against on-chain balances.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/kustodia/escrowd/internal/amount"
	"github.com/kustodia/escrowd/internal/escrow"
)

// ChainBalances reports what the custody account actually holds on chain.
type ChainBalances interface {
	CustodyBalance(ctx context.Context, asset string) (*big.Int, error)
}

// LedgerMismatch is an asset whose custody book disagrees with the sum of
// funded and disputed escrows.
type LedgerMismatch struct {
	Asset   string `json:"asset"`
	Custody string `json:"custody"`
	Active  string `json:"active"`
}

// OnChainResult compares the custody book with the chain for one asset.
// The chain may hold more than the book (stray transfers in) but never less.
type OnChainResult struct {
	Asset     string `json:"asset"`
	Ledger    string `json:"ledger"`
	OnChain   string `json:"onChain"`
	Shortfall string `json:"shortfall"`
	Match     bool   `json:"match"`
}

// Report is the outcome of one run.
type Report struct {
	RanAt      time.Time        `json:"ranAt"`
	Duration   string           `json:"duration"`
	Mismatches []LedgerMismatch `json:"mismatches"`
	OnChain    []OnChainResult  `json:"onChain,omitempty"`
	Violations []string         `json:"violations"`
	// Overdue lists funded escrows past their deadline, awaiting release,
	// dispute or cancellation.
	Overdue []uint64 `json:"overdue"`
}

// Healthy reports whether the run found nothing that needs an operator.
// Overdue escrows are informational.
func (r *Report) Healthy() bool {
	if len(r.Mismatches) > 0 || len(r.Violations) > 0 {
		return false
	}
	for _, oc := range r.OnChain {
		if !oc.Match {
			return false
		}
	}
	return true
}

// Option configures a Runner.
type Option func(*Runner)

// WithChain enables the on-chain comparison.
func WithChain(c ChainBalances) Option {
	return func(r *Runner) { r.chain = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner executes reconciliation checks and keeps the latest report.
type Runner struct {
	store  escrow.Store
	chain  ChainBalances
	now    func() time.Time
	logger *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner over the escrow store.
func NewRunner(store escrow.Store, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{store: store, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run performs every check once.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{RanAt: r.now().UTC(), Mismatches: []LedgerMismatch{}, Violations: []string{}, Overdue: []uint64{}}

	mm, err := escrow.CustodyMismatches(ctx, r.store)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("reconcile custody: %w", err)
	}
	for _, m := range mm {
		rep.Mismatches = append(rep.Mismatches, LedgerMismatch{Asset: m.Asset, Custody: m.Custody, Active: m.Active})
	}

	if err := r.checkRecords(ctx, rep); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	if r.chain != nil {
		if err := r.checkChain(ctx, rep); err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
	}

	elapsed := time.Since(start)
	rep.Duration = elapsed.String()
	reconcileDuration.Observe(elapsed.Seconds())
	r.observe(rep)

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	return rep, nil
}

func (r *Runner) checkRecords(ctx context.Context, rep *Report) error {
	now := r.now()
	for _, status := range escrow.Statuses {
		recs, err := r.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return fmt.Errorf("reconcile %s records: %w", status, err)
		}
		for _, rec := range recs {
			rep.Violations = append(rep.Violations, escrow.CheckRecord(rec)...)
			if rec.Status == escrow.StatusFunded && !now.Before(rec.Deadline) {
				rep.Overdue = append(rep.Overdue, rec.ID)
			}
		}
	}
	sort.Slice(rep.Overdue, func(i, j int) bool { return rep.Overdue[i] < rep.Overdue[j] })
	return nil
}

func (r *Runner) checkChain(ctx context.Context, rep *Report) error {
	balances, err := r.store.CustodyBalances(ctx)
	if err != nil {
		return fmt.Errorf("reconcile on-chain: %w", err)
	}
	assets := make([]string, 0, len(balances))
	for a := range balances {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		book := amount.Sum(balances[asset])
		held, err := r.chain.CustodyBalance(ctx, asset)
		if err != nil {
			return fmt.Errorf("reconcile on-chain %s: %w", asset, err)
		}
		shortfall := new(big.Int).Sub(book, held)
		if shortfall.Sign() < 0 {
			shortfall.SetInt64(0)
		}
		rep.OnChain = append(rep.OnChain, OnChainResult{
			Asset:     asset,
			Ledger:    amount.Format(book),
			OnChain:   amount.Format(held),
			Shortfall: amount.Format(shortfall),
			Match:     shortfall.Sign() == 0,
		})
	}
	return nil
}

func (r *Runner) observe(rep *Report) {
	reconcileLedgerMismatches.Set(float64(len(rep.Mismatches)))
	reconcileViolations.Set(float64(len(rep.Violations)))
	reconcileOverdue.Set(float64(len(rep.Overdue)))
	short := 0
	for _, oc := range rep.OnChain {
		if !oc.Match {
			short++
		}
	}
	reconcileOnChainShortfalls.Set(float64(short))

	if rep.Healthy() {
		r.logger.Info("reconciliation passed", "overdue", len(rep.Overdue), "duration", rep.Duration)
		return
	}
	r.logger.Error("RECONCILIATION FAILED",
		"mismatches", rep.Mismatches,
		"violations", rep.Violations,
		"onChainShortfalls", short,
	)
}
