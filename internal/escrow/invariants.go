package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kustodia/escrowd/internal/amount"
)

// ErrInvariantViolation is returned by VerifyInvariants when the ledger is
// inconsistent.
var ErrInvariantViolation = errors.New("escrow: ledger invariant violated")

// Violations lists every problem VerifyInvariants found.
type Violations []string

func (v Violations) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvariantViolation, strings.Join(v, "; "))
}

func (v Violations) Unwrap() error { return ErrInvariantViolation }

// allowedDispute lists the lifecycle states each dispute state may coexist
// with.
var allowedDispute = map[DisputeStatus][]Status{
	DisputeNone:             {StatusPending, StatusFunded, StatusReleased, StatusCancelled},
	DisputeOpen:             {StatusDisputed},
	DisputeDismissed:        {StatusFunded, StatusReleased},
	DisputeResolvedForPayee: {StatusResolvedForPayee},
	DisputeResolvedForPayer: {StatusResolvedForPayer},
}

// CheckRecord returns the invariant violations of a single record.
func CheckRecord(r *Record) []string {
	var out []string
	if err := amount.Validate(r.Amount); err != nil {
		out = append(out, fmt.Sprintf("escrow %d: amount: %v", r.ID, err))
	}
	if r.Payer == r.Payee {
		out = append(out, fmt.Sprintf("escrow %d: payer equals payee", r.ID))
	}
	if !r.Deadline.After(r.CreatedAt) {
		out = append(out, fmt.Sprintf("escrow %d: deadline not after creation", r.ID))
	}
	if !r.Status.Valid() {
		out = append(out, fmt.Sprintf("escrow %d: unknown status %q", r.ID, r.Status))
	}
	ok := false
	for _, s := range allowedDispute[r.DisputeStatus] {
		if s == r.Status {
			ok = true
			break
		}
	}
	if !ok {
		out = append(out, fmt.Sprintf("escrow %d: dispute status %q with status %q", r.ID, r.DisputeStatus, r.Status))
	}
	return out
}

// VerifyInvariants checks every record and the per-asset custody invariant:
// custody balance equals the sum of funded and disputed amounts. It reads
// only and is safe to run against a live store.
func VerifyInvariants(ctx context.Context, store Store) error {
	var v Violations

	for _, status := range Statuses {
		recs, err := store.ListByStatus(ctx, status, 0)
		if err != nil {
			return fmt.Errorf("list %s records: %w", status, err)
		}
		for _, r := range recs {
			v = append(v, CheckRecord(r)...)
		}
	}

	mismatches, err := CustodyMismatches(ctx, store)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		v = append(v, m.String())
	}

	if len(v) > 0 {
		return v
	}
	return nil
}

// Mismatch is a per-asset disagreement between custody and active records.
type Mismatch struct {
	Asset   string
	Custody string
	Active  string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("asset %s: custody %s != active escrows %s", m.Asset, m.Custody, m.Active)
}

// CustodyMismatches compares the custody book with active record totals.
func CustodyMismatches(ctx context.Context, store Store) ([]Mismatch, error) {
	snap, err := store.CustodySnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read custody snapshot: %w", err)
	}
	balances, active := snap.Balances, snap.Active

	assets := make(map[string]struct{})
	for a := range balances {
		assets[a] = struct{}{}
	}
	for a := range active {
		assets[a] = struct{}{}
	}
	keys := make([]string, 0, len(assets))
	for a := range assets {
		keys = append(keys, a)
	}
	sort.Strings(keys)

	var out []Mismatch
	for _, a := range keys {
		b, t := amount.Sum(balances[a]), amount.Sum(active[a])
		if b.Cmp(t) != 0 {
			out = append(out, Mismatch{Asset: a, Custody: amount.Format(b), Active: amount.Format(t)})
		}
	}
	return out, nil
}
