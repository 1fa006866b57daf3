package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/kustodia/escrowd/internal/custody"
)

// unconfirmedError is what a rail returns when a transfer went out but its
// confirmation timed out.
type unconfirmedError struct{ tx string }

func (e *unconfirmedError) Error() string         { return "confirmation timed out (tx " + e.tx + ")" }
func (e *unconfirmedError) UnconfirmedTx() string { return e.tx }

// slowConfirmRail broadcasts through the inner rail but, while stalled,
// reports every transfer as unconfirmed. With drop set the transfer never
// lands. status is what a later lookup reports.
type slowConfirmRail struct {
	custody.Transferer

	mu       sync.Mutex
	stall    bool
	drop     bool
	status   custody.TxStatus
	attempts int
	landed   []string
}

func (r *slowConfirmRail) transfer(do func() (string, error)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.stall && r.drop {
		return "", &unconfirmedError{tx: fmt.Sprintf("0xdropped%d", r.attempts)}
	}
	tx, err := do()
	if err != nil {
		return "", err
	}
	r.landed = append(r.landed, tx)
	if r.stall {
		return "", &unconfirmedError{tx: tx}
	}
	return tx, nil
}

func (r *slowConfirmRail) Pull(ctx context.Context, from, asset string, amt *big.Int, ref string) (string, error) {
	return r.transfer(func() (string, error) { return r.Transferer.Pull(ctx, from, asset, amt, ref) })
}

func (r *slowConfirmRail) Push(ctx context.Context, to, asset string, amt *big.Int, ref string) (string, error) {
	return r.transfer(func() (string, error) { return r.Transferer.Push(ctx, to, asset, amt, ref) })
}

func (r *slowConfirmRail) TransferStatus(context.Context, string) (custody.TxStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

func (r *slowConfirmRail) set(fn func(r *slowConfirmRail)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func newSlowHarness(t *testing.T) (*harness, *slowConfirmRail) {
	t.Helper()
	var rail *slowConfirmRail
	h := newHarnessWith(t, func(inner custody.Transferer) custody.Transferer {
		rail = &slowConfirmRail{Transferer: inner}
		return rail
	})
	return h, rail
}

func TestUnconfirmedPayout_NotSentTwice(t *testing.T) {
	h, rail := newSlowHarness(t)
	ctx := context.Background()
	h.funded(t, "100")
	rail.set(func(r *slowConfirmRail) { r.stall = true })

	if _, err := h.svc.Release(ctx, bridgeAddr, 0); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("expected ErrTransferPending, got %v", err)
	}
	rec, _ := h.svc.Get(ctx, 0)
	if rec.Status != StatusFunded || h.custodyOf(t, tokenAddr) != 100 {
		t.Fatalf("unconfirmed payout changed state: %s, custody %d", rec.Status, h.custodyOf(t, tokenAddr))
	}

	if _, err := h.svc.Release(ctx, bridgeAddr, 0); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("retried Release: expected ErrTransferPending, got %v", err)
	}

	// A ruling for the payer must not pay out on top of the stalled release.
	if _, err := h.svc.Dispute(ctx, payerAddr, 0, "never arrived"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, adminAddr, 0, false); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("ResolveDispute: expected ErrTransferPending, got %v", err)
	}
	if len(rail.landed) != 1 {
		t.Fatalf("expected exactly one payout tx, got %d", len(rail.landed))
	}
	if got := h.rail.BalanceOf(payerAddr, tokenAddr).Int64(); got != 0 {
		t.Errorf("payer must not be refunded, got %d", got)
	}

	// Once the release confirms it can be booked, without a second transfer.
	if _, err := h.svc.DismissDispute(ctx, adminAddr, 0); err != nil {
		t.Fatalf("DismissDispute: %v", err)
	}
	rail.set(func(r *slowConfirmRail) { r.status = custody.TxConfirmed })
	rec, err := h.svc.Release(ctx, bridgeAddr, 0)
	if err != nil {
		t.Fatalf("Release after confirmation: %v", err)
	}
	if rec.Status != StatusReleased {
		t.Errorf("expected released, got %s", rec.Status)
	}
	if len(rail.landed) != 1 || rail.attempts != 1 {
		t.Errorf("expected one payout tx and one attempt, got %d landed, %d attempts", len(rail.landed), rail.attempts)
	}
	if got := h.rail.BalanceOf(payeeAddr, tokenAddr).Int64(); got != 100 {
		t.Errorf("expected payee to hold 100, got %d", got)
	}
	if h.custodyOf(t, tokenAddr) != 0 {
		t.Errorf("expected custody 0, got %d", h.custodyOf(t, tokenAddr))
	}
	if p, _ := h.store.PendingTransfer(ctx, "escrow/0"); p != nil {
		t.Errorf("booking the receipt must clear the pending transfer, still %+v", p)
	}

	evs := h.published()
	var payload struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(evs[len(evs)-1].Payload, &payload); err != nil {
		t.Fatalf("decode release event: %v", err)
	}
	if payload.TxHash != rail.landed[0] {
		t.Errorf("release event should carry the original tx %s, got %s", rail.landed[0], payload.TxHash)
	}
	h.assertInvariants(t)
}

func TestUnconfirmedPayout_FailedTransferMayBeRetried(t *testing.T) {
	h, rail := newSlowHarness(t)
	ctx := context.Background()
	h.funded(t, "100")
	rail.set(func(r *slowConfirmRail) { r.stall, r.drop = true, true })

	if _, err := h.svc.Release(ctx, bridgeAddr, 0); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("expected ErrTransferPending, got %v", err)
	}

	rail.set(func(r *slowConfirmRail) {
		r.stall, r.drop = false, false
		r.status = custody.TxFailed
	})
	if _, err := h.svc.Release(ctx, bridgeAddr, 0); err != nil {
		t.Fatalf("Release after failed transfer: %v", err)
	}
	if rail.attempts != 2 || len(rail.landed) != 1 {
		t.Errorf("expected two attempts and one landed payout, got %d/%d", rail.attempts, len(rail.landed))
	}
	if got := h.rail.BalanceOf(payeeAddr, tokenAddr).Int64(); got != 100 {
		t.Errorf("expected payee to hold 100, got %d", got)
	}
	h.assertInvariants(t)
}

func TestUnconfirmedDeposit_BlocksCancel(t *testing.T) {
	h, rail := newSlowHarness(t)
	ctx := context.Background()
	h.create(t, "100")
	rail.set(func(r *slowConfirmRail) { r.stall = true })

	if _, err := h.svc.Fund(ctx, bridgeAddr, 0); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("expected ErrTransferPending, got %v", err)
	}
	if _, err := h.svc.Cancel(ctx, bridgeAddr, 0); !errors.Is(err, ErrTransferPending) {
		t.Fatalf("Cancel with a deposit in flight: expected ErrTransferPending, got %v", err)
	}

	rail.set(func(r *slowConfirmRail) { r.status = custody.TxConfirmed })
	rec, err := h.svc.Fund(ctx, bridgeAddr, 0)
	if err != nil {
		t.Fatalf("Fund after confirmation: %v", err)
	}
	if rec.Status != StatusFunded || h.custodyOf(t, tokenAddr) != 100 {
		t.Errorf("expected funded with custody 100, got %s/%d", rec.Status, h.custodyOf(t, tokenAddr))
	}
	if rail.attempts != 1 {
		t.Errorf("expected one deposit attempt, got %d", rail.attempts)
	}
	h.assertInvariants(t)
}

// tearingStore funds an escrow between the two halves of a split custody
// read, the way a concurrent commit can.
type tearingStore struct {
	*MemoryStore
	between func()
}

func (s *tearingStore) CustodyBalances(ctx context.Context) (map[string]*big.Int, error) {
	b, err := s.MemoryStore.CustodyBalances(ctx)
	if s.between != nil {
		fn := s.between
		s.between = nil
		fn()
	}
	return b, err
}

func TestCustodyMismatches_ConsistentUnderCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "100")

	store := &tearingStore{MemoryStore: h.store, between: func() {
		if _, err := h.svc.Fund(ctx, bridgeAddr, 0); err != nil {
			t.Errorf("Fund: %v", err)
		}
	}}
	// Whatever interleaving a reader hits, it must see a balanced book.
	mm, err := CustodyMismatches(ctx, store)
	if err != nil {
		t.Fatalf("CustodyMismatches: %v", err)
	}
	if len(mm) != 0 {
		t.Errorf("torn read reported mismatches: %v", mm)
	}
	if _, err := store.CustodyBalances(ctx); err != nil {
		t.Fatalf("CustodyBalances: %v", err)
	}
	if mm, _ := CustodyMismatches(ctx, store); len(mm) != 0 {
		t.Errorf("mismatches after fund: %v", mm)
	}
}

func TestCustodySnapshot_ConcurrentReaders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		h.create(t, "10")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := uint64(0); id < n; id++ {
			if _, err := h.svc.Fund(ctx, bridgeAddr, id); err != nil {
				t.Errorf("Fund %d: %v", id, err)
				return
			}
			if id%2 == 0 {
				if _, err := h.svc.Release(ctx, bridgeAddr, id); err != nil {
					t.Errorf("Release %d: %v", id, err)
					return
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		mm, err := CustodyMismatches(ctx, h.store)
		if err != nil {
			t.Fatalf("CustodyMismatches: %v", err)
		}
		if len(mm) != 0 {
			t.Fatalf("reader saw a torn custody snapshot: %v", mm)
		}
		assets, err := h.svc.Custody(ctx)
		if err != nil {
			t.Fatalf("Custody: %v", err)
		}
		for _, a := range assets {
			if !a.Balanced {
				t.Fatalf("Custody reported %s unbalanced: %+v", a.Asset, a)
			}
		}
	}
	wg.Wait()
	h.assertInvariants(t)
}
