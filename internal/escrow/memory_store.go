package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/kustodia/escrowd/internal/amount"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/eventlog"
)

// MemoryStore is an in-memory escrow ledger for development and testing.
// A single mutex covers records, custody and events, which is what makes
// Commit atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   uint64
	records  map[uint64]*Record
	balances map[string]*big.Int
	receipts map[string]*custody.Receipt
	pending  map[string]*custody.Receipt // by scope
	events   []*eventlog.Event
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[uint64]*Record),
		balances: make(map[string]*big.Int),
		receipts: make(map[string]*custody.Receipt),
		pending:  make(map[string]*custody.Receipt),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec *Record, mkEvent EventFunc) (*Record, *eventlog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := rec.Clone()
	stored.ID = m.nextID
	stored.Status = StatusPending
	stored.DisputeStatus = DisputeNone

	ev, err := mkEvent(stored.Clone())
	if err != nil {
		return nil, nil, err
	}

	m.nextID++
	m.records[stored.ID] = stored
	ev = m.append(ev)
	return stored.Clone(), ev, nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if rec.Status == status {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID, nil
}

func (m *MemoryStore) Commit(_ context.Context, t *Transition) (*eventlog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[t.Record.ID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if cur.Status != t.From {
		return nil, ErrConcurrentTransition
	}

	var newBalance *big.Int
	if r := t.Receipt; r != nil {
		if _, dup := m.receipts[r.Reference]; dup {
			return nil, fmt.Errorf("%w: %s", custody.ErrDuplicateTransfer, r.Reference)
		}
		newBalance = new(big.Int).Add(m.balanceLocked(r.Asset), r.Delta())
		if newBalance.Sign() < 0 {
			return nil, fmt.Errorf("%w: %s", custody.ErrInsufficientCustody, r.Asset)
		}
	}

	// All checks passed; nothing below can fail.
	if r := t.Receipt; r != nil {
		m.balances[r.Asset] = newBalance
		m.receipts[r.Reference] = cloneReceipt(r)
		if p, ok := m.pending[custody.Scope(r.Reference)]; ok && p.Reference == r.Reference {
			delete(m.pending, custody.Scope(r.Reference))
		}
	}
	m.records[t.Record.ID] = t.Record.Clone()
	return m.append(t.Event), nil
}

// append sequences ev and stores a copy. Caller holds mu.
func (m *MemoryStore) append(ev *eventlog.Event) *eventlog.Event {
	stored := ev.Clone()
	stored.Seq = int64(len(m.events)) + 1
	m.events = append(m.events, stored)
	return stored.Clone()
}

func (m *MemoryStore) balanceLocked(asset string) *big.Int {
	if b, ok := m.balances[asset]; ok {
		return b
	}
	return new(big.Int)
}

func (m *MemoryStore) CustodyBalance(_ context.Context, asset string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return amount.Clone(m.balanceLocked(asset)), nil
}

func (m *MemoryStore) CustodyBalances(_ context.Context) (map[string]*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balancesLocked(), nil
}

func (m *MemoryStore) balancesLocked() map[string]*big.Int {
	out := make(map[string]*big.Int, len(m.balances))
	for asset, b := range m.balances {
		out[asset] = amount.Clone(b)
	}
	return out
}

func (m *MemoryStore) HasReceipt(_ context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.receipts[reference]
	return ok, nil
}

func (m *MemoryStore) ActiveTotals(_ context.Context) (map[string]*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(), nil
}

func (m *MemoryStore) CustodySnapshot(_ context.Context) (*CustodySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &CustodySnapshot{Balances: m.balancesLocked(), Active: m.activeLocked()}, nil
}

func (m *MemoryStore) activeLocked() map[string]*big.Int {
	out := make(map[string]*big.Int)
	for _, rec := range m.records {
		if !rec.Status.HoldsCustody() {
			continue
		}
		sum, ok := out[rec.Asset]
		if !ok {
			sum = new(big.Int)
			out[rec.Asset] = sum
		}
		sum.Add(sum, rec.Amount)
	}
	return out
}

func (m *MemoryStore) PendingTransfer(_ context.Context, scope string) (*custody.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[scope]
	if !ok {
		return nil, nil
	}
	return cloneReceipt(p), nil
}

func (m *MemoryStore) RecordPending(_ context.Context, r *custody.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := custody.Scope(r.Reference)
	if p, ok := m.pending[scope]; ok && p.Reference != r.Reference {
		return fmt.Errorf("%w: %s", custody.ErrTransferPending, p.Reference)
	}
	m.pending[scope] = cloneReceipt(r)
	return nil
}

func (m *MemoryStore) ClearPending(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := custody.Scope(reference)
	if p, ok := m.pending[scope]; ok && p.Reference == reference {
		delete(m.pending, scope)
	}
	return nil
}

func cloneReceipt(r *custody.Receipt) *custody.Receipt {
	cp := *r
	cp.Amount = amount.Clone(r.Amount)
	return &cp
}

func (m *MemoryStore) Events(_ context.Context, afterSeq int64, limit int) ([]*eventlog.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	var result []*eventlog.Event
	// Seq n lives at index n-1.
	for i := int(afterSeq); i < len(m.events); i++ {
		result = append(result, m.events[i].Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) EventsForEscrow(_ context.Context, id uint64) ([]*eventlog.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*eventlog.Event
	for _, ev := range m.events {
		if ev.EscrowID == id {
			result = append(result, ev.Clone())
		}
	}
	return result, nil
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ custody.Book    = (*MemoryStore)(nil)
	_ eventlog.Reader = (*MemoryStore)(nil)
)
