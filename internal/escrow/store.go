package escrow

import (
	"context"
	"math/big"

	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/eventlog"
)

// EventFunc builds the Created event once the store has assigned an id.
type EventFunc func(rec *Record) (*eventlog.Event, error)

// Transition is one atomic unit of change. From is the status the record must
// still have; Receipt is nil for transitions that move no funds.
type Transition struct {
	From    Status
	Record  *Record
	Receipt *custody.Receipt
	Event   *eventlog.Event
}

// CustodySnapshot pairs the custody book with the escrow amounts it must
// cover, read together.
type CustodySnapshot struct {
	Balances map[string]*big.Int
	Active   map[string]*big.Int
}

// Store is the escrow ledger. It owns records, the per-asset custody book,
// custody receipts and the event log so a transition can commit all four
// atomically.
type Store interface {
	// Create assigns the next id, persists rec as pending and appends the
	// event returned by mkEvent, all or nothing.
	Create(ctx context.Context, rec *Record, mkEvent EventFunc) (*Record, *eventlog.Event, error)
	Get(ctx context.Context, id uint64) (*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	// NextID returns the id the next Create will assign.
	NextID(ctx context.Context) (uint64, error)
	// Commit applies t atomically and returns the sequenced event. It fails
	// with ErrConcurrentTransition if the record is no longer in t.From.
	Commit(ctx context.Context, t *Transition) (*eventlog.Event, error)

	CustodyBalance(ctx context.Context, asset string) (*big.Int, error)
	CustodyBalances(ctx context.Context) (map[string]*big.Int, error)
	HasReceipt(ctx context.Context, reference string) (bool, error)
	// ActiveTotals sums the amounts of funded and disputed records per asset.
	ActiveTotals(ctx context.Context) (map[string]*big.Int, error)
	// CustodySnapshot returns custody balances and active totals as of one
	// point in time.
	CustodySnapshot(ctx context.Context) (*CustodySnapshot, error)

	// Pending transfers: broadcast but unconfirmed, one per escrow. Commit
	// clears the entry whose reference it books.
	PendingTransfer(ctx context.Context, scope string) (*custody.Receipt, error)
	RecordPending(ctx context.Context, r *custody.Receipt) error
	ClearPending(ctx context.Context, reference string) error

	Events(ctx context.Context, afterSeq int64, limit int) ([]*eventlog.Event, error)
	EventsForEscrow(ctx context.Context, id uint64) ([]*eventlog.Event, error)
}
