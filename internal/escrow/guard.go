package escrow

import (
	"context"
	"sync"
)

// recordGuard admits at most one in-flight transition per escrow id. Waiters
// block until the holder finishes or their context ends. A call made from
// inside a transition on the same id (for example a transfer backend calling
// back into the service) fails fast instead of deadlocking.
type recordGuard struct {
	busy sync.Map // uint64 -> chan struct{}, closed on release
}

type heldKey struct{}

// heldSet is the chain of ids held by the current call path.
type heldSet struct {
	id     uint64
	parent *heldSet
}

func (h *heldSet) contains(id uint64) bool {
	for ; h != nil; h = h.parent {
		if h.id == id {
			return true
		}
	}
	return false
}

func (g *recordGuard) acquire(ctx context.Context, id uint64) (context.Context, func(), error) {
	held, _ := ctx.Value(heldKey{}).(*heldSet)
	if held.contains(id) {
		return ctx, nil, ErrTransitionInFlight
	}

	mine := make(chan struct{})
	for {
		other, loaded := g.busy.LoadOrStore(id, mine)
		if !loaded {
			break
		}
		select {
		case <-other.(chan struct{}):
		case <-ctx.Done():
			return ctx, nil, ctx.Err()
		}
	}

	release := func() {
		g.busy.Delete(id)
		close(mine)
	}
	return context.WithValue(ctx, heldKey{}, &heldSet{id: id, parent: held}), release, nil
}
