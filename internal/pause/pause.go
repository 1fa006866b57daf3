// Package pause implements the process-wide emergency stop.
//
// While paused every mutating entry point fails with ErrPaused before any role
// check runs. Reads stay available. The flag is persisted so a restart does
// not silently resume operations.
package pause

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kustodia/escrowd/internal/access"
)

var (
	ErrPaused    = errors.New("pause: operations are paused")
	ErrNotPaused = errors.New("pause: operations are not paused")
)

// State is the persisted form of the switch.
type State struct {
	Paused    bool      `json:"paused"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists the switch state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// Authorizer decides whether a caller may perform an action.
type Authorizer interface {
	Require(ctx context.Context, caller string, action access.Action) error
}

// Switch is the PauseSwitch. Paused() is lock-free; Pause and Unpause are
// serialized so the persisted state and the in-memory flag never disagree.
type Switch struct {
	store  Store
	authz  Authorizer
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	paused atomic.Bool
	state  State
}

// New loads the persisted state and returns a ready switch.
func New(ctx context.Context, store Store, authz Authorizer, logger *slog.Logger) (*Switch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Switch{store: store, authz: authz, logger: logger, now: time.Now}
	st, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pause state: %w", err)
	}
	if st != nil {
		s.state = *st
		s.paused.Store(st.Paused)
	}
	pausedGauge.Set(boolGauge(s.state.Paused))
	if s.state.Paused {
		logger.Warn("starting in paused state", "pausedBy", s.state.UpdatedBy, "since", s.state.UpdatedAt)
	}
	return s, nil
}

// Paused reports whether mutations are currently blocked.
func (s *Switch) Paused() bool {
	return s.paused.Load()
}

// Check returns ErrPaused while the switch is engaged.
func (s *Switch) Check() error {
	if s.paused.Load() {
		return ErrPaused
	}
	return nil
}

// State returns a snapshot of the current state.
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pause blocks all mutating entry points.
func (s *Switch) Pause(ctx context.Context, caller string) error {
	return s.set(ctx, caller, access.ActionPause, true)
}

// Unpause resumes normal operation.
func (s *Switch) Unpause(ctx context.Context, caller string) error {
	return s.set(ctx, caller, access.ActionUnpause, false)
}

func (s *Switch) set(ctx context.Context, caller string, action access.Action, paused bool) error {
	if err := s.authz.Require(ctx, caller, action); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Paused == paused {
		if paused {
			return ErrPaused
		}
		return ErrNotPaused
	}

	next := State{Paused: paused, UpdatedBy: caller, UpdatedAt: s.now().UTC()}
	if err := s.store.Save(ctx, &next); err != nil {
		return fmt.Errorf("persist pause state: %w", err)
	}
	s.state = next
	s.paused.Store(paused)
	pausedGauge.Set(boolGauge(paused))

	if paused {
		s.logger.Warn("operations paused", "by", caller)
	} else {
		s.logger.Info("operations resumed", "by", caller)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
