package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kustodia/escrowd/internal/access"
	"github.com/kustodia/escrowd/internal/amount"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/eventlog"
	"github.com/kustodia/escrowd/internal/traces"
	"github.com/kustodia/escrowd/internal/validation"
)

// Authorizer decides whether a caller holds a role for an action.
type Authorizer interface {
	Authorize(ctx context.Context, caller string, action access.Action) (access.Decision, error)
}

// PauseChecker reports ErrPaused while the engine is paused.
type PauseChecker interface {
	Check() error
}

// EventPayload is the body of every escrow event: the full post-transition
// record plus the operation's own fields.
type EventPayload struct {
	Record     *Record `json:"record"`
	Reason     string  `json:"reason,omitempty"`
	FavorPayee *bool   `json:"favorPayee,omitempty"`
	Recipient  string  `json:"recipient,omitempty"`
	TxHash     string  `json:"txHash,omitempty"`
	CustodyRef string  `json:"custodyReference,omitempty"`
}

// Service is the lifecycle state machine.
type Service struct {
	store    Store
	custody  *custody.Adapter
	authz    Authorizer
	pause    PauseChecker
	sink     eventlog.Sink
	logger   *slog.Logger
	now      func() time.Time
	fallback string
	locks    recordGuard
}

// NewService creates an escrow service. The custody adapter must book against
// the same store.
func NewService(store Store, adapter *custody.Adapter, authz Authorizer, pause PauseChecker) *Service {
	return &Service{
		store:   store,
		custody: adapter,
		authz:   authz,
		pause:   pause,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the wall clock used for deadlines and timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithSink registers the observer that receives committed events.
func (s *Service) WithSink(sink eventlog.Sink) *Service {
	s.sink = sink
	return s
}

// WithDisputeFallback routes rulings for the payer to addr instead.
func (s *Service) WithDisputeFallback(addr string) *Service {
	if addr != "" {
		s.fallback = common.HexToAddress(addr).Hex()
	}
	return s
}

// Create validates req, assigns the next id and stores a pending record.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.Actor(caller))
	done := observeOp("create")
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if err := s.pause.Check(); err != nil {
		return nil, err
	}
	actor, err := s.require(ctx, caller, access.ActionCreate)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	draft, err := s.validateCreate(req, now)
	if err != nil {
		return nil, err
	}

	rec, ev, err := s.store.Create(ctx, draft, func(r *Record) (*eventlog.Event, error) {
		return eventlog.New(eventlog.TypeCreated, r.ID, actor, now, EventPayload{Record: r})
	})
	if err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	s.logger.Info("escrow created",
		"escrowId", rec.ID, "actor", actor, "payer", rec.Payer, "payee", rec.Payee,
		"asset", rec.Asset, "amount", amount.Format(rec.Amount))
	s.publish(ctx, ev)
	return rec, nil
}

func (s *Service) validateCreate(req CreateRequest, now time.Time) (*Record, error) {
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	payer, err := normalizeParty(req.Payer)
	if err != nil {
		return nil, fmt.Errorf("%w: payer", err)
	}
	payee, err := normalizeParty(req.Payee)
	if err != nil {
		return nil, fmt.Errorf("%w: payee", err)
	}
	if payer == payee {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrInvalidAddress)
	}
	asset, err := custody.NormalizeAsset(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if !req.Deadline.After(now) {
		return nil, ErrInvalidDeadline
	}
	if errs := validation.Validate(
		validation.MaxLength("vertical", req.Vertical, validation.MaxMetadataLength),
		validation.MaxLength("reference", req.Reference, validation.MaxMetadataLength),
		validation.MaxLength("conditions", req.Conditions, validation.MaxMetadataLength),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMetadata, errs)
	}

	return &Record{
		Payer:         payer,
		Payee:         payee,
		Asset:         asset,
		Amount:        amt,
		Deadline:      req.Deadline.UTC(),
		Vertical:      req.Vertical,
		Reference:     req.Reference,
		Conditions:    req.Conditions,
		Status:        StatusPending,
		DisputeStatus: DisputeNone,
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: CurrentSchemaVersion,
	}, nil
}

func normalizeParty(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", ErrInvalidAddress
	}
	return a.Hex(), nil
}

// Fund pulls the record's amount from the bridge operator into custody.
func (s *Service) Fund(ctx context.Context, caller string, id uint64) (*Record, error) {
	return s.run(ctx, caller, id, step{
		action: access.ActionFund,
		event:  eventlog.TypeFunded,
		check:  checkFund,
		apply: func(r *Record, _ time.Time) {
			r.Status = StatusFunded
		},
		move: func(ctx context.Context, actor string, r *Record) (*custody.Receipt, error) {
			return s.custody.Deposit(ctx, actor, r.Asset, r.Amount, custody.Reference(r.ID, "fund"))
		},
	})
}

// Release pays the full amount to the payee.
func (s *Service) Release(ctx context.Context, caller string, id uint64) (*Record, error) {
	return s.run(ctx, caller, id, step{
		action: access.ActionRelease,
		event:  eventlog.TypeReleased,
		check:  checkRelease,
		apply: func(r *Record, _ time.Time) {
			r.Status = StatusReleased
		},
		move: func(ctx context.Context, _ string, r *Record) (*custody.Receipt, error) {
			return s.custody.Payout(ctx, r.Payee, r.Asset, r.Amount, custody.Reference(r.ID, "release"))
		},
	})
}

// Dispute opens a dispute on a funded record before its deadline. The payer,
// the payee or a bridge operator may open it.
func (s *Service) Dispute(ctx context.Context, caller string, id uint64, reason string) (*Record, error) {
	reason = strings.TrimSpace(reason)
	return s.run(ctx, caller, id, step{
		action: access.ActionDispute,
		event:  eventlog.TypeDisputed,
		check: func(r *Record, now time.Time) error {
			if len(reason) > validation.MaxMetadataLength {
				return fmt.Errorf("%w: reason", ErrInvalidMetadata)
			}
			return checkOpenDispute(r, now)
		},
		apply: func(r *Record, _ time.Time) {
			r.Status = StatusDisputed
			r.DisputeStatus = DisputeOpen
			r.DisputeReason = reason
			r.DisputeCount++
		},
		annotate: func(p *EventPayload) {
			p.Reason = reason
		},
	})
}

// ResolveDispute ends an open dispute with a full payout to one side.
func (s *Service) ResolveDispute(ctx context.Context, caller string, id uint64, favorPayee bool) (*Record, error) {
	status, disputeStatus := resolution(favorPayee)
	return s.run(ctx, caller, id, step{
		action: access.ActionResolve,
		event:  eventlog.TypeDisputeResolved,
		check:  checkOpenDisputeExists,
		apply: func(r *Record, _ time.Time) {
			r.Status = status
			r.DisputeStatus = disputeStatus
		},
		move: func(ctx context.Context, _ string, r *Record) (*custody.Receipt, error) {
			to := resolutionRecipient(r, favorPayee, s.fallback)
			return s.custody.Payout(ctx, to, r.Asset, r.Amount, custody.Reference(r.ID, "resolve"))
		},
		annotate: func(p *EventPayload) {
			p.FavorPayee = &favorPayee
		},
	})
}

// DismissDispute returns a disputed record to funded without moving funds.
func (s *Service) DismissDispute(ctx context.Context, caller string, id uint64) (*Record, error) {
	return s.run(ctx, caller, id, step{
		action: access.ActionDismiss,
		event:  eventlog.TypeDisputeDismissed,
		check:  checkOpenDisputeExists,
		apply: func(r *Record, _ time.Time) {
			r.Status = StatusFunded
			r.DisputeStatus = DisputeDismissed
		},
	})
}

// Cancel ends a pending record. Nothing was deposited, so nothing moves.
func (s *Service) Cancel(ctx context.Context, caller string, id uint64) (*Record, error) {
	return s.run(ctx, caller, id, step{
		action:  access.ActionCancel,
		event:   eventlog.TypeCancelled,
		check:   checkCancel,
		settled: true,
		apply: func(r *Record, _ time.Time) {
			r.Status = StatusCancelled
		},
	})
}

// Get returns a snapshot of one record.
func (s *Service) Get(ctx context.Context, id uint64) (*Record, error) {
	return s.store.Get(ctx, id)
}

// NextID returns the id the next Create will assign.
func (s *Service) NextID(ctx context.Context) (uint64, error) {
	return s.store.NextID(ctx)
}

// ListByStatus returns records in status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// step describes one transition for run.
type step struct {
	action   access.Action
	event    eventlog.Type
	check    func(*Record, time.Time) error
	apply    func(*Record, time.Time)
	move     func(ctx context.Context, actor string, r *Record) (*custody.Receipt, error)
	annotate func(*EventPayload)
	// settled refuses the step while a transfer for the record is unconfirmed.
	settled bool
}

// run executes a transition: pause gate, role gate, per-record guard,
// precondition check, at most one custody transfer, then one atomic commit.
func (s *Service) run(ctx context.Context, caller string, id uint64, st step) (rec *Record, err error) {
	op := string(st.action)
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.EscrowID(id), traces.Actor(caller))
	done := observeOp(op)
	defer func() {
		done(err)
		traces.End(span, err)
	}()

	if err := s.pause.Check(); err != nil {
		return nil, err
	}
	actor, err := s.authorize(ctx, caller, id, st.action)
	if err != nil {
		return nil, err
	}

	ctx, release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := st.check(cur, now); err != nil {
		return nil, fmt.Errorf("%s escrow %d (%s): %w", op, id, cur.Status, err)
	}
	if st.settled {
		p, err := s.store.PendingTransfer(ctx, custody.Scope(custody.Reference(id, op)))
		if err != nil {
			return nil, fmt.Errorf("check pending transfer: %w", err)
		}
		if p != nil {
			return nil, fmt.Errorf("%s escrow %d: %w: %s (tx %s)", op, id, ErrTransferPending, p.Reference, p.TxHash)
		}
	}

	next := cur.Clone()
	st.apply(next, now)
	next.UpdatedAt = now
	next.SchemaVersion = CurrentSchemaVersion

	var receipt *custody.Receipt
	if st.move != nil {
		receipt, err = st.move(ctx, actor, cur)
		if err != nil {
			if errors.Is(err, ErrTransferPending) {
				s.logger.Warn("custody transfer awaiting confirmation",
					"escrowId", id, "op", op, "error", err)
				return nil, err
			}
			if !errors.Is(err, ErrCustodyTransferFailed) {
				err = fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
			}
			return nil, err
		}
	}

	payload := EventPayload{Record: next}
	if receipt != nil {
		payload.TxHash = receipt.TxHash
		payload.CustodyRef = receipt.Reference
		if receipt.Direction == custody.DirectionOut {
			payload.Recipient = receipt.Counterparty
		}
	}
	if st.annotate != nil {
		st.annotate(&payload)
	}
	ev, err := eventlog.New(st.event, id, actor, now, payload)
	if err != nil {
		s.compensate(ctx, next, receipt, err)
		return nil, fmt.Errorf("build %s event: %w", st.event, err)
	}

	committed, err := s.store.Commit(ctx, &Transition{
		From:    cur.Status,
		Record:  next,
		Receipt: receipt,
		Event:   ev,
	})
	if err != nil {
		s.compensate(ctx, next, receipt, err)
		return nil, fmt.Errorf("commit %s: %w", op, err)
	}

	s.logger.Info("escrow transition",
		"escrowId", id, "op", op, "actor", actor,
		"from", cur.Status, "status", next.Status, "disputeStatus", next.DisputeStatus)
	s.publish(ctx, committed)
	return next, nil
}

// Admit runs the pause and role gates for action without changing anything.
// Handlers use it to decide whether a caller may learn that a request body is
// malformed.
func (s *Service) Admit(ctx context.Context, caller string, id uint64, action access.Action) error {
	if err := s.pause.Check(); err != nil {
		return err
	}
	_, err := s.authorize(ctx, caller, id, action)
	return err
}

// require runs the role gate and returns the caller's canonical identity.
func (s *Service) require(ctx context.Context, caller string, action access.Action) (string, error) {
	d, err := s.authz.Authorize(ctx, caller, action)
	if err != nil {
		return "", err
	}
	if err := d.Err(); err != nil {
		return "", err
	}
	return access.NormalizeIdentity(caller)
}

// authorize is require plus the party rule for disputes.
func (s *Service) authorize(ctx context.Context, caller string, id uint64, action access.Action) (string, error) {
	actor, err := s.require(ctx, caller, action)
	if err == nil || action != access.ActionDispute || !errors.Is(err, ErrUnauthorized) {
		return actor, err
	}

	identity, nerr := access.NormalizeIdentity(caller)
	if nerr != nil {
		return "", err
	}
	rec, gerr := s.store.Get(ctx, id)
	if gerr != nil || !rec.IsParty(identity) {
		return "", err
	}
	return identity, nil
}

// compensate handles a commit that failed after value already moved. A
// deposit is sent back; a payout cannot be recalled and needs an operator.
func (s *Service) compensate(ctx context.Context, rec *Record, receipt *custody.Receipt, cause error) {
	if receipt == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if receipt.Direction == custody.DirectionIn {
		if err := s.custody.Reverse(ctx, receipt); err != nil {
			CompensationsTotal.WithLabelValues(string(receipt.Direction), "failed").Inc()
			s.logger.Error("CRITICAL: deposit moved but not booked and reversal failed",
				"escrowId", rec.ID, "reference", receipt.Reference, "txHash", receipt.TxHash,
				"amount", amount.Format(receipt.Amount), "asset", receipt.Asset,
				"commitError", cause, "error", err)
			return
		}
		CompensationsTotal.WithLabelValues(string(receipt.Direction), "reversed").Inc()
		s.logger.Warn("deposit reversed after failed commit",
			"escrowId", rec.ID, "reference", receipt.Reference, "error", cause)
		return
	}

	CompensationsTotal.WithLabelValues(string(receipt.Direction), "manual").Inc()
	s.logger.Error("CRITICAL: payout sent but transition not committed, requires manual resolution",
		"escrowId", rec.ID, "status", rec.Status, "recipient", receipt.Counterparty,
		"reference", receipt.Reference, "txHash", receipt.TxHash,
		"amount", amount.Format(receipt.Amount), "asset", receipt.Asset, "error", cause)
}

func (s *Service) publish(ctx context.Context, ev *eventlog.Event) {
	if s.sink == nil || ev == nil {
		return
	}
	if err := s.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("event publish failed", "seq", ev.Seq, "type", ev.Type, "error", err)
	}
}

// Events pages through the global event log.
func (s *Service) Events(ctx context.Context, afterSeq int64, limit int) ([]*eventlog.Event, error) {
	return s.store.Events(ctx, afterSeq, limit)
}

// EventsForEscrow returns the full history of one record.
func (s *Service) EventsForEscrow(ctx context.Context, id uint64) ([]*eventlog.Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.EventsForEscrow(ctx, id)
}

// AssetCustody reports one asset's custody balance next to the total of its
// funded and disputed records. The two must always match.
type AssetCustody struct {
	Asset    string `json:"asset"`
	Balance  string `json:"balance"`
	Active   string `json:"active"`
	Balanced bool   `json:"balanced"`
}

// Custody returns per-asset custody figures sorted by asset.
func (s *Service) Custody(ctx context.Context) ([]AssetCustody, error) {
	snap, err := s.store.CustodySnapshot(ctx)
	if err != nil {
		return nil, err
	}
	balances, active := snap.Balances, snap.Active
	seen := make(map[string]bool)
	var out []AssetCustody
	add := func(asset string) {
		if seen[asset] {
			return
		}
		seen[asset] = true
		b, a := amount.Sum(balances[asset]), amount.Sum(active[asset])
		out = append(out, AssetCustody{
			Asset:    asset,
			Balance:  amount.Format(b),
			Active:   amount.Format(a),
			Balanced: b.Cmp(a) == 0,
		})
	}
	for asset := range balances {
		add(asset)
	}
	for asset := range active {
		add(asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}
