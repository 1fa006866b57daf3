// Package eventlog defines the append-only record of committed escrow
// transitions.
//
// Events are written by the escrow store in the same atomic unit as the
// transition they describe, so an event exists if and only if its transition
// committed. After commit, a Fanout hands each event to external observers
// (realtime dashboard stream, bridge webhooks). Observers can always rebuild
// state from the log; they never need to read the ledger.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Type identifies a committed transition.
type Type string

const (
	TypeCreated          Type = "Created"
	TypeFunded           Type = "Funded"
	TypeReleased         Type = "Released"
	TypeDisputed         Type = "Disputed"
	TypeDisputeResolved  Type = "DisputeResolved"
	TypeDisputeDismissed Type = "DisputeDismissed"
	TypeCancelled        Type = "Cancelled"
)

// Types lists every event type in lifecycle order.
var Types = []Type{
	TypeCreated, TypeFunded, TypeReleased, TypeDisputed,
	TypeDisputeResolved, TypeDisputeDismissed, TypeCancelled,
}

// Event is one immutable log entry. Seq is assigned by the store on append
// and is strictly increasing across the whole log.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	EscrowID  uint64          `json:"escrowId"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an unsequenced event with payload marshalled from v.
func New(typ Type, escrowID uint64, actor string, at time.Time, v any) (*Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      typ,
		EscrowID:  escrowID,
		Actor:     actor,
		Timestamp: at.UTC(),
		Payload:   payload,
	}, nil
}

// Clone returns a deep copy so stored events cannot be mutated by readers.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(json.RawMessage, len(e.Payload))
		copy(cp.Payload, e.Payload)
	}
	return &cp
}

// Reader pages through the committed log.
type Reader interface {
	Events(ctx context.Context, afterSeq int64, limit int) ([]*Event, error)
	EventsForEscrow(ctx context.Context, escrowID uint64) ([]*Event, error)
}

// Sink receives events after they are committed.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) Publish(ctx context.Context, event *Event) error { return f(ctx, event) }

// Fanout delivers committed events to every registered sink. A failing sink
// is logged and skipped; it cannot undo or block the committed transition.
type Fanout struct {
	sinks  []namedSink
	logger *slog.Logger
}

type namedSink struct {
	name string
	sink Sink
}

// NewFanout creates an empty fan-out.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger}
}

// Add registers a sink under a name used in logs.
func (f *Fanout) Add(name string, sink Sink) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	return f
}

// Publish implements Sink.
func (f *Fanout) Publish(ctx context.Context, event *Event) error {
	for _, s := range f.sinks {
		if err := s.sink.Publish(ctx, event.Clone()); err != nil {
			f.logger.Warn("event sink failed",
				"sink", s.name,
				"seq", event.Seq,
				"type", event.Type,
				"escrowId", event.EscrowID,
				"error", err,
			)
		}
	}
	return nil
}
