package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNew_MarshalsPayload(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	ev, err := New(TypeFunded, 7, "0xbridge", at, map[string]string{"txHash": "0xabc"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ev.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", ev.Timestamp.Location())
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["txHash"] != "0xabc" {
		t.Errorf("expected txHash in payload, got %v", payload)
	}
}

func TestClone_DoesNotAliasPayload(t *testing.T) {
	ev := &Event{Seq: 1, Payload: json.RawMessage(`{"a":1}`)}
	cp := ev.Clone()
	cp.Payload[2] = 'b'
	if string(ev.Payload) != `{"a":1}` {
		t.Errorf("original payload mutated: %s", ev.Payload)
	}
}

func TestFanout_ContinuesPastFailingSink(t *testing.T) {
	var got []int64
	f := NewFanout(nil).
		Add("broken", SinkFunc(func(ctx context.Context, e *Event) error {
			return errors.New("down")
		})).
		Add("recorder", SinkFunc(func(ctx context.Context, e *Event) error {
			got = append(got, e.Seq)
			return nil
		}))

	for seq := int64(1); seq <= 3; seq++ {
		if err := f.Publish(context.Background(), &Event{Seq: seq, Type: TypeCreated}); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("expected in-order delivery of 3 events, got %v", got)
	}
}

func TestFanout_SinksReceiveCopies(t *testing.T) {
	f := NewFanout(nil).Add("mutator", SinkFunc(func(ctx context.Context, e *Event) error {
		e.Type = TypeCancelled
		return nil
	}))
	ev := &Event{Seq: 1, Type: TypeCreated}
	_ = f.Publish(context.Background(), ev)
	if ev.Type != TypeCreated {
		t.Errorf("sink mutated committed event: %s", ev.Type)
	}
}
