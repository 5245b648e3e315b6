package retention

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vpires/chatstore/internal/bus"
	"github.com/vpires/chatstore/internal/directory"
	"github.com/vpires/chatstore/internal/record"
	"github.com/vpires/chatstore/internal/storage"
)

type fixture struct {
	eng *storage.Engine
	dir *directory.Directory
	bus *bus.Bus
}

func newFixture(t *testing.T, capacity int) (*fixture, *Policy) {
	t.Helper()
	eng := storage.New(filepath.Join(t.TempDir(), "test.db"), nil)
	t.Cleanup(func() { _ = eng.Close() })
	kv := storage.NewKV(eng)
	b := bus.New()
	dir := directory.New(eng, kv, b, nil)
	if err := dir.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return &fixture{eng: eng, dir: dir, bus: b}, New(capacity, dir, eng, b, nil)
}

func (f *fixture) addMessage(t *testing.T, convID, commID string, ts int64) *record.Message {
	t.Helper()
	ctx := context.Background()
	c, _, err := f.dir.FindOrCreate(ctx, convID, nil)
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	m := &record.Message{CommID: commID, ConversationID: convID, Timestamp: ts}
	rec, err := record.EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.eng.Save(ctx, storage.StoreMessages, []*storage.Record{rec}, storage.WriteOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	m.Seq = rec.Seq
	c.Log.Insert(m)
	return m
}

func totalMessages(f *fixture) int {
	n := 0
	for _, c := range f.dir.Conversations() {
		n += c.Log.Len()
	}
	return n
}

func TestEnforceEvictsGlobalOldest(t *testing.T) {
	f, p := newFixture(t, 2)
	ctx := context.Background()

	evicted, unsub := f.bus.Subscribe(bus.KindMessageEvicted, 4)
	defer unsub()

	f.addMessage(t, "X", "x1", 10)
	f.addMessage(t, "Y", "y1", 5)
	if err := p.Enforce(ctx); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}
	if totalMessages(f) != 2 {
		t.Fatalf("eviction fired below capacity, total = %d", totalMessages(f))
	}

	// Third message lands in Y; the evicted one must be Y's t=5, the
	// globally oldest, even though X is untouched.
	f.addMessage(t, "Y", "y2", 20)
	if err := p.Enforce(ctx); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}

	if totalMessages(f) != 2 {
		t.Errorf("total = %d after eviction, want 2", totalMessages(f))
	}
	y := f.dir.Get("Y")
	if y.Log.FindByCommID("y1") != nil {
		t.Error("globally oldest message survived")
	}
	if y.Log.FindByCommID("y2") == nil {
		t.Error("newest message was evicted")
	}
	if f.dir.Get("X").Log.Len() != 1 {
		t.Error("message evicted from the wrong conversation")
	}

	select {
	case evt := <-evicted:
		payload, ok := evt.Payload.(Evicted)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if payload.ConversationID != "Y" || payload.Timestamp != 5 {
			t.Errorf("evicted payload = %+v", payload)
		}
	default:
		t.Error("no eviction event published")
	}

	// The eviction reached storage too.
	recs, err := f.eng.ReadAll(context.Background(), storage.StoreMessages, storage.Query{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("persisted %d messages, want 2", len(recs))
	}
}

func TestEnforceOnePerCall(t *testing.T) {
	f, p := newFixture(t, 2)

	// Overshoot by two; a single call drains a single message.
	f.addMessage(t, "X", "x1", 10)
	f.addMessage(t, "X", "x2", 20)
	f.addMessage(t, "X", "x3", 30)
	f.addMessage(t, "X", "x4", 40)

	if err := p.Enforce(context.Background()); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}
	if totalMessages(f) != 3 {
		t.Errorf("total = %d after one call, want 3", totalMessages(f))
	}
	if err := p.Enforce(context.Background()); err != nil {
		t.Fatalf("second Enforce() error = %v", err)
	}
	if totalMessages(f) != 2 {
		t.Errorf("total = %d after two calls, want 2", totalMessages(f))
	}
}

func TestEnforceDisabled(t *testing.T) {
	f, p := newFixture(t, 0)

	f.addMessage(t, "X", "x1", 10)
	f.addMessage(t, "X", "x2", 20)
	if err := p.Enforce(context.Background()); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}
	if totalMessages(f) != 2 {
		t.Errorf("disabled policy evicted, total = %d", totalMessages(f))
	}
}

func TestEnforceAtCapacityNoEviction(t *testing.T) {
	f, p := newFixture(t, 3)

	f.addMessage(t, "X", "x1", 10)
	f.addMessage(t, "X", "x2", 20)
	f.addMessage(t, "X", "x3", 30)
	if err := p.Enforce(context.Background()); err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}
	if totalMessages(f) != 3 {
		t.Errorf("eviction at exact capacity, total = %d", totalMessages(f))
	}
}
