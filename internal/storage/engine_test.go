package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(filepath.Join(t.TempDir(), "test.db"), nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func msgRecord(convID string, ts int64, commID string) *Record {
	fields := map[string]any{
		FieldConversationID: convID,
		FieldTimestamp:      ts,
	}
	if commID != "" {
		fields[FieldCommID] = commID
	}
	return &Record{Fields: fields, Body: []byte(`{}`)}
}

func TestOpenCreatesAndMigrates(t *testing.T) {
	e := testEngine(t)
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Second open is a no-op.
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
}

func TestConcurrentOpenSingleAttempt(t *testing.T) {
	e := testEngine(t)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Open(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("concurrent Open() %d error = %v", i, err)
		}
	}
}

func TestSaveAssignsSequence(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	rec := msgRecord("111", 10, "c1")
	last, err := e.Save(ctx, StoreMessages, []*Record{rec}, WriteOptions{})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if rec.Seq == 0 {
		t.Error("Save() did not assign a sequence")
	}
	if last != rec.Seq {
		t.Errorf("Save() last = %v, want %v", last, rec.Seq)
	}

	// Saving again with the seq set updates in place.
	rec.Body = []byte(`{"updated":true}`)
	if _, err := e.Save(ctx, StoreMessages, []*Record{rec}, WriteOptions{}); err != nil {
		t.Fatalf("update Save() error = %v", err)
	}
	recs, err := e.ReadAll(ctx, StoreMessages, Query{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if string(recs[0].Body) != `{"updated":true}` {
		t.Errorf("body = %s, want updated body", recs[0].Body)
	}
}

func TestSaveAllOrNothing(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Save(ctx, StoreMessages, []*Record{msgRecord("111", 1, "dup")}, WriteOptions{}); err != nil {
		t.Fatalf("seed Save() error = %v", err)
	}

	// Second record violates the unique comm_id index; the whole batch
	// must be discarded.
	batch := []*Record{
		msgRecord("111", 2, "fresh"),
		msgRecord("111", 3, "dup"),
	}
	_, err := e.Save(ctx, StoreMessages, batch, WriteOptions{})
	if err == nil {
		t.Fatal("Save() with duplicate comm_id should fail")
	}
	var txe *TxError
	if !errors.As(err, &txe) {
		t.Errorf("expected TxError, got %T: %v", err, err)
	}

	recs, err := e.ReadAll(ctx, StoreMessages, Query{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records after failed batch, want 1", len(recs))
	}
}

func TestSaveContinueOnError(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Save(ctx, StoreMessages, []*Record{msgRecord("111", 1, "dup")}, WriteOptions{}); err != nil {
		t.Fatalf("seed Save() error = %v", err)
	}

	batch := []*Record{
		msgRecord("111", 2, "a"),
		msgRecord("111", 3, "dup"),
		msgRecord("111", 4, "b"),
	}
	_, err := e.Save(ctx, StoreMessages, batch, WriteOptions{ContinueOnError: true})
	if err == nil {
		t.Fatal("Save() should still report the failed record")
	}

	recs, rerr := e.ReadAll(ctx, StoreMessages, Query{})
	if rerr != nil {
		t.Fatalf("ReadAll() error = %v", rerr)
	}
	if len(recs) != 3 {
		t.Errorf("got %d records, want 3 (survivors kept)", len(recs))
	}
}

func TestSaveEmptyIsNoop(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Save(context.Background(), StoreMessages, nil, WriteOptions{}); err != nil {
		t.Errorf("empty Save() error = %v", err)
	}
}

func TestSaveValidation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Save(ctx, "nope", []*Record{msgRecord("1", 1, "")}, WriteOptions{}); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("unknown store error = %v, want ErrInvalidCall", err)
	}
	if _, err := e.Save(ctx, StoreMessages, []*Record{nil}, WriteOptions{}); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("nil record error = %v, want ErrInvalidCall", err)
	}
	if _, err := e.Save(ctx, StoreContacts, []*Record{{Body: []byte(`{}`)}}, WriteOptions{}); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("missing natural key error = %v, want ErrInvalidCall", err)
	}
}

func TestNaturalKeyUpsert(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	rec := &Record{
		Key:    "5511999999999",
		Fields: map[string]any{FieldDisplayName: "Alice"},
		Body:   []byte(`{"displayName":"Alice"}`),
	}
	if _, err := e.Save(ctx, StoreContacts, []*Record{rec}, WriteOptions{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rec.Fields[FieldDisplayName] = "Alice B"
	rec.Body = []byte(`{"displayName":"Alice B"}`)
	if _, err := e.Save(ctx, StoreContacts, []*Record{rec}, WriteOptions{}); err != nil {
		t.Fatalf("upsert Save() error = %v", err)
	}

	recs, err := e.ReadAll(ctx, StoreContacts, Query{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d contacts, want 1", len(recs))
	}
	if recs[0].Key != "5511999999999" {
		t.Errorf("key = %q", recs[0].Key)
	}
	if recs[0].Fields[FieldDisplayName] != "Alice B" {
		t.Errorf("display_name = %v, want Alice B", recs[0].Fields[FieldDisplayName])
	}
}

func TestRemove(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	recs := []*Record{
		msgRecord("111", 1, "c1"),
		msgRecord("111", 2, "c2"),
	}
	if _, err := e.Save(ctx, StoreMessages, recs, WriteOptions{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := e.Remove(ctx, StoreMessages, []any{recs[0].Seq}, WriteOptions{}); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	got, err := e.ReadAll(ctx, StoreMessages, Query{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 1 || got[0].Seq != recs[1].Seq {
		t.Errorf("unexpected survivors: %+v", got)
	}
}

func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	e := testEngine(t)
	if err := e.Remove(context.Background(), StoreMessages, []any{int64(9999)}, WriteOptions{}); err != nil {
		t.Errorf("Remove() absent key error = %v", err)
	}
}

func TestCloseAndReopen(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Save(ctx, StoreMessages, []*Record{msgRecord("111", 1, "c1")}, WriteOptions{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs, err := e.ReadAll(ctx, StoreMessages, Query{})
	if err != nil {
		t.Fatalf("ReadAll() after reopen error = %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records after reopen, want 1", len(recs))
	}
}

func TestDestroy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	e := New(path, nil)

	if _, err := e.Save(context.Background(), StoreMessages, []*Record{msgRecord("111", 1, "c1")}, WriteOptions{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := e.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("database file still exists after Destroy()")
	}

	// The engine is reusable; the next call recreates the store empty.
	recs, err := e.ReadAll(context.Background(), StoreMessages, Query{})
	if err != nil {
		t.Fatalf("ReadAll() after destroy error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records in recreated store, want 0", len(recs))
	}
	_ = e.Close()
}

func TestSaveManyOrdering(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	var batch []*Record
	for i := 0; i < 20; i++ {
		batch = append(batch, msgRecord("111", int64(i), fmt.Sprintf("c%d", i)))
	}
	if _, err := e.Save(ctx, StoreMessages, batch, WriteOptions{}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	recs, err := e.ReadAll(ctx, StoreMessages, Query{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("got %d records, want 20", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("sequence not monotonic at %d: %d <= %d", i, recs[i].Seq, recs[i-1].Seq)
		}
	}
}
