package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// connState is the connection's small state machine:
// Closed -> Opening -> Open, plus Failed.
type connState int

const (
	stateClosed connState = iota
	stateOpening
	stateOpen
	stateFailed
)

// Engine owns the single shared connection to the embedded database,
// migrates the schema on first open, and exposes transactional primitives
// over named stores. Callers never see raw connection state.
//
// Open is idempotent: concurrent callers while an open is in flight are
// queued FIFO and drained with the single open's outcome.
type Engine struct {
	path   string
	target uint
	logger *zap.Logger

	mu      sync.Mutex
	state   connState
	db      *sql.DB
	waiters []chan openResult
}

type openResult struct {
	db  *sql.DB
	err error
}

// New creates an engine for the database file at path. Nothing is opened
// until the first call that needs a connection.
func New(path string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{path: path, target: SchemaVersion, logger: logger}
}

// Open ensures the connection is open and the schema is migrated.
// Safe to call concurrently; only one underlying open attempt runs.
func (e *Engine) Open(ctx context.Context) error {
	_, err := e.conn(ctx)
	return err
}

// conn returns the shared connection, opening and migrating on first use.
// The first caller becomes the opener; everyone else waits in arrival
// order for that single attempt's outcome.
func (e *Engine) conn(ctx context.Context) (*sql.DB, error) {
	e.mu.Lock()
	switch e.state {
	case stateOpen:
		db := e.db
		e.mu.Unlock()
		return db, nil
	case stateOpening:
		ch := make(chan openResult, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		select {
		case r := <-ch:
			return r.db, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// Closed or Failed: this caller opens. A previous failure does not
	// poison the engine; the caller may retry after fixing the cause.
	e.state = stateOpening
	e.mu.Unlock()

	db, err := e.openAndMigrate()

	e.mu.Lock()
	if err != nil {
		e.state = stateFailed
		e.db = nil
	} else {
		e.state = stateOpen
		e.db = db
	}
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- openResult{db: db, err: err}
	}
	return db, err
}

func (e *Engine) openAndMigrate() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(e.path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStorage, err)
	}

	db, err := sql.Open("sqlite3", e.path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStorage, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, mapOpenErr(err)
	}

	result, err := Migrate(db, e.target)
	if err != nil {
		_ = db.Close()
		return nil, mapOpenErr(err)
	}
	if result.Changed {
		e.logger.Info("schema migrated", zap.Uint("version", result.Version))
	} else {
		e.logger.Debug("schema up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

// mapOpenErr translates low-level sqlite failures into the engine taxonomy.
func mapOpenErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrBlocked, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrPerm:
			return fmt.Errorf("%w: %v", ErrNoStorage, err)
		}
	}
	return err
}

// TxMode selects the transaction mode for Begin.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

// Begin acquires the connection (opening if needed) and starts a
// transaction scoped to the given stores. Unknown store names are rejected
// before any I/O.
func (e *Engine) Begin(ctx context.Context, mode TxMode, stores ...string) (*sql.Tx, error) {
	if len(stores) == 0 {
		return nil, invalidCall("no stores given")
	}
	for _, s := range stores {
		if _, err := storeDef(s); err != nil {
			return nil, err
		}
	}
	db, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}
	return db.BeginTx(ctx, &sql.TxOptions{ReadOnly: mode == ReadOnly})
}

// WriteOptions tunes Save and Remove failure semantics.
type WriteOptions struct {
	// ContinueOnError degrades all-or-nothing to best-effort: a single
	// failed record no longer aborts the transaction, and only the last
	// error encountered is reported.
	ContinueOnError bool
}

// Save writes one or more records to a store in a single transaction.
// Default semantics are all-or-nothing: any failure aborts and discards
// every write in the call. AutoKey records get their Seq filled in.
// Returns the key of the last record written. An empty slice is a no-op.
func (e *Engine) Save(ctx context.Context, store string, recs []*Record, opts WriteOptions) (last any, err error) {
	def, err := storeDef(store)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec == nil {
			return nil, invalidCall("nil record")
		}
		if def.Key == NaturalKey && rec.Key == "" {
			return nil, invalidCall("record for store %q has no key", store)
		}
	}
	if len(recs) == 0 {
		return nil, nil
	}

	tx, err := e.Begin(ctx, ReadWrite, store)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var lastErr error
	for _, rec := range recs {
		key, perr := putRecord(ctx, tx, def, rec)
		if perr != nil {
			if !opts.ContinueOnError {
				return nil, txErr("save", store, perr)
			}
			lastErr = perr
			continue
		}
		last = key
	}

	if err := tx.Commit(); err != nil {
		return nil, txErr("save", store, err)
	}
	return last, txErr("save", store, lastErr)
}

// putRecord upserts a single record: existing keys are replaced, new
// AutoKey records get a fresh sequence.
func putRecord(ctx context.Context, tx *sql.Tx, def StoreDef, rec *Record) (any, error) {
	cols := def.fieldColumns()
	vals := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		vals = append(vals, rec.Fields[c])
	}

	if def.Key == NaturalKey {
		var sets []string
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		sets = append(sets, "body = excluded.body")
		q := fmt.Sprintf(
			"INSERT INTO %s (%s, %s, body) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			def.Name, def.KeyField, strings.Join(cols, ", "),
			placeholders(len(cols)+2), def.KeyField, strings.Join(sets, ", "))
		args := append([]any{rec.Key}, append(vals, rec.Body)...)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return nil, err
		}
		return rec.Key, nil
	}

	if rec.Seq != 0 {
		var sets []string
		for _, c := range cols {
			sets = append(sets, c+" = ?")
		}
		sets = append(sets, "body = ?")
		q := fmt.Sprintf("UPDATE %s SET %s WHERE seq = ?", def.Name, strings.Join(sets, ", "))
		args := append(vals, rec.Body, rec.Seq)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return rec.Seq, nil
		}
		// Record carries a seq the store no longer has; reinsert it.
		q = fmt.Sprintf("INSERT INTO %s (seq, %s, body) VALUES (%s)",
			def.Name, strings.Join(cols, ", "), placeholders(len(cols)+2))
		if _, err := tx.ExecContext(ctx, q, append([]any{rec.Seq}, append(vals, rec.Body)...)...); err != nil {
			return nil, err
		}
		return rec.Seq, nil
	}

	q := fmt.Sprintf("INSERT INTO %s (%s, body) VALUES (%s)",
		def.Name, strings.Join(cols, ", "), placeholders(len(cols)+1))
	res, err := tx.ExecContext(ctx, q, append(vals, rec.Body)...)
	if err != nil {
		return nil, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	rec.Seq = seq
	return seq, nil
}

// Remove deletes records by key, with the same all-or-nothing vs.
// best-effort semantics as Save. Deleting an absent key is not an error.
// An empty key list is a no-op.
func (e *Engine) Remove(ctx context.Context, store string, keys []any, opts WriteOptions) error {
	def, err := storeDef(store)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == nil {
			return invalidCall("nil key")
		}
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := e.Begin(ctx, ReadWrite, store)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", def.Name, def.keyColumn())
	var lastErr error
	for _, k := range keys {
		if _, derr := tx.ExecContext(ctx, q, k); derr != nil {
			if !opts.ContinueOnError {
				return txErr("remove", store, derr)
			}
			lastErr = derr
		}
	}

	if err := tx.Commit(); err != nil {
		return txErr("remove", store, err)
	}
	return txErr("remove", store, lastErr)
}

// Close shuts the connection down. The engine can be reopened afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.db != nil {
		err = e.db.Close()
		e.db = nil
	}
	e.state = stateClosed
	return err
}

// Destroy closes the connection and deletes the entire backing store.
// Used only for full account reset.
func (e *Engine) Destroy() error {
	if err := e.Close(); err != nil {
		e.logger.Warn("close before destroy", zap.Error(err))
	}
	for _, p := range []string{e.path, e.path + "-wal", e.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("destroy %s: %w", p, err)
		}
	}
	e.logger.Info("backing store destroyed", zap.String("path", e.path))
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
