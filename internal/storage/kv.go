package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KV is the flat key-value area for small singletons: the conversation
// identifier list, credentials, counters and flags. It is independent of
// the object stores and never goes through the record codec.
type KV struct {
	eng *Engine
}

// NewKV returns the key-value accessor backed by the engine's connection.
func NewKV(e *Engine) *KV {
	return &KV{eng: e}
}

// Put stores the JSON encoding of v under key, replacing any prior value.
func (k *KV) Put(ctx context.Context, key string, v any) error {
	if key == "" {
		return invalidCall("empty kv key")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %q: %w", key, err)
	}
	db, err := k.eng.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

// Get decodes the value under key into out. Returns false when the key is
// absent, which is not an error.
func (k *KV) Get(ctx context.Context, key string, out any) (bool, error) {
	db, err := k.eng.conn(ctx)
	if err != nil {
		return false, err
	}
	var raw string
	err = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("kv decode %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the key. Deleting an absent key is a no-op.
func (k *KV) Delete(ctx context.Context, key string) error {
	db, err := k.eng.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}
