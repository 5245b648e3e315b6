// Package retention keeps the total stored message count bounded. The
// policy is global: when the count exceeds the capacity, the oldest
// message across every conversation is evicted, regardless of which
// conversation the newest message landed in.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/vpires/chatstore/internal/bus"
	"github.com/vpires/chatstore/internal/directory"
	"github.com/vpires/chatstore/internal/record"
	"github.com/vpires/chatstore/internal/storage"
	"go.uber.org/zap"
)

// Policy enforces the bounded-capacity invariant after each insertion.
type Policy struct {
	cap    int
	dir    *directory.Directory
	eng    *storage.Engine
	bus    *bus.Bus
	logger *zap.Logger
}

// Evicted is the payload published with each eviction event.
type Evicted struct {
	ConversationID string
	Seq            int64
	Timestamp      int64
}

// New creates a policy with the given capacity. Non-positive capacities
// disable enforcement.
func New(capacity int, dir *directory.Directory, eng *storage.Engine, b *bus.Bus, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{cap: capacity, dir: dir, eng: eng, bus: b, logger: logger}
}

// Capacity returns the configured message cap.
func (p *Policy) Capacity() int { return p.cap }

// Enforce evicts the globally oldest message if the total stored count
// exceeds the capacity. It runs once per insertion, so the count drains
// back to the capacity one message at a time. Ties on timestamp keep the
// first candidate found.
func (p *Policy) Enforce(ctx context.Context) error {
	if p.cap <= 0 {
		return nil
	}

	// Log heads are authoritative for the count; every persisted message
	// is hydrated into its log after the load barrier.
	select {
	case <-p.dir.Loaded():
	case <-ctx.Done():
		return ctx.Err()
	}

	total := 0
	var victim *record.Message
	var victimConv *directory.Conversation
	for _, c := range p.dir.Conversations() {
		total += c.Log.Len()
		oldest := c.Log.Oldest()
		if oldest == nil {
			continue
		}
		if victim == nil || oldest.Timestamp < victim.Timestamp {
			victim = oldest
			victimConv = c
		}
	}
	if total <= p.cap || victim == nil {
		return nil
	}

	victimConv.Log.Remove(victim)
	if victim.Seq != 0 {
		if err := p.eng.Remove(ctx, storage.StoreMessages, []any{victim.Seq}, storage.WriteOptions{}); err != nil {
			return fmt.Errorf("evict message seq %d: %w", victim.Seq, err)
		}
	}

	p.logger.Debug("message evicted",
		zap.String("conversation", victimConv.ID),
		zap.Int64("seq", victim.Seq),
		zap.Int64("timestamp", victim.Timestamp),
		zap.Int("total", total-1))
	if p.bus != nil {
		p.bus.Publish(bus.Event{
			Kind:      bus.KindMessageEvicted,
			Timestamp: time.Now(),
			Payload: Evicted{
				ConversationID: victimConv.ID,
				Seq:            victim.Seq,
				Timestamp:      victim.Timestamp,
			},
		})
	}
	return nil
}
