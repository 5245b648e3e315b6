// Package directory is the single authoritative mapping from conversation
// identifier to conversation, with find-or-create semantics and a
// persisted index of known identifiers for fast restart.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vpires/chatstore/internal/bus"
	"github.com/vpires/chatstore/internal/record"
	"github.com/vpires/chatstore/internal/storage"
	"go.uber.org/zap"
)

// Key layout in the flat key-value area.
const (
	listKey       = "conversations"
	summaryPrefix = "conv:"
)

// CreateOptions tunes FindOrCreate.
type CreateOptions struct {
	// Subject pre-sets the title (group sync delivers it with the id).
	Subject string
	// SkipListSave defers the persisted identifier list update; bulk
	// group sync batches one list write at the end instead of one per
	// conversation.
	SkipListSave bool
}

// Directory owns every in-memory conversation. All mutation funnels
// through the single event-driven call sequence; the mutex only covers
// the map against host I/O callbacks running off-thread.
type Directory struct {
	eng    *storage.Engine
	kv     *storage.KV
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	convs  map[string]*Conversation
	loaded bool

	loadedCh chan struct{}
}

// New creates an empty directory.
func New(eng *storage.Engine, kv *storage.KV, b *bus.Bus, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		eng:      eng,
		kv:       kv,
		bus:      b,
		logger:   logger,
		convs:    make(map[string]*Conversation),
		loadedCh: make(chan struct{}),
	}
}

// Get returns the conversation for id, or nil.
func (d *Directory) Get(id string) *Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.convs[id]
}

// Conversations returns every conversation ordered by descending
// last-activity timestamp.
func (d *Directory) Conversations() []*Conversation {
	d.mu.Lock()
	out := make([]*Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, c)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindOrCreate returns the conversation for id, constructing and
// persisting a new one on first reference. The title is best-effort
// formatted from the identifier, falling back to the raw identifier.
// Returns whether the conversation was newly created.
func (d *Directory) FindOrCreate(ctx context.Context, id string, opts *CreateOptions) (*Conversation, bool, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}

	d.mu.Lock()
	if c, ok := d.convs[id]; ok {
		d.mu.Unlock()
		return c, false, nil
	}
	d.mu.Unlock()

	// Not cached; it may still be persisted from a previous run that
	// never made it onto the identifier list.
	if c, err := d.hydrate(ctx, id); err != nil {
		return nil, false, err
	} else if c != nil {
		d.mu.Lock()
		d.convs[id] = c
		d.mu.Unlock()
		return c, false, nil
	}

	title := opts.Subject
	if title == "" {
		title = titleFor(id)
	}
	c := newConversation(id, title)

	d.mu.Lock()
	d.convs[id] = c
	d.mu.Unlock()

	if err := d.SaveSummary(ctx, c); err != nil {
		return nil, false, fmt.Errorf("persist conversation %q: %w", id, err)
	}
	if !opts.SkipListSave {
		if err := d.SaveList(ctx); err != nil {
			return nil, false, err
		}
	}
	return c, true, nil
}

// Remove deletes the conversation, cascading removal of all its messages,
// and rewrites the persisted identifier list. Unknown identifiers are a
// no-op.
func (d *Directory) Remove(ctx context.Context, id string) error {
	d.mu.Lock()
	c, ok := d.convs[id]
	if ok {
		delete(d.convs, id)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	// Collect keys from storage, not just the in-memory log, so
	// messages never hydrated are removed too.
	recs, err := d.eng.ReadAll(ctx, storage.StoreMessages, storage.Query{
		Index: storage.IndexConversation,
		Value: id,
	})
	if err != nil {
		return fmt.Errorf("list messages of %q: %w", id, err)
	}
	keys := make([]any, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, r.Seq)
	}
	if err := d.eng.Remove(ctx, storage.StoreMessages, keys, storage.WriteOptions{}); err != nil {
		return fmt.Errorf("remove messages of %q: %w", id, err)
	}

	if c.IsGroup {
		if err := d.eng.Remove(ctx, storage.StoreContacts, []any{id}, storage.WriteOptions{}); err != nil {
			d.logger.Warn("remove group contact", zap.String("id", id), zap.Error(err))
		}
	}

	if err := d.kv.Delete(ctx, summaryPrefix+id); err != nil {
		return err
	}
	return d.SaveList(ctx)
}

// SaveSummary persists the conversation's denormalized state.
func (d *Directory) SaveSummary(ctx context.Context, c *Conversation) error {
	return d.kv.Put(ctx, summaryPrefix+c.ID, c.Summary())
}

// SaveList rewrites the persisted identifier list from the current
// ordering.
func (d *Directory) SaveList(ctx context.Context) error {
	convs := d.Conversations()
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	if err := d.kv.Put(ctx, listKey, ids); err != nil {
		return fmt.Errorf("save conversation list: %w", err)
	}
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: bus.KindHistorySaved, Timestamp: time.Now()})
	}
	return nil
}

// Load reads the persisted identifier list and hydrates every
// conversation concurrently. The loaded signal fires only after all
// per-identifier loads have completed, whatever their order; dependent
// operations (retention, in particular) wait on it. Only the first call
// loads; later calls return immediately.
func (d *Directory) Load(ctx context.Context) error {
	d.mu.Lock()
	if d.loaded {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var ids []string
	if _, err := d.kv.Get(ctx, listKey, &ids); err != nil {
		return fmt.Errorf("load conversation list: %w", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c, err := d.hydrate(ctx, id)
			if err != nil {
				d.logger.Warn("load conversation", zap.String("id", id), zap.Error(err))
				return
			}
			if c == nil {
				d.logger.Warn("conversation on list but not persisted", zap.String("id", id))
				return
			}
			d.mu.Lock()
			d.convs[id] = c
			d.mu.Unlock()
		}(id)
	}
	wg.Wait()

	d.mu.Lock()
	d.loaded = true
	d.mu.Unlock()
	close(d.loadedCh)

	d.logger.Info("directory loaded", zap.Int("conversations", len(ids)))
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: bus.KindHistoryLoaded, Timestamp: time.Now(), Payload: len(ids)})
	}
	return nil
}

// Loaded is the bulk-load barrier: closed once every per-identifier load
// has completed.
func (d *Directory) Loaded() <-chan struct{} {
	return d.loadedCh
}

// hydrate restores one conversation and its message log from storage.
// Returns nil when nothing is persisted under the id.
func (d *Directory) hydrate(ctx context.Context, id string) (*Conversation, error) {
	var sum record.ConversationSummary
	ok, err := d.kv.Get(ctx, summaryPrefix+id, &sum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	c := fromSummary(&sum)

	// Stream the persisted history newest-first, then reconcile oldest
	// first so equal timestamps keep their stored order. Real-time
	// messages already in the log win by identity.
	cur, err := d.eng.Read(ctx, storage.StoreMessages, storage.Query{
		Index:   storage.IndexConversation,
		Value:   id,
		Reverse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("read messages of %q: %w", id, err)
	}
	defer func() { _ = cur.Close() }()

	var msgs []*record.Message
	for cur.Next() {
		m, err := record.DecodeMessage(cur.Record())
		if err != nil {
			d.logger.Warn("undecodable message", zap.String("conversation", id), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor over %q: %w", id, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	c.Log.Reconcile(msgs)
	c.UpdateLastMessage()
	return c, nil
}

// titleFor derives a display title from the identifier: a best-effort
// phone-number format for 1:1 chats, the raw identifier otherwise.
func titleFor(id string) string {
	if isGroupID(id) {
		return id
	}
	digits := strings.TrimPrefix(id, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return id
		}
	}
	if len(digits) < 7 {
		return id
	}
	return "+" + digits
}
