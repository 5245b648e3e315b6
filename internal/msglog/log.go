// Package msglog maintains the ordered, deduplicated set of messages
// belonging to one conversation. It is a pure in-memory working set:
// persistence is orchestrated by the callers that own it.
package msglog

import (
	"sort"

	"github.com/vpires/chatstore/internal/record"
)

// Log is a per-conversation message collection ordered by timestamp, ties
// broken by arrival order. All mutation is funneled through the
// single-threaded event sequence by contract; the log does no locking.
type Log struct {
	conversationID string
	msgs           []*record.Message
}

// New creates an empty log for the conversation.
func New(conversationID string) *Log {
	return &Log{conversationID: conversationID}
}

// ConversationID returns the owning conversation's identifier.
func (l *Log) ConversationID() string { return l.conversationID }

// Len returns the number of messages in the log.
func (l *Log) Len() int { return len(l.msgs) }

// All returns the messages in iteration order. The slice is a copy; the
// messages are shared.
func (l *Log) All() []*record.Message {
	out := make([]*record.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Oldest returns the first (oldest) message, or nil when empty.
func (l *Log) Oldest() *record.Message {
	if len(l.msgs) == 0 {
		return nil
	}
	return l.msgs[0]
}

// Newest returns the last (newest) message, or nil when empty.
func (l *Log) Newest() *record.Message {
	if len(l.msgs) == 0 {
		return nil
	}
	return l.msgs[len(l.msgs)-1]
}

// Insert merges messages into the ordered set, deduplicating by commId
// first: a record whose commId is already present (in the log or earlier
// in the same batch) is silently dropped, never merged — duplicate
// delivery is an expected network condition, not a fault. Records without
// a commId are never considered duplicates of each other.
//
// Returns the messages actually accepted, in input order.
func (l *Log) Insert(msgs ...*record.Message) []*record.Message {
	var accepted []*record.Message
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.CommID != "" && l.FindByCommID(m.CommID) != nil {
			continue
		}
		l.place(m)
		accepted = append(accepted, m)
	}
	return accepted
}

// Reconcile merges records hydrated from storage into a set that may
// already hold newer in-memory messages. Matching is by the
// store-assigned sequence: a persisted record whose seq is already in the
// log is skipped. The survivors then go through the normal Insert rules,
// so commId dedup still applies.
//
// Returns the messages actually added.
func (l *Log) Reconcile(persisted []*record.Message) []*record.Message {
	var fresh []*record.Message
	for _, m := range persisted {
		if m == nil {
			continue
		}
		if m.Seq != 0 && l.findBySeq(m.Seq) != nil {
			continue
		}
		fresh = append(fresh, m)
	}
	return l.Insert(fresh...)
}

// MarkDelivered transitions the message with the given commId to the
// received status. Absent commIds are a no-op, not an error: delivery
// acknowledgments may race ahead of local persistence.
func (l *Log) MarkDelivered(commID string) *record.Message {
	if commID == "" {
		return nil
	}
	m := l.FindByCommID(commID)
	if m == nil {
		return nil
	}
	m.Status = record.StatusReceived
	return m
}

// Remove takes a message out of the ordered set. Removing a non-member is
// a no-op; returns whether anything was removed.
func (l *Log) Remove(m *record.Message) bool {
	for i, cur := range l.msgs {
		if cur == m || (m.Seq != 0 && cur.Seq == m.Seq) {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// FindByCommID returns the unique message with the given commId, if any.
func (l *Log) FindByCommID(commID string) *record.Message {
	for _, m := range l.msgs {
		if m.CommID != "" && m.CommID == commID {
			return m
		}
	}
	return nil
}

func (l *Log) findBySeq(seq int64) *record.Message {
	for _, m := range l.msgs {
		if m.Seq == seq {
			return m
		}
	}
	return nil
}

// place inserts m keeping timestamp order. Equal timestamps keep their
// existing relative order: the new message goes after the last equal one,
// so repeated placement never flips records already in the log.
func (l *Log) place(m *record.Message) {
	i := sort.Search(len(l.msgs), func(i int) bool {
		return l.msgs[i].Timestamp > m.Timestamp
	})
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
}
