package directory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vpires/chatstore/internal/msglog"
	"github.com/vpires/chatstore/internal/record"
)

// veryOld is the sentinel last-activity timestamp for conversations with
// no messages yet, so newly created empty conversations sort last.
var veryOld = time.Date(2000, time.February, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Conversation is one thread of messages, identified by a counterpart
// phone number (1:1) or a group id. It owns its message log; the log has
// no independent lifecycle.
type Conversation struct {
	ID              string
	Title           string
	IsGroup         bool
	LastMessage     string
	LastMessageType record.Type
	LastActivity    int64
	IsRead          bool
	Log             *msglog.Log
}

func newConversation(id, title string) *Conversation {
	return &Conversation{
		ID:              id,
		Title:           title,
		IsGroup:         isGroupID(id),
		LastMessageType: record.TypeText,
		LastActivity:    veryOld,
		IsRead:          true,
		Log:             msglog.New(id),
	}
}

func fromSummary(s *record.ConversationSummary) *Conversation {
	c := newConversation(s.ID, s.Title)
	c.LastMessage = s.LastMessage
	if s.LastMessageType != "" {
		c.LastMessageType = s.LastMessageType
	}
	if s.LastActivity != 0 {
		c.LastActivity = s.LastActivity
	}
	c.IsRead = s.IsRead
	return c
}

// Summary returns the denormalized state persisted for this conversation.
func (c *Conversation) Summary() *record.ConversationSummary {
	return &record.ConversationSummary{
		ID:              c.ID,
		Title:           c.Title,
		IsGroup:         c.IsGroup,
		LastMessage:     c.LastMessage,
		LastMessageType: c.LastMessageType,
		LastActivity:    c.LastActivity,
		IsRead:          c.IsRead,
	}
}

// UpdateLastMessage refreshes the denormalized fields from the log's
// newest message. Returns whether anything changed.
func (c *Conversation) UpdateLastMessage() bool {
	last := c.Log.Newest()
	if last == nil {
		return false
	}
	preview := contentPreview(last)
	changed := c.LastActivity != last.Timestamp ||
		c.LastMessage != preview ||
		c.LastMessageType != last.Type
	c.LastActivity = last.Timestamp
	c.LastMessage = preview
	c.LastMessageType = last.Type
	return changed
}

// isGroupID recognizes group identifiers by their distinguishing marker.
func isGroupID(id string) bool {
	return strings.Contains(id, "-")
}

// contentPreview derives a short inbox preview from an opaque payload.
func contentPreview(m *record.Message) string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return truncate(s, 100)
	}
	var obj struct {
		Caption string `json:"caption"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(m.Content, &obj); err == nil {
		if obj.Caption != "" {
			return truncate(obj.Caption, 100)
		}
		if obj.Address != "" {
			return truncate(obj.Address, 100)
		}
	}
	return string(m.Type)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
