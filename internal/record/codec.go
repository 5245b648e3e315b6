// Package record holds the domain record types and the codec that maps
// them to and from the storage engine's generic representation. The codec
// is a pure mapping layer; it keeps the engine ignorant of domain shapes
// and the domain ignorant of column layout.
package record

import (
	"encoding/json"
	"fmt"

	"github.com/vpires/chatstore/internal/storage"
)

// EncodeMessage maps a message onto a generic record for the messages
// store. Indexed fields are extracted; an absent commId stays NULL so the
// unique index only applies when the id is present.
func EncodeMessage(m *Message) (*storage.Record, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	fields := map[string]any{
		storage.FieldConversationID: m.ConversationID,
		storage.FieldTimestamp:      m.Timestamp,
	}
	if m.CommID != "" {
		fields[storage.FieldCommID] = m.CommID
	}
	return &storage.Record{Seq: m.Seq, Fields: fields, Body: body}, nil
}

// DecodeMessage reverses EncodeMessage, restoring the engine-assigned key.
func DecodeMessage(rec *storage.Record) (*Message, error) {
	var m Message
	if err := json.Unmarshal(rec.Body, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	m.Seq = rec.Seq
	return &m, nil
}

// EncodeContact maps a contact summary onto the contacts store, keyed by
// its natural identifier.
func EncodeContact(c *ContactSummary) (*storage.Record, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode contact: %w", err)
	}
	name := c.DisplayName
	if c.IsGroup {
		name = c.Subject
	}
	return &storage.Record{
		Key:    c.ID,
		Fields: map[string]any{storage.FieldDisplayName: name},
		Body:   body,
	}, nil
}

// DecodeContact reverses EncodeContact.
func DecodeContact(rec *storage.Record) (*ContactSummary, error) {
	var c ContactSummary
	if err := json.Unmarshal(rec.Body, &c); err != nil {
		return nil, fmt.Errorf("decode contact: %w", err)
	}
	c.ID = rec.Key
	return &c, nil
}
