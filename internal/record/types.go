package record

import "encoding/json"

// Status tracks a message through its delivery lifecycle:
// pending -> sent -> received, or unsent on failure.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
	StatusUnsent   Status = "unsent"
)

// Type tags the kind of content a message carries.
type Type string

const (
	TypeText         Type = "text"
	TypeImage        Type = "image"
	TypeVideo        Type = "video"
	TypeAudio        Type = "audio"
	TypeLocation     Type = "location"
	TypeNotification Type = "notification"
)

// Message is one unit of conversation content.
//
// Seq is the engine-assigned key and is not part of the serialized body.
// CommID is the protocol-assigned correlation id: unique when present,
// empty for purely local or system records.
type Message struct {
	Seq            int64           `json:"-"`
	CommID         string          `json:"commId,omitempty"`
	ClientID       string          `json:"clientId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Sender         string          `json:"sender"`
	SenderName     string          `json:"senderName,omitempty"`
	Type           Type            `json:"type"`
	Content        json.RawMessage `json:"content,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Status         Status          `json:"status,omitempty"`
	Filename       string          `json:"filename,omitempty"`
	ThumbSrc       string          `json:"thumbSrc,omitempty"`
}

// ContactSummary is the persisted per-contact denormalization: display
// name for 1:1 chats, subject for groups.
type ContactSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Subject     string `json:"subject,omitempty"`
	IsGroup     bool   `json:"isGroup,omitempty"`
}

// ConversationSummary is the denormalized conversation state persisted in
// the key-value area, enough to render an inbox row before any message
// has been hydrated.
type ConversationSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	IsGroup         bool   `json:"isGroup"`
	LastMessage     string `json:"lastMessage,omitempty"`
	LastMessageType Type   `json:"lastMessageType,omitempty"`
	LastActivity    int64  `json:"lastActivity"`
	IsRead          bool   `json:"isRead"`
}
