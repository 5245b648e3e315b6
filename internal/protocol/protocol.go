// Package protocol defines the surface between the persistence layer and
// the network protocol client. The client itself is an external
// collaborator: it delivers inbound events on the bus under "proto." and
// accepts outbound send requests through the Sender interface. Retry and
// backoff are owned by the client, never by this layer.
package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vpires/chatstore/internal/record"
)

// Sender accepts an outbound send request, yielding the protocol-assigned
// correlation id on success.
type Sender interface {
	Send(ctx context.Context, destination string, content json.RawMessage) (commID string, err error)
}

// ErrOffline is returned by OfflineSender for every send.
var ErrOffline = errors.New("protocol: client not connected")

// OfflineSender is the sender used while no protocol client is attached.
// Sends fail immediately, leaving messages in the unsent state as a
// resend affordance.
type OfflineSender struct{}

func (OfflineSender) Send(context.Context, string, json.RawMessage) (string, error) {
	return "", ErrOffline
}

// Peer describes the counterpart a message or notification came from.
type Peer struct {
	Identifier  string
	DisplayName string
}

// Metadata carries the protocol-level attributes of an inbound event.
type Metadata struct {
	Type      record.Type
	Timestamp int64
	CommID    string
}

// MessageEvent is one inbound message-arrived event.
type MessageEvent struct {
	From    Peer
	Meta    Metadata
	Content json.RawMessage
}

// NotificationKind distinguishes group/system notifications.
type NotificationKind string

const (
	NotificationGeneric     NotificationKind = "generic"
	NotificationSubject     NotificationKind = "subject"
	NotificationParticipant NotificationKind = "participant"
	NotificationPicture     NotificationKind = "picture"
)

// NotificationEvent is an inbound group/subject/picture/participant change.
type NotificationEvent struct {
	Kind    NotificationKind
	From    Peer
	Meta    Metadata
	Content json.RawMessage
	Subject string
}

// ReceiptEvent is a delivery acknowledgment for a previously sent message.
type ReceiptEvent struct {
	From   Peer
	CommID string
}
