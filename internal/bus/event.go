package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kind namespaces used across the layer. Inbound protocol events
// arrive under "proto."; the history service publishes under "history.";
// lifecycle changes go out under "store.".
const (
	KindProtoMessage      = "proto.message"
	KindProtoNotification = "proto.notification"
	KindProtoReceipt      = "proto.receipt"

	KindMessageAdded   = "history.message_added"
	KindMessageEvicted = "history.message_evicted"
	KindHistoryLoaded  = "history.loaded"
	KindHistorySaved   = "history.list_saved"
	KindSendFailed     = "history.send_failed"

	KindStatusChanged = "store.status_changed"
)
