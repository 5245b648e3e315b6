package record

import (
	"encoding/json"
	"testing"

	"github.com/vpires/chatstore/internal/storage"
)

func TestEncodeMessageFields(t *testing.T) {
	m := &Message{
		CommID:         "c1",
		ConversationID: "111",
		Sender:         "111",
		Type:           TypeText,
		Content:        json.RawMessage(`"hello"`),
		Timestamp:      42,
		Status:         StatusReceived,
	}
	rec, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if rec.Fields[storage.FieldConversationID] != "111" {
		t.Errorf("conversation_id = %v", rec.Fields[storage.FieldConversationID])
	}
	if rec.Fields[storage.FieldTimestamp] != int64(42) {
		t.Errorf("timestamp = %v", rec.Fields[storage.FieldTimestamp])
	}
	if rec.Fields[storage.FieldCommID] != "c1" {
		t.Errorf("comm_id = %v", rec.Fields[storage.FieldCommID])
	}
}

func TestEncodeMessageEmptyCommIDStaysUnset(t *testing.T) {
	rec, err := EncodeMessage(&Message{ConversationID: "111", Timestamp: 1})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	if _, present := rec.Fields[storage.FieldCommID]; present {
		t.Error("empty commId materialized a comm_id field")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		CommID:         "c1",
		ClientID:       "local-1",
		ConversationID: "111",
		Sender:         "111",
		SenderName:     "Alice",
		Type:           TypeImage,
		Content:        json.RawMessage(`{"caption":"hi"}`),
		Timestamp:      42,
		Status:         StatusSent,
		Filename:       "pic.jpg",
	}
	rec, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	rec.Seq = 17

	got, err := DecodeMessage(rec)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if got.Seq != 17 {
		t.Errorf("Seq = %d, want 17 (engine-assigned)", got.Seq)
	}
	if got.CommID != m.CommID || got.ClientID != m.ClientID || got.Type != m.Type ||
		got.Timestamp != m.Timestamp || got.Status != m.Status || got.Filename != m.Filename {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if string(got.Content) != string(m.Content) {
		t.Errorf("content = %s", got.Content)
	}
}

func TestEncodeContactGroupUsesSubject(t *testing.T) {
	rec, err := EncodeContact(&ContactSummary{
		ID:      "111-222",
		Subject: "Family",
		IsGroup: true,
	})
	if err != nil {
		t.Fatalf("EncodeContact() error = %v", err)
	}
	if rec.Key != "111-222" {
		t.Errorf("key = %q", rec.Key)
	}
	if rec.Fields[storage.FieldDisplayName] != "Family" {
		t.Errorf("display_name = %v, want group subject", rec.Fields[storage.FieldDisplayName])
	}

	got, err := DecodeContact(rec)
	if err != nil {
		t.Fatalf("DecodeContact() error = %v", err)
	}
	if got.ID != "111-222" || got.Subject != "Family" || !got.IsGroup {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
