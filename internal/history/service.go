// Package history orchestrates the consistency logic between the
// protocol-client collaborator, the conversation directory, the
// per-conversation logs, and the storage engine. Inbound events are
// consumed from the bus one at a time, so all state mutation is
// effectively single-threaded.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vpires/chatstore/internal/bus"
	"github.com/vpires/chatstore/internal/directory"
	"github.com/vpires/chatstore/internal/msglog"
	"github.com/vpires/chatstore/internal/protocol"
	"github.com/vpires/chatstore/internal/record"
	"github.com/vpires/chatstore/internal/retention"
	"github.com/vpires/chatstore/internal/storage"
	"go.uber.org/zap"
)

// Service is the consistency layer's event loop and command surface.
type Service struct {
	eng    *storage.Engine
	dir    *directory.Directory
	policy *retention.Policy
	bus    *bus.Bus
	sender protocol.Sender
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the service. A nil sender degrades to the offline sender,
// so outbound messages park in the unsent state.
func New(eng *storage.Engine, dir *directory.Directory, policy *retention.Policy, b *bus.Bus, sender protocol.Sender, logger *zap.Logger) *Service {
	if sender == nil {
		sender = protocol.OfflineSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		eng:    eng,
		dir:    dir,
		policy: policy,
		bus:    b,
		sender: sender,
		logger: logger,
	}
}

// Start subscribes to inbound protocol events and consumes them until
// Stop. Second call while running is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	events, unsubscribe := s.bus.Subscribe("proto.", 64)
	go func() {
		defer close(s.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				s.dispatch(ctx, evt)
			}
		}
	}()
}

// Stop cancels the event loop and waits for it to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) dispatch(ctx context.Context, evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindProtoMessage:
		if ev, ok := evt.Payload.(protocol.MessageEvent); ok {
			err = s.HandleMessage(ctx, ev)
		}
	case bus.KindProtoNotification:
		if ev, ok := evt.Payload.(protocol.NotificationEvent); ok {
			err = s.HandleNotification(ctx, ev)
		}
	case bus.KindProtoReceipt:
		if ev, ok := evt.Payload.(protocol.ReceiptEvent); ok {
			err = s.HandleReceipt(ctx, ev)
		}
	}
	if err != nil {
		s.logger.Error("handle protocol event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// HandleMessage absorbs one inbound message: find-or-create the
// conversation, deduplicate by commId, persist, refresh the summary, and
// enforce retention. A duplicate is absorbed silently with no state
// change beyond the dedup check itself.
func (s *Service) HandleMessage(ctx context.Context, ev protocol.MessageEvent) error {
	conv, _, err := s.dir.FindOrCreate(ctx, ev.From.Identifier, nil)
	if err != nil {
		return err
	}

	m := &record.Message{
		CommID:         ev.Meta.CommID,
		ConversationID: conv.ID,
		Sender:         ev.From.Identifier,
		SenderName:     ev.From.DisplayName,
		Type:           ev.Meta.Type,
		Content:        ev.Content,
		Timestamp:      ev.Meta.Timestamp,
		Status:         record.StatusReceived,
	}
	if m.Type == "" {
		m.Type = record.TypeText
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}

	accepted := conv.Log.Insert(m)
	if len(accepted) == 0 {
		s.logger.Debug("duplicate message absorbed",
			zap.String("conversation", conv.ID),
			zap.String("commId", ev.Meta.CommID))
		return nil
	}

	s.persistMessage(ctx, m)
	s.refreshPeer(ctx, conv, ev.From)

	conv.UpdateLastMessage()
	conv.IsRead = false
	if err := s.dir.SaveSummary(ctx, conv); err != nil {
		s.logger.Warn("save summary", zap.String("conversation", conv.ID), zap.Error(err))
	}

	if err := s.policy.Enforce(ctx); err != nil {
		s.logger.Warn("enforce retention", zap.Error(err))
	}

	s.publish(bus.KindMessageAdded, m)
	return nil
}

// HandleReceipt applies a delivery acknowledgment. Receipts for unknown
// conversations or commIds are dropped without error; acknowledgments can
// race ahead of local persistence.
func (s *Service) HandleReceipt(ctx context.Context, ev protocol.ReceiptEvent) error {
	conv := s.dir.Get(ev.From.Identifier)
	if conv == nil {
		return nil
	}
	m := conv.Log.MarkDelivered(ev.CommID)
	if m == nil {
		return nil
	}
	s.persistMessage(ctx, m)
	s.publish(bus.KindMessageAdded, m)
	return nil
}

// HandleNotification applies a group or system notification. Subject
// changes retitle the conversation; participant and picture changes
// refresh the conversation and contact; anything else lands in the log as
// a notification-typed message.
func (s *Service) HandleNotification(ctx context.Context, ev protocol.NotificationEvent) error {
	opts := &directory.CreateOptions{Subject: ev.Subject}
	conv, _, err := s.dir.FindOrCreate(ctx, ev.From.Identifier, opts)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case protocol.NotificationSubject:
		if ev.Subject != "" && conv.Title != ev.Subject {
			conv.Title = ev.Subject
			if err := s.dir.SaveSummary(ctx, conv); err != nil {
				return err
			}
		}
		s.saveContact(ctx, &record.ContactSummary{
			ID:      conv.ID,
			Subject: ev.Subject,
			IsGroup: conv.IsGroup,
		})
		return nil

	case protocol.NotificationParticipant, protocol.NotificationPicture:
		s.refreshPeer(ctx, conv, ev.From)
		return nil

	default:
		m := &record.Message{
			CommID:         ev.Meta.CommID,
			ConversationID: conv.ID,
			Sender:         ev.From.Identifier,
			SenderName:     ev.From.DisplayName,
			Type:           record.TypeNotification,
			Content:        ev.Content,
			Timestamp:      ev.Meta.Timestamp,
		}
		if m.Timestamp == 0 {
			m.Timestamp = time.Now().UnixMilli()
		}
		if accepted := conv.Log.Insert(m); len(accepted) == 0 {
			return nil
		}
		s.persistMessage(ctx, m)
		conv.UpdateLastMessage()
		if err := s.dir.SaveSummary(ctx, conv); err != nil {
			s.logger.Warn("save summary", zap.String("conversation", conv.ID), zap.Error(err))
		}
		s.publish(bus.KindMessageAdded, m)
		return nil
	}
}

// Send records an outbound message in the pending state, hands it to the
// protocol client, then settles it to sent or unsent. The message stays
// in the log either way; unsent is a resend affordance, not an error.
func (s *Service) Send(ctx context.Context, destination string, content json.RawMessage) (*record.Message, error) {
	conv, _, err := s.dir.FindOrCreate(ctx, destination, nil)
	if err != nil {
		return nil, err
	}

	m := &record.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         "",
		Type:           record.TypeText,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
		Status:         record.StatusPending,
	}
	conv.Log.Insert(m)
	s.persistMessage(ctx, m)
	conv.UpdateLastMessage()
	if err := s.dir.SaveSummary(ctx, conv); err != nil {
		s.logger.Warn("save summary", zap.String("conversation", conv.ID), zap.Error(err))
	}
	s.publish(bus.KindMessageAdded, m)

	commID, sendErr := s.sender.Send(ctx, destination, content)
	if sendErr != nil {
		m.Status = record.StatusUnsent
		s.persistMessage(ctx, m)
		s.logger.Warn("send failed",
			zap.String("destination", destination),
			zap.String("clientId", m.ClientID),
			zap.Error(sendErr))
		s.publish(bus.KindSendFailed, m)
		return m, nil
	}

	m.CommID = commID
	m.Status = record.StatusSent
	s.persistMessage(ctx, m)
	if err := s.policy.Enforce(ctx); err != nil {
		s.logger.Warn("enforce retention", zap.Error(err))
	}
	return m, nil
}

// Resend retries a previously unsent message identified by its clientId.
func (s *Service) Resend(ctx context.Context, conversationID, clientID string) (*record.Message, error) {
	conv := s.dir.Get(conversationID)
	if conv == nil {
		return nil, fmt.Errorf("unknown conversation %q", conversationID)
	}
	var m *record.Message
	for _, cur := range conv.Log.All() {
		if cur.ClientID == clientID {
			m = cur
			break
		}
	}
	if m == nil {
		return nil, fmt.Errorf("unknown message %q in %q", clientID, conversationID)
	}
	if m.Status != record.StatusUnsent {
		return m, nil
	}

	commID, sendErr := s.sender.Send(ctx, conversationID, m.Content)
	if sendErr != nil {
		s.publish(bus.KindSendFailed, m)
		return m, nil
	}
	m.CommID = commID
	m.Status = record.StatusSent
	s.persistMessage(ctx, m)
	return m, nil
}

// MarkRead clears the unread flag and persists the summary.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	conv := s.dir.Get(conversationID)
	if conv == nil || conv.IsRead {
		return nil
	}
	conv.IsRead = true
	return s.dir.SaveSummary(ctx, conv)
}

// Messages returns the ordered messages of a conversation, or nil for an
// unknown identifier.
func (s *Service) Messages(conversationID string) []*record.Message {
	conv := s.dir.Get(conversationID)
	if conv == nil {
		return nil
	}
	return conv.Log.All()
}

// Log exposes the conversation's log for read-side callers, or nil.
func (s *Service) Log(conversationID string) *msglog.Log {
	conv := s.dir.Get(conversationID)
	if conv == nil {
		return nil
	}
	return conv.Log
}

// persistMessage writes the message through the engine, assigning its
// sequence on first save. Persistence failure is logged, never fatal: the
// in-memory state stays authoritative for the session and the record is
// retried on the next status transition.
func (s *Service) persistMessage(ctx context.Context, m *record.Message) {
	rec, err := record.EncodeMessage(m)
	if err != nil {
		s.logger.Error("encode message", zap.Error(err))
		return
	}
	if _, err := s.eng.Save(ctx, storage.StoreMessages, []*storage.Record{rec}, storage.WriteOptions{}); err != nil {
		s.logger.Error("persist message",
			zap.String("conversation", m.ConversationID),
			zap.Error(err))
		return
	}
	m.Seq = rec.Seq
}

// refreshPeer updates the conversation title and contact entry from the
// peer's display name. Groups keep their subject-derived title.
func (s *Service) refreshPeer(ctx context.Context, conv *directory.Conversation, peer protocol.Peer) {
	if !conv.IsGroup && peer.DisplayName != "" && conv.Title != peer.DisplayName {
		conv.Title = peer.DisplayName
		if err := s.dir.SaveSummary(ctx, conv); err != nil {
			s.logger.Warn("save summary", zap.String("conversation", conv.ID), zap.Error(err))
		}
	}
	s.saveContact(ctx, &record.ContactSummary{
		ID:          peer.Identifier,
		DisplayName: peer.DisplayName,
		IsGroup:     conv.IsGroup,
	})
}

func (s *Service) saveContact(ctx context.Context, c *record.ContactSummary) {
	rec, err := record.EncodeContact(c)
	if err != nil {
		s.logger.Warn("encode contact", zap.Error(err))
		return
	}
	if _, err := s.eng.Save(ctx, storage.StoreContacts, []*storage.Record{rec}, storage.WriteOptions{}); err != nil {
		s.logger.Warn("persist contact", zap.String("id", c.ID), zap.Error(err))
	}
}

func (s *Service) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
