package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/fault"
	"github.com/sparknet/realtime/internal/moderation"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

// Reachability answers whether a user has a live connection right now.
type Reachability interface {
	IsReachable(userID string) bool
}

// Publisher fans an event out to a chat room.
type Publisher interface {
	Publish(chatID string, evt *event.Envelope)
}

// OfflineQueue buffers messages for unreachable recipients. May be nil.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userID string, msg *store.Message) error
}

// Content is the sender-supplied part of an outbound message.
type Content struct {
	Kind      string // text (default), media, system
	Body      string
	MediaURL  string
	ReplyToID string
}

// Pipeline accepts outbound messages: it moderates, persists, computes
// delivery status, bumps unread counters and publishes the result to the
// chat room.
type Pipeline struct {
	db     *store.DB
	mod    moderation.Moderator
	reach  Reachability
	router Publisher
	queue  OfflineQueue
	locks  *Locks
	logger *zap.Logger
}

// NewPipeline wires a delivery pipeline. queue may be nil.
func NewPipeline(db *store.DB, mod moderation.Moderator, reach Reachability, router Publisher, queue OfflineQueue, locks *Locks, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db: db, mod: mod, reach: reach, router: router,
		queue: queue, locks: locks, logger: logger,
	}
}

// Send runs the full delivery pipeline for one message. On failure
// nothing is persisted and no event is published.
func (p *Pipeline) Send(ctx context.Context, chatID, senderID string, content Content) (*store.Message, error) {
	ok, err := p.db.IsActiveParticipant(chatID, senderID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to send message", err)
	}
	if !ok {
		return nil, fault.New(fault.Unauthorized, "sender is not an active participant")
	}

	kind := content.Kind
	if kind == "" {
		kind = store.MessageText
	}

	body := content.Body
	if kind == store.MessageText {
		body, err = p.moderate(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	mu := p.locks.Get(chatID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UnixMilli()
	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Kind:      kind,
		Body:      body,
		MediaURL:  content.MediaURL,
		ReplyToID: content.ReplyToID,
		Status:    store.StatusSent,
		CreatedAt: now,
	}
	if err := p.db.InsertMessage(msg); err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to persist message", err)
	}

	if err := p.db.IncrementUnread(chatID, senderID); err != nil {
		p.logger.Error("failed to bump unread counters",
			zap.Error(err), zap.String("chat_id", chatID), zap.String("message_id", msg.ID))
	}

	p.resolveDelivery(ctx, msg)

	counts, err := p.db.UnreadCounts(chatID)
	if err != nil {
		p.logger.Error("failed to read unread counts",
			zap.Error(err), zap.String("chat_id", chatID))
		counts = map[string]int{}
	}
	p.router.Publish(chatID, event.MustNew(event.KindMessageNew, event.NewMessage{
		Message: WireMessage(msg),
		Chat:    event.ChatSummary{ChatID: chatID, UnreadCounts: counts},
	}))

	return msg, nil
}

// moderate passes a text body to the collaborator. Explicit vetoes fail
// closed; infrastructure unavailability fails open with the original body.
func (p *Pipeline) moderate(ctx context.Context, body string) (string, error) {
	if p.mod == nil {
		return body, nil
	}
	cleaned, err := p.mod.Check(ctx, body)
	if err == nil {
		return cleaned, nil
	}
	if errors.Is(err, moderation.ErrUnavailable) {
		p.logger.Warn("moderation unavailable, allowing without cleanup", zap.Error(err))
		return body, nil
	}
	var rej *moderation.Rejection
	if errors.As(err, &rej) {
		return "", fault.New(fault.ContentRejected, rej.Reason)
	}
	return "", fault.Wrap(fault.Internal, "moderation check failed", err)
}

// resolveDelivery upgrades the message to delivered when at least one
// other active participant is reachable, and queues it for the offline
// ones when an offline queue is configured.
func (p *Pipeline) resolveDelivery(ctx context.Context, msg *store.Message) {
	parts, err := p.db.Participants(msg.ChatID)
	if err != nil {
		p.logger.Error("failed to list participants",
			zap.Error(err), zap.String("chat_id", msg.ChatID))
		return
	}

	anyReachable := false
	for _, part := range parts {
		if !part.Active || part.UserID == msg.SenderID {
			continue
		}
		if p.reach.IsReachable(part.UserID) {
			anyReachable = true
			continue
		}
		if p.queue != nil {
			if err := p.queue.Enqueue(ctx, part.UserID, msg); err != nil {
				p.logger.Warn("offline enqueue failed",
					zap.Error(err), zap.String("user_id", part.UserID), zap.String("message_id", msg.ID))
			}
		}
	}

	if anyReachable {
		at := time.Now().UnixMilli()
		applied, err := p.db.MarkDelivered(msg.ID, at)
		if err != nil {
			p.logger.Error("failed to mark delivered",
				zap.Error(err), zap.String("message_id", msg.ID))
			return
		}
		if applied {
			msg.Status = store.StatusDelivered
			msg.DeliveredAt = at
		}
	}
}

// DeleteForViewer hides a message for one viewer; it stays visible to
// everyone else.
func (p *Pipeline) DeleteForViewer(ctx context.Context, chatID, messageID, viewerID string) error {
	ok, err := p.db.IsActiveParticipant(chatID, viewerID)
	if err != nil {
		return fault.Wrap(fault.Internal, "failed to delete message", err)
	}
	if !ok {
		return fault.New(fault.Unauthorized, "viewer is not an active participant")
	}
	msg, err := p.db.GetMessage(messageID)
	if err != nil {
		return fault.Wrap(fault.Internal, "failed to delete message", err)
	}
	if msg == nil || msg.ChatID != chatID {
		return fault.New(fault.NotFound, "message not found")
	}
	if err := p.db.HideMessage(messageID, viewerID); err != nil {
		return fault.Wrap(fault.Internal, "failed to delete message", err)
	}
	return nil
}

// History returns a page of chat history as the viewer sees it.
func (p *Pipeline) History(ctx context.Context, chatID, viewerID string, beforeTs int64, limit int) ([]store.Message, error) {
	ok, err := p.db.IsActiveParticipant(chatID, viewerID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to load history", err)
	}
	if !ok {
		return nil, fault.New(fault.Unauthorized, "viewer is not an active participant")
	}
	msgs, err := p.db.ListMessages(chatID, viewerID, beforeTs, limit)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to load history", err)
	}
	return msgs, nil
}

// WireMessage converts a stored message to its wire shape.
func WireMessage(m *store.Message) event.Message {
	return event.Message{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Kind:        m.Kind,
		Body:        m.Body,
		MediaURL:    m.MediaURL,
		ReplyToID:   m.ReplyToID,
		Status:      m.Status,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
	}
}
