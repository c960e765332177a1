package chat

import (
	"context"
	"time"

	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/fault"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/zap"
)

// DirectSender reaches a specific user's devices, bypassing chat rooms.
type DirectSender interface {
	Reachability
	SendToUser(userID string, evt *event.Envelope)
}

// ReadTracker advances per-participant read cursors: it marks messages
// read, resets unread counters and notifies the original senders.
type ReadTracker struct {
	db     *store.DB
	reg    DirectSender
	router Publisher
	locks  *Locks
	logger *zap.Logger
}

// NewReadTracker wires a read tracker sharing the pipeline's chat locks.
func NewReadTracker(db *store.DB, reg DirectSender, router Publisher, locks *Locks, logger *zap.Logger) *ReadTracker {
	return &ReadTracker{db: db, reg: reg, router: router, locks: locks, logger: logger}
}

// MarkRead marks every message in the chat authored by someone other than
// readerID as read, up to throughMessageID (empty = all unread). Eligible
// messages advance to read, the reader's unread counter drops to zero,
// each affected sender gets a read receipt and the room gets a refreshed
// unread summary. Calling it again with nothing unread is a no-op.
func (t *ReadTracker) MarkRead(ctx context.Context, chatID, readerID, throughMessageID string) error {
	ok, err := t.db.IsActiveParticipant(chatID, readerID)
	if err != nil {
		return fault.Wrap(fault.Internal, "failed to mark read", err)
	}
	if !ok {
		return fault.New(fault.Unauthorized, "reader is not an active participant")
	}

	var throughTs int64
	if throughMessageID != "" {
		cursor, err := t.db.GetMessage(throughMessageID)
		if err != nil {
			return fault.Wrap(fault.Internal, "failed to mark read", err)
		}
		if cursor == nil || cursor.ChatID != chatID {
			return fault.New(fault.NotFound, "cursor message not found")
		}
		throughTs = cursor.CreatedAt
	}

	mu := t.locks.Get(chatID)
	mu.Lock()
	defer mu.Unlock()

	msgs, err := t.db.UnreadBy(chatID, readerID, throughTs)
	if err != nil {
		return fault.Wrap(fault.Internal, "failed to mark read", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := t.db.MarkMessagesRead(ids, now); err != nil {
		return fault.Wrap(fault.Internal, "failed to mark read", err)
	}

	// msgs is oldest-first; the last one becomes the read cursor.
	if err := t.db.ResetUnread(chatID, readerID, ids[len(ids)-1]); err != nil {
		t.logger.Error("failed to reset unread counter",
			zap.Error(err), zap.String("chat_id", chatID), zap.String("user_id", readerID))
	}

	bySender := make(map[string][]string)
	for _, m := range msgs {
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}
	for senderID, senderIDs := range bySender {
		if !t.reg.IsReachable(senderID) {
			continue
		}
		t.reg.SendToUser(senderID, event.MustNew(event.KindMessageReadReceipt, event.ReadReceipt{
			ChatID:     chatID,
			MessageIDs: senderIDs,
			ReaderID:   readerID,
			ReadAt:     now,
		}))
	}

	counts, err := t.db.UnreadCounts(chatID)
	if err != nil {
		t.logger.Error("failed to read unread counts",
			zap.Error(err), zap.String("chat_id", chatID))
		counts = map[string]int{}
	}
	t.router.Publish(chatID, event.MustNew(event.KindChatUpdated, event.ChatSummary{
		ChatID:       chatID,
		UnreadCounts: counts,
	}))

	return nil
}
