package presence

import (
	"context"

	"github.com/sparknet/realtime/internal/bus"
	"github.com/sparknet/realtime/internal/event"
	"github.com/sparknet/realtime/internal/registry"
	"go.uber.org/zap"
)

// Wire statuses carried by presence.update events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ChatLister resolves which chats a user participates in.
type ChatLister interface {
	ChatIDsForUser(userID string) ([]string, error)
}

// Broadcaster listens for connection transitions on the bus and fans
// online/offline updates out to every chat the user participates in.
type Broadcaster struct {
	bus    *bus.Bus
	chats  ChatLister
	router Publisher
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewBroadcaster creates a stopped broadcaster.
func NewBroadcaster(b *bus.Bus, chats ChatLister, router Publisher, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{bus: b, chats: chats, router: router, logger: logger}
}

// Start subscribes to registry transitions until Stop or ctx cancellation.
func (b *Broadcaster) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	ch, unsub := b.bus.Subscribe("presence.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				b.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the broadcast loop.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Broadcaster) handle(evt bus.Event) {
	tr, ok := evt.Payload.(registry.Transition)
	if !ok {
		return
	}

	var update event.PresenceUpdate
	switch evt.Kind {
	case registry.KindOnline:
		update = event.PresenceUpdate{UserID: tr.UserID, Status: StatusOnline}
	case registry.KindOffline:
		update = event.PresenceUpdate{UserID: tr.UserID, Status: StatusOffline, LastSeen: tr.LastSeen}
	default:
		return
	}

	chatIDs, err := b.chats.ChatIDsForUser(tr.UserID)
	if err != nil {
		b.logger.Error("failed to resolve chats for presence update",
			zap.Error(err), zap.String("user_id", tr.UserID))
		return
	}
	out := event.MustNew(event.KindPresenceUpdate, update)
	for _, chatID := range chatIDs {
		b.router.Publish(chatID, out)
	}
}
