// Package room routes chat events to the live connections of chat
// participants. Each chat gets its own dispatch queue so events are
// delivered in the order they were published.
package room

import (
	"sync"

	"github.com/sparknet/realtime/internal/event"
	"go.uber.org/zap"
)

// Conn is the connection surface the router delivers to.
type Conn interface {
	ID() string
	UserID() string
	Send(evt *event.Envelope) error
}

// Router is a membership-aware pub/sub hub. Connections subscribe to the
// chats their user participates in; Publish fans an event out to every
// subscribed connection, in publish order per chat.
type Router struct {
	mu      sync.Mutex
	rooms   map[string]*room
	stopped bool
	wg      sync.WaitGroup

	// onSendError is invoked for a connection whose delivery failed; the
	// daemon wires it to registry unregistration.
	onSendError func(Conn)
	logger      *zap.Logger
}

type room struct {
	mu    sync.Mutex
	conns map[string]Conn
	queue chan *event.Envelope
}

// queueDepth bounds in-flight events per chat. Publish blocks when the
// room's queue is full so ordering is never traded for drops.
const queueDepth = 256

// New creates a router. onSendError may be nil.
func New(onSendError func(Conn), logger *zap.Logger) *Router {
	return &Router{
		rooms:       make(map[string]*room),
		onSendError: onSendError,
		logger:      logger,
	}
}

// Subscribe attaches conn to a chat's room, creating the room on first use.
func (r *Router) Subscribe(conn Conn, chatID string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	rm, ok := r.rooms[chatID]
	if !ok {
		rm = &room{
			conns: make(map[string]Conn),
			queue: make(chan *event.Envelope, queueDepth),
		}
		r.rooms[chatID] = rm
		r.wg.Add(1)
		go r.dispatch(chatID, rm)
	}
	r.mu.Unlock()

	rm.mu.Lock()
	rm.conns[conn.ID()] = conn
	rm.mu.Unlock()
}

// Unsubscribe detaches conn from one chat.
func (r *Router) Unsubscribe(conn Conn, chatID string) {
	r.mu.Lock()
	rm := r.rooms[chatID]
	r.mu.Unlock()
	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.conns, conn.ID())
	rm.mu.Unlock()
}

// UnsubscribeAll detaches conn from every room it is in.
func (r *Router) UnsubscribeAll(conn Conn) {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		delete(rm.conns, conn.ID())
		rm.mu.Unlock()
	}
}

// Publish enqueues an event for a chat. Events for one chat are delivered
// in the order Publish was invoked. A chat nobody is subscribed to drops
// the event.
func (r *Router) Publish(chatID string, evt *event.Envelope) {
	r.mu.Lock()
	rm := r.rooms[chatID]
	stopped := r.stopped
	r.mu.Unlock()
	if rm == nil || stopped {
		return
	}
	rm.queue <- evt
}

// Stop drains the rooms and waits for dispatchers to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, rm := range r.rooms {
		close(rm.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) dispatch(chatID string, rm *room) {
	defer r.wg.Done()
	for evt := range rm.queue {
		rm.mu.Lock()
		snapshot := make([]Conn, 0, len(rm.conns))
		for _, c := range rm.conns {
			snapshot = append(snapshot, c)
		}
		rm.mu.Unlock()

		for _, c := range snapshot {
			if err := c.Send(evt); err != nil {
				r.logger.Warn("room delivery failed",
					zap.Error(err),
					zap.String("chat_id", chatID),
					zap.String("conn_id", c.ID()),
					zap.String("kind", evt.Kind))
				rm.mu.Lock()
				delete(rm.conns, c.ID())
				rm.mu.Unlock()
				if r.onSendError != nil {
					r.onSendError(c)
				}
			}
		}
	}
}
