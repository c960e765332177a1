// Package registry tracks which users are reachable right now: the map
// from user id to live connection handles. It is the single source of
// truth for reachability.
package registry

import (
	"sync"
	"time"

	"github.com/sparknet/realtime/internal/bus"
	"github.com/sparknet/realtime/internal/event"
	"go.uber.org/zap"
)

// Bus event kinds published on connection lifecycle transitions.
const (
	KindOnline  = "presence.online"
	KindOffline = "presence.offline"
)

// Transition is the bus payload for online/offline changes.
type Transition struct {
	UserID   string
	LastSeen int64
}

// Conn is one live client connection. A user may hold several (multi-device).
type Conn interface {
	ID() string
	UserID() string
	Send(evt *event.Envelope) error
	Close() error
}

// LastSeenRecorder persists the moment a user's last connection went away.
type LastSeenRecorder interface {
	TouchLastSeen(userID string, at int64) error
}

// Registry maps user ids to their live connection handles. All operations
// are total: registering an already-known handle or unregistering an
// unknown one is a no-op.
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[string]Conn // userID -> connID -> conn

	store  LastSeenRecorder
	bus    *bus.Bus
	logger *zap.Logger
	hooks  []func(userID string)
}

// New creates an empty registry.
func New(store LastSeenRecorder, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[string]Conn),
		store:  store,
		bus:    b,
		logger: logger,
	}
}

// OnDisconnect registers a hook invoked (outside the registry lock) when a
// user's handle set becomes empty. Hooks must be registered before the
// daemon starts accepting connections.
func (r *Registry) OnDisconnect(hook func(userID string)) {
	r.hooks = append(r.hooks, hook)
}

// Register adds a connection handle. Returns true when this made the user
// reachable (first handle).
func (r *Registry) Register(conn Conn) bool {
	userID := conn.UserID()

	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[userID] = set
	}
	set[conn.ID()] = conn
	first := !ok
	r.mu.Unlock()

	if first {
		r.bus.Emit(KindOnline, Transition{UserID: userID})
	}
	r.logger.Debug("connection registered",
		zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
	return first
}

// Unregister removes a connection handle. When the user's handle set
// becomes empty this triggers the offline transition: last-seen is
// recorded, an offline event is published, and disconnect hooks run.
func (r *Registry) Unregister(conn Conn) {
	userID := conn.UserID()

	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, conn.ID())
	last := len(set) == 0
	if last {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	r.logger.Debug("connection unregistered",
		zap.String("user_id", userID), zap.String("conn_id", conn.ID()))

	if !last {
		return
	}

	now := time.Now().UnixMilli()
	if r.store != nil {
		if err := r.store.TouchLastSeen(userID, now); err != nil {
			r.logger.Error("failed to record last seen",
				zap.Error(err), zap.String("user_id", userID))
		}
	}
	r.bus.Emit(KindOffline, Transition{UserID: userID, LastSeen: now})
	for _, hook := range r.hooks {
		hook(userID)
	}
}

// IsReachable reports whether the user has at least one live connection.
// Purely in-memory, never blocks.
func (r *Registry) IsReachable(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}

// SendToUser delivers an event to every live connection of a user,
// best-effort. A connection that errors on delivery is treated as
// disconnected and unregistered.
func (r *Registry) SendToUser(userID string, evt *event.Envelope) {
	r.mu.Lock()
	snapshot := make([]Conn, 0, len(r.conns[userID]))
	for _, c := range r.conns[userID] {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		if err := c.Send(evt); err != nil {
			r.logger.Warn("send failed, dropping connection",
				zap.Error(err), zap.String("user_id", userID), zap.String("conn_id", c.ID()))
			_ = c.Close()
			r.Unregister(c)
		}
	}
}
