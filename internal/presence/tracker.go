// Package presence derives and distributes ephemeral user status:
// typing/recording indicators and online/offline transitions.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/sparknet/realtime/internal/event"
	"go.uber.org/zap"
)

// Kind distinguishes the two composing indicators.
type Kind string

const (
	Typing    Kind = "typing"
	Recording Kind = "recording"
)

// Publisher is the chat-room fan-out the tracker emits snapshots to.
type Publisher interface {
	Publish(chatID string, evt *event.Envelope)
}

type indicatorKey struct {
	userID string
	kind   Kind
}

type indicator struct {
	timer *time.Timer
}

// Tracker holds the per-chat set of users currently typing or recording.
// Entries self-expire; a refresh for the same (chat, user, kind) replaces
// the prior timer (last-write-wins TTL). State is never persisted.
type Tracker struct {
	mu       sync.Mutex
	chats    map[string]map[indicatorKey]*indicator
	shutdown bool

	router Publisher
	logger *zap.Logger
}

// NewTracker creates an empty tracker publishing snapshots via router.
func NewTracker(router Publisher, logger *zap.Logger) *Tracker {
	return &Tracker{
		chats:  make(map[string]map[indicatorKey]*indicator),
		router: router,
		logger: logger,
	}
}

// Set adds or refreshes an indicator and (re)arms its expiry timer, then
// emits the chat's updated indicator snapshot.
func (t *Tracker) Set(chatID, userID string, kind Kind, ttl time.Duration) {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	entries, ok := t.chats[chatID]
	if !ok {
		entries = make(map[indicatorKey]*indicator)
		t.chats[chatID] = entries
	}
	key := indicatorKey{userID: userID, kind: kind}
	if prev, ok := entries[key]; ok {
		prev.timer.Stop()
	}
	ind := &indicator{}
	ind.timer = time.AfterFunc(ttl, func() { t.expire(chatID, key, ind) })
	entries[key] = ind
	snapshot := t.activeLocked(chatID, kind)
	t.mu.Unlock()

	t.emit(chatID, kind, snapshot)
}

// Clear removes an indicator immediately and emits the updated snapshot.
func (t *Tracker) Clear(chatID, userID string, kind Kind) {
	t.mu.Lock()
	removed := t.removeLocked(chatID, indicatorKey{userID: userID, kind: kind})
	var snapshot []string
	if removed {
		snapshot = t.activeLocked(chatID, kind)
	}
	t.mu.Unlock()

	if removed {
		t.emit(chatID, kind, snapshot)
	}
}

// ClearAllForUser sweeps every indicator the user holds, across all chats.
// Invoked on disconnect.
func (t *Tracker) ClearAllForUser(userID string) {
	type change struct {
		chatID   string
		kind     Kind
		snapshot []string
	}
	var changes []change

	t.mu.Lock()
	for chatID, entries := range t.chats {
		for _, kind := range []Kind{Typing, Recording} {
			if t.removeLocked(chatID, indicatorKey{userID: userID, kind: kind}) {
				changes = append(changes, change{chatID, kind, t.activeLocked(chatID, kind)})
			}
		}
		if len(entries) == 0 {
			delete(t.chats, chatID)
		}
	}
	t.mu.Unlock()

	for _, ch := range changes {
		t.emit(ch.chatID, ch.kind, ch.snapshot)
	}
}

// Active returns the users currently holding an indicator of the given
// kind in a chat, sorted for stable output.
func (t *Tracker) Active(chatID string, kind Kind) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(chatID, kind)
}

// Shutdown stops every timer. Further Sets are ignored.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdown = true
	for chatID, entries := range t.chats {
		for _, ind := range entries {
			ind.timer.Stop()
		}
		delete(t.chats, chatID)
	}
}

// expire fires on the timer goroutine. The indicator pointer check makes
// a stale timer (replaced by a refresh racing the expiry) a no-op.
func (t *Tracker) expire(chatID string, key indicatorKey, ind *indicator) {
	t.mu.Lock()
	entries := t.chats[chatID]
	if entries == nil || entries[key] != ind {
		t.mu.Unlock()
		return
	}
	delete(entries, key)
	if len(entries) == 0 {
		delete(t.chats, chatID)
	}
	snapshot := t.activeLocked(chatID, key.kind)
	shutdown := t.shutdown
	t.mu.Unlock()

	if !shutdown {
		t.emit(chatID, key.kind, snapshot)
	}
}

func (t *Tracker) removeLocked(chatID string, key indicatorKey) bool {
	entries := t.chats[chatID]
	ind, ok := entries[key]
	if !ok {
		return false
	}
	ind.timer.Stop()
	delete(entries, key)
	if len(entries) == 0 {
		delete(t.chats, chatID)
	}
	return true
}

func (t *Tracker) activeLocked(chatID string, kind Kind) []string {
	var users []string
	for key := range t.chats[chatID] {
		if key.kind == kind {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) emit(chatID string, kind Kind, userIDs []string) {
	if userIDs == nil {
		userIDs = []string{}
	}
	var evt *event.Envelope
	if kind == Recording {
		evt = event.MustNew(event.KindPresenceRecordingUpdate, event.RecordingUpdate{ChatID: chatID, UserIDs: userIDs})
	} else {
		evt = event.MustNew(event.KindPresenceTypingUpdate, event.TypingUpdate{ChatID: chatID, UserIDs: userIDs})
	}
	t.router.Publish(chatID, evt)
}
