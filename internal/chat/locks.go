// Package chat implements the message delivery pipeline and read-receipt
// tracking for chat rooms.
package chat

import "sync"

// Locks hands out one mutex per chat id, serializing all mutations that
// touch a single chat (message sends, read sweeps) while leaving other
// chats' pipelines independent.
type Locks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: make(map[string]*sync.Mutex)}
}

// Get returns the mutex owning chatID, creating it on first use.
func (l *Locks) Get(chatID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.m[chatID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[chatID] = mu
	}
	return mu
}
