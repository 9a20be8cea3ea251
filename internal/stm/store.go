// Package stm holds the volatile short-term memory: a per-session ordered
// buffer of conversation turns, reset on process restart.
package stm

import (
	"context"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is a single conversational turn. Turns are never mutated after
// insertion.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

type sessionBuffer struct {
	turns      []Turn
	lastActive time.Time
}

// Store keeps an ordered turn buffer per session id.
//
// The original design grew buffers without bound; this store caps each
// session at maxTurns (dropping the oldest) and expires idle sessions via
// a janitor, so a long-running process does not leak abandoned sessions.
type Store struct {
	mu         sync.RWMutex
	bySession  map[string]*sessionBuffer
	maxTurns   int
	idleExpiry time.Duration
}

// NewStore creates a Store. maxTurns <= 0 disables the per-session cap,
// idleExpiry <= 0 disables janitor expiry.
func NewStore(maxTurns int, idleExpiry time.Duration) *Store {
	return &Store{
		bySession:  make(map[string]*sessionBuffer),
		maxTurns:   maxTurns,
		idleExpiry: idleExpiry,
	}
}

// AppendTurn records one turn. No-op when sessionID or text is empty.
func (s *Store) AppendTurn(sessionID string, role Role, text string) {
	text = strings.TrimSpace(text)
	if sessionID == "" || text == "" {
		return
	}
	if role == "" {
		role = RoleUser
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.bySession[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		s.bySession[sessionID] = buf
	}
	buf.turns = append(buf.turns, Turn{Role: role, Text: text, Timestamp: now})
	if s.maxTurns > 0 && len(buf.turns) > s.maxTurns {
		buf.turns = append(buf.turns[:0:0], buf.turns[len(buf.turns)-s.maxTurns:]...)
	}
	buf.lastActive = now
}

// Context returns the last maxTurns turns of a session as an independent
// copy (all turns when maxTurns <= 0).
func (s *Store) Context(sessionID string, maxTurns int) []Turn {
	if sessionID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	turns := buf.turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Clear drops one session's buffer.
func (s *Store) Clear(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySession, sessionID)
}

// ClearAll drops every buffer.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession = make(map[string]*sessionBuffer)
}

// SessionCount reports how many sessions currently hold turns.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}

// StartJanitor periodically expires sessions idle longer than the
// configured expiry. No-op goroutine when expiry is disabled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.idleExpiry <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireIdle()
			}
		}
	}()
}

func (s *Store) expireIdle() {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, buf := range s.bySession {
		if now.Sub(buf.lastActive) >= s.idleExpiry {
			delete(s.bySession, id)
		}
	}
}
