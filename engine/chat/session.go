// Package chat keeps the per-vehicle maintenance chat transcript.
package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/fn"
)

// ErrOutOfOrder rejects a turn whose explicit timestamp is not after the last turn.
var ErrOutOfOrder = errors.New("chat: turn out of order")

// Session is an append-only transcript per vehicle. Timestamps within a
// vehicle's transcript are strictly increasing. Safe for concurrent use.
type Session struct {
	mu    sync.Mutex
	turns map[string][]domain.ChatTurn
	now   func() time.Time
}

// NewSession creates an empty Session.
func NewSession() *Session {
	return &Session{turns: make(map[string][]domain.ChatTurn), now: time.Now}
}

// Append adds one turn. A zero timestamp is stamped by the session clock and
// bumped past the previous turn if needed; an explicit timestamp that does not
// follow the previous turn returns ErrOutOfOrder.
func (s *Session) Append(vehicleID string, turn domain.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(vehicleID, turn)
}

// AppendExchange adds a user turn and its assistant reply as one step. Either
// both are appended or neither is.
func (s *Session) AppendExchange(vehicleID string, user, assistant domain.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.turns[vehicleID])
	if err := s.appendLocked(vehicleID, user); err != nil {
		return err
	}
	if err := s.appendLocked(vehicleID, assistant); err != nil {
		s.turns[vehicleID] = s.turns[vehicleID][:before]
		return err
	}
	return nil
}

func (s *Session) appendLocked(vehicleID string, turn domain.ChatTurn) error {
	if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
		return fmt.Errorf("chat: append: unknown role %q", turn.Role)
	}
	turns := s.turns[vehicleID]
	var last time.Time
	if n := len(turns); n > 0 {
		last = turns[n-1].Timestamp
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now().UTC()
		if !turn.Timestamp.After(last) {
			turn.Timestamp = last.Add(time.Nanosecond)
		}
	} else if !turn.Timestamp.After(last) {
		return fmt.Errorf("%w: %s is not after %s", ErrOutOfOrder,
			turn.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}

	s.turns[vehicleID] = append(turns, turn)
	return nil
}

// TurnsFor returns a copy of the vehicle's transcript in order.
func (s *Session) TurnsFor(vehicleID string) []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[vehicleID]
	return fn.Last(turns, len(turns))
}

// Recent returns the last n turns in chronological order.
func (s *Session) Recent(vehicleID string, n int) []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn.Last(s.turns[vehicleID], n)
}

// Reset drops the vehicle's transcript.
func (s *Session) Reset(vehicleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, vehicleID)
}
