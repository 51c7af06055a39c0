// Package conversation holds the message sequence for the currently
// selected correspondent. The server is the only source of truth: history
// loads replace the sequence wholesale, live events append, and a message
// the operator sends appears only once the server echoes it back.
package conversation

import (
	"sync"
	"time"

	"dmchat/internal/identity"
)

// Message is one displayed chat message. CreatedAt is set only on
// history-sourced messages; live events do not carry a timestamp.
// SenderHandle is empty on self-originated messages (the UI renders a
// fixed label for those).
type Message struct {
	ID           identity.ID
	SenderID     identity.ID
	ReceiverID   identity.ID
	Text         string
	CreatedAt    time.Time
	FromSelf     bool
	SenderHandle string
}

// Store is the ordered, deduplicated message sequence for one
// correspondent. Order is arrival order: history order on Replace, then
// append order for live events. Messages are never re-sorted.
type Store struct {
	mu            sync.Mutex
	self          identity.ID
	correspondent identity.ID
	msgs          []Message
	seen          map[identity.ID]struct{}
}

func NewStore(self identity.ID) *Store {
	return &Store{
		self: self,
		seen: make(map[identity.ID]struct{}),
	}
}

// SetCorrespondent selects the conversation partner and clears the
// sequence. The clear happens before any history for the new partner can
// arrive, so a stale conversation is never shown under a new name.
func (s *Store) SetCorrespondent(id identity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correspondent = id
	s.reset()
}

// Correspondent returns the currently selected partner id, or the zero id.
func (s *Store) Correspondent() identity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correspondent
}

// Replace swaps the whole sequence for a freshly fetched history. FromSelf
// is recomputed here against the authenticated identity, and SenderHandle
// is blanked on self-originated messages.
func (s *Store) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	for _, m := range msgs {
		s.insert(m)
	}
}

// Append adds one live message. It reports false when the message was
// dropped: duplicate id (transport redelivery), no correspondent selected,
// or a message that does not belong to the selected conversation.
func (s *Store) Append(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.correspondent.IsZero() {
		return false
	}
	if !s.involvesCorrespondent(m) {
		return false
	}
	return s.insert(m)
}

// All returns a copy of the sequence in arrival order.
func (s *Store) All() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Clear empties the sequence without changing the selected correspondent.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Store) reset() {
	s.msgs = s.msgs[:0]
	s.seen = make(map[identity.ID]struct{})
}

// involvesCorrespondent accepts exactly the two directions of the selected
// conversation. Live traffic between the operator and a third party is
// dropped while a different conversation is on screen.
func (s *Store) involvesCorrespondent(m Message) bool {
	if m.SenderID.Equal(s.self) && m.ReceiverID.Equal(s.correspondent) {
		return true
	}
	if m.SenderID.Equal(s.correspondent) && m.ReceiverID.Equal(s.self) {
		return true
	}
	return false
}

func (s *Store) insert(m Message) bool {
	if !m.ID.IsZero() {
		if _, dup := s.seen[m.ID]; dup {
			return false
		}
		s.seen[m.ID] = struct{}{}
	}
	m.FromSelf = m.SenderID.Equal(s.self)
	if m.FromSelf {
		m.SenderHandle = ""
	}
	s.msgs = append(s.msgs, m)
	return true
}
