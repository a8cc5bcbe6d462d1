// Package timeline keeps the ordered message log of the active conversation.
//
// A Store is not safe for concurrent use; it is owned by the sync loop.
package timeline

import (
	"github.com/vedran77/chatsync/internal/domain"
)

type AppendResult int

const (
	// Appended means the message was added after the last confirmed message.
	Appended AppendResult = iota
	// Reconciled means the message replaced its optimistic local entry.
	Reconciled
	// Duplicate means the message was already present and was dropped.
	Duplicate
	// Inactive means the message belongs to another conversation and was not stored.
	Inactive
	// Reordered means the message arrived late and was inserted at its sequence slot.
	Reordered
)

func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	case Inactive:
		return "inactive"
	case Reordered:
		return "reordered"
	}
	return "unknown"
}

// Outcome describes what Append did. Gap is set when the message's sequence
// number skipped ahead, meaning at least one delivery was missed.
type Outcome struct {
	Result AppendResult
	Gap    bool
}

// Store holds confirmed messages first, ordered by server sequence (arrival
// order when the server sent none), followed by local entries that are still
// uploading, pending or failed, in submit order.
type Store struct {
	conversationID string
	messages       []domain.Message
	nextPage       int
	hasMore        bool
	lastSeq        uint64
	loaded         bool
}

func New() *Store {
	return &Store{nextPage: 1}
}

// Reset empties the store for a conversation whose first page is still loading.
func (s *Store) Reset(conversationID string) {
	s.conversationID = conversationID
	s.messages = nil
	s.nextPage = 1
	s.hasMore = false
	s.lastSeq = 0
	s.loaded = false
}

// Load replaces the timeline with the first history page. The page arrives
// newest-first and is stored oldest-first. Entries already held for the same
// conversation (live deliveries received while the page was in flight and
// local optimistic messages) are merged back instead of being lost.
func (s *Store) Load(conversationID string, newestFirst []domain.Message, hasMore bool) {
	var carried []domain.Message
	if s.conversationID == conversationID {
		carried = s.messages
	}

	s.Reset(conversationID)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		msg := newestFirst[i]
		if msg.ConversationID != conversationID {
			continue
		}
		if s.indexByID(msg.ID) >= 0 {
			continue
		}
		msg.State = domain.StateConfirmed
		s.messages = append(s.messages, msg)
		if msg.Seq > s.lastSeq {
			s.lastSeq = msg.Seq
		}
	}

	for _, msg := range carried {
		if msg.IsLocal() {
			if msg.ClientID != "" && s.indexByClientID(msg.ClientID) >= 0 {
				continue
			}
			s.messages = append(s.messages, msg)
			continue
		}
		s.Append(msg)
	}

	s.nextPage = 2
	s.hasMore = hasMore
	s.loaded = true
}

// PrependOlder adds the next (older) history page in front of the timeline.
func (s *Store) PrependOlder(newestFirst []domain.Message, hasMore bool) {
	older := make([]domain.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		msg := newestFirst[i]
		if msg.ConversationID != s.conversationID || s.indexByID(msg.ID) >= 0 {
			continue
		}
		msg.State = domain.StateConfirmed
		older = append(older, msg)
		if msg.Seq > s.lastSeq {
			s.lastSeq = msg.Seq
		}
	}

	s.messages = append(older, s.messages...)
	s.nextPage++
	s.hasMore = hasMore
}

// Append merges a server-confirmed message.
func (s *Store) Append(msg domain.Message) Outcome {
	if s.conversationID == "" || msg.ConversationID != s.conversationID {
		return Outcome{Result: Inactive}
	}
	msg.State = domain.StateConfirmed

	if s.indexByID(msg.ID) >= 0 || s.hasConfirmedSeq(msg.Seq) {
		return Outcome{Result: Duplicate}
	}

	result := Appended
	if msg.ClientID != "" {
		if i := s.indexByClientID(msg.ClientID); i >= 0 {
			if !s.messages[i].IsLocal() {
				return Outcome{Result: Duplicate}
			}
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			result = Reconciled
		}
	}

	gap := msg.Seq > 0 && s.lastSeq > 0 && msg.Seq > s.lastSeq+1

	pos := s.confirmedLen()
	if msg.Seq > 0 && msg.Seq < s.lastSeq {
		for pos > 0 && (s.messages[pos-1].Seq == 0 || s.messages[pos-1].Seq > msg.Seq) {
			pos--
		}
		if result == Appended {
			result = Reordered
		}
	}
	s.insert(pos, msg)

	if msg.Seq > s.lastSeq {
		s.lastSeq = msg.Seq
	}
	return Outcome{Result: result, Gap: gap}
}

// AppendLocal shows an optimistic message at the tail. It returns false when
// the message doesn't belong to the loaded conversation.
func (s *Store) AppendLocal(msg domain.Message) bool {
	if s.conversationID == "" || msg.ConversationID != s.conversationID {
		return false
	}
	if msg.State == "" || msg.State == domain.StateConfirmed {
		msg.State = domain.StatePending
	}
	s.messages = append(s.messages, msg)
	return true
}

// Update applies fn to the local entry with the given idempotency key.
func (s *Store) Update(clientID string, fn func(*domain.Message)) bool {
	i := s.indexByClientID(clientID)
	if i < 0 || !s.messages[i].IsLocal() {
		return false
	}
	fn(&s.messages[i])
	return true
}

// MarkFailed flags an orphaned local message. It stays visible.
func (s *Store) MarkFailed(clientID string) bool {
	return s.Update(clientID, func(m *domain.Message) {
		m.State = domain.StateFailed
	})
}

// Find returns the message carrying the idempotency key.
func (s *Store) Find(clientID string) (domain.Message, bool) {
	if i := s.indexByClientID(clientID); i >= 0 {
		return s.messages[i], true
	}
	return domain.Message{}, false
}

func (s *Store) Messages() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int               { return len(s.messages) }
func (s *Store) ConversationID() string { return s.conversationID }
func (s *Store) Loaded() bool           { return s.loaded }
func (s *Store) NextPage() int          { return s.nextPage }
func (s *Store) HasMore() bool          { return s.hasMore }
func (s *Store) LastSeq() uint64        { return s.lastSeq }

func (s *Store) confirmedLen() int {
	n := len(s.messages)
	for n > 0 && s.messages[n-1].IsLocal() {
		n--
	}
	return n
}

func (s *Store) insert(pos int, msg domain.Message) {
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = msg
}

func (s *Store) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *Store) hasConfirmedSeq(seq uint64) bool {
	if seq == 0 {
		return false
	}
	for i := range s.messages {
		if !s.messages[i].IsLocal() && s.messages[i].Seq == seq {
			return true
		}
	}
	return false
}
