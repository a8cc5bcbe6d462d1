// Package unread tracks which conversations hold messages the user hasn't seen.
//
// A Tracker is not safe for concurrent use; it is owned by the sync loop.
package unread

import "sort"

type Tracker struct {
	// conversation id -> unseen message ids, in arrival order
	unseen map[string][]string
}

func New() *Tracker {
	return &Tracker{unseen: make(map[string][]string)}
}

// Mark records an unseen message. Marking the same message twice is a no-op.
func (t *Tracker) Mark(conversationID, messageID string) {
	if conversationID == "" {
		return
	}
	ids := t.unseen[conversationID]
	if messageID != "" {
		for _, id := range ids {
			if id == messageID {
				return
			}
		}
		ids = append(ids, messageID)
	}
	if ids == nil {
		ids = []string{}
	}
	t.unseen[conversationID] = ids
}

// Clear removes the conversation. It reports whether it was unread.
func (t *Tracker) Clear(conversationID string) bool {
	if _, ok := t.unseen[conversationID]; !ok {
		return false
	}
	delete(t.unseen, conversationID)
	return true
}

func (t *Tracker) ClearAll() {
	t.unseen = make(map[string][]string)
}

// Count is the badge number: conversations, not messages.
func (t *Tracker) Count() int {
	return len(t.unseen)
}

func (t *Tracker) IsUnread(conversationID string) bool {
	_, ok := t.unseen[conversationID]
	return ok
}

// Messages returns how many unseen messages a conversation holds.
func (t *Tracker) Messages(conversationID string) int {
	return len(t.unseen[conversationID])
}

// IDs returns the unread conversation ids, sorted.
func (t *Tracker) IDs() []string {
	out := make([]string, 0, len(t.unseen))
	for id := range t.unseen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
