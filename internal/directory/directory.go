// Package directory keeps the ordered set of conversations shown in the sidebar.
//
// A Directory is not safe for concurrent use; it is owned by the sync loop.
package directory

import (
	"sort"

	"github.com/vedran77/chatsync/internal/domain"
)

type Directory struct {
	convs []domain.Conversation
}

func New() *Directory {
	return &Directory{}
}

// Replace swaps in a full snapshot from the history client.
func (d *Directory) Replace(convs []domain.Conversation) {
	d.convs = make([]domain.Conversation, 0, len(convs))
	seen := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		c = c.Clone()
		c.Participants = domain.UniqueParticipants(c.Participants)
		d.convs = append(d.convs, c)
	}
	d.sort()
}

// Upsert inserts or replaces one complete conversation.
func (d *Directory) Upsert(conv domain.Conversation) {
	conv = conv.Clone()
	conv.Participants = domain.UniqueParticipants(conv.Participants)
	if i := d.index(conv.ID); i >= 0 {
		d.convs[i] = conv
	} else {
		d.convs = append(d.convs, conv)
	}
	d.sort()
}

// ApplyIncoming updates the preview and recency of the message's conversation.
// It returns false when the conversation is unknown, leaving the directory
// untouched: callers refresh rather than guess participant data.
func (d *Directory) ApplyIncoming(msg domain.Message) bool {
	i := d.index(msg.ConversationID)
	if i < 0 {
		return false
	}

	conv := &d.convs[i]
	if msg.CreatedAt.Before(conv.UpdatedAt) {
		return true
	}

	senderName := msg.SenderID
	if p, ok := conv.Participant(msg.SenderID); ok {
		senderName = p.DisplayName
	}
	conv.LastMessage = &domain.MessageSummary{
		Preview:    msg.Preview(),
		SenderName: senderName,
		CreatedAt:  msg.CreatedAt,
	}
	conv.UpdatedAt = msg.CreatedAt
	d.sort()
	return true
}

func (d *Directory) Get(id string) (domain.Conversation, bool) {
	if i := d.index(id); i >= 0 {
		return d.convs[i].Clone(), true
	}
	return domain.Conversation{}, false
}

func (d *Directory) Has(id string) bool {
	return d.index(id) >= 0
}

// List returns the conversations ordered by most recent activity.
func (d *Directory) List() []domain.Conversation {
	out := make([]domain.Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = c.Clone()
	}
	return out
}

func (d *Directory) Len() int {
	return len(d.convs)
}

// sort orders by UpdatedAt descending; equal timestamps fall back to id so
// that the same snapshot always yields the same order.
func (d *Directory) sort() {
	sort.SliceStable(d.convs, func(i, j int) bool {
		a, b := d.convs[i], d.convs[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

func (d *Directory) index(id string) int {
	for i := range d.convs {
		if d.convs[i].ID == id {
			return i
		}
	}
	return -1
}
