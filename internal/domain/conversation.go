package domain

import (
	"time"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Participant is a member reference carried on conversations.
type Participant struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// MessageSummary is the denormalized last-message preview used by the sidebar.
// It may lag the true last message briefly.
type MessageSummary struct {
	Preview    string    `json:"preview"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *MessageSummary  `json:"last_message,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// OtherParticipant returns the participant of a direct conversation who is not self.
func (c *Conversation) OtherParticipant(selfID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return Participant{}, false
}

// Participant looks up a member by id.
func (c *Conversation) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// DisplayName is the group name, or the other participant's name for direct conversations.
func (c *Conversation) DisplayName(selfID string) string {
	if c.Kind == ConversationGroup {
		return c.Name
	}
	if other, ok := c.OtherParticipant(selfID); ok {
		return other.DisplayName
	}
	return c.Name
}

// Clone returns a deep copy so callers outside the sync loop can't alias state.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// UniqueParticipants drops repeated participant ids, keeping the first occurrence.
func UniqueParticipants(ps []Participant) []Participant {
	seen := make(map[string]struct{}, len(ps))
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
