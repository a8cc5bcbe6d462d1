package domain

import (
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageVideo MessageKind = "video"
	MessageFile  MessageKind = "file"
)

// DeliveryState is tracked client-side only.
type DeliveryState string

const (
	StateUploading DeliveryState = "uploading"
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

const tempIDPrefix = "tmp-"

type Attachment struct {
	URL          string `json:"url"`
	ResourceKind string `json:"resource_kind"`
	Size         int64  `json:"size"`
	FileName     string `json:"file_name,omitempty"`
}

type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"client_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Seq            uint64      `json:"seq,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`

	State DeliveryState `json:"-"`
}

// UploadFile is a binary payload handed to the attachment uploader.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// NewTemporaryID returns a local id used until the server confirms a message.
func NewTemporaryID() string {
	return tempIDPrefix + uuid.NewString()
}

func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// IsLocal reports whether the message hasn't been confirmed by the server yet.
func (m *Message) IsLocal() bool {
	return m.State == StateUploading || m.State == StatePending || m.State == StateFailed
}

// Preview is the sidebar text for a message.
func (m *Message) Preview() string {
	switch m.Kind {
	case MessageText:
		return m.Content
	case MessageImage:
		return "[image] " + m.Content
	case MessageVideo:
		return "[video] " + m.Content
	default:
		return "[file] " + m.Content
	}
}

// KindForContentType maps a MIME type to the message kind used for the attachment.
func KindForContentType(contentType string) MessageKind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return MessageImage
	case strings.HasPrefix(contentType, "video/"):
		return MessageVideo
	default:
		return MessageFile
	}
}
