package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/vedran77/chatsync/internal/domain"
)

var (
	ErrHistoryFetchFailed = errors.New("history fetch failed")
	ErrUploadFailed       = errors.New("upload failed")
)

// MessagePage is one page of history, newest message first.
type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type HistoryRepository interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	// ListMessages returns the 1-based page of a conversation's history.
	ListMessages(ctx context.Context, conversationID string, page int) (*MessagePage, error)
	FindOrCreateDirect(ctx context.Context, receiverID string) (*domain.Conversation, error)
}

type AttachmentRepository interface {
	Upload(ctx context.Context, file domain.UploadFile) (*domain.Attachment, error)
}

// APIError is the error body returned by the chat backend:
// {"error": {"code": "...", "message": "..."}}.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %s (status %d): %s", e.Code, e.Status, e.Message)
}
