// Package rest implements the history and attachment repositories over the
// chat backend's HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/repository"
)

const defaultTimeout = 15 * time.Second

// Client talks to /api/v1. The credential is sent as a bearer token.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "rest").Logger() }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimPrefix(token, "Bearer "),
		timeout: defaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

var (
	_ repository.HistoryRepository    = (*Client)(nil)
	_ repository.AttachmentRepository = (*Client)(nil)
)

func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var body struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, &body); err != nil {
		return nil, fmt.Errorf("listing conversations: %w: %w", repository.ErrHistoryFetchFailed, err)
	}
	return body.Conversations, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, page int) (*repository.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	path := fmt.Sprintf("/api/v1/conversations/%s/messages?page=%s",
		url.PathEscape(conversationID), strconv.Itoa(page))

	var out repository.MessagePage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("listing messages of %s (page %d): %w: %w",
			conversationID, page, repository.ErrHistoryFetchFailed, err)
	}
	for i := range out.Messages {
		if out.Messages[i].ConversationID == "" {
			out.Messages[i].ConversationID = conversationID
		}
		out.Messages[i].State = domain.StateConfirmed
	}
	return &out, nil
}

func (c *Client) FindOrCreateDirect(ctx context.Context, receiverID string) (*domain.Conversation, error) {
	req := struct {
		ReceiverID string `json:"receiver_id"`
	}{ReceiverID: receiverID}

	var conv domain.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/conversations/find-or-create", req, &conv); err != nil {
		return nil, fmt.Errorf("finding conversation with %s: %w: %w", receiverID, repository.ErrHistoryFetchFailed, err)
	}
	return &conv, nil
}

// Upload streams the file as multipart field "file" and returns the stored
// attachment descriptor.
func (c *Client) Upload(ctx context.Context, file domain.UploadFile) (*domain.Attachment, error) {
	if file.Body == nil {
		return nil, fmt.Errorf("uploading %s: %w: empty body", file.Name, repository.ErrUploadFailed)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w: %w", file.Name, repository.ErrUploadFailed, err)
	}
	if _, err := io.Copy(part, file.Body); err != nil {
		return nil, fmt.Errorf("uploading %s: %w: reading body: %w", file.Name, repository.ErrUploadFailed, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("uploading %s: %w: %w", file.Name, repository.ErrUploadFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/attachments", &buf)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w: %w", file.Name, repository.ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att domain.Attachment
	if err := c.do(req, &att); err != nil {
		return nil, fmt.Errorf("uploading %s: %w: %w", file.Name, repository.ErrUploadFailed, err)
	}
	if att.FileName == "" {
		att.FileName = file.Name
	}
	return &att, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("request failed")
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body struct {
		Error *repository.APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		body.Error.Status = resp.StatusCode
		return body.Error
	}
	return &repository.APIError{
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(data)),
	}
}
