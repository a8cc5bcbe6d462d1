// Package chattest runs an in-memory chat backend for tests: the REST API
// under /api/v1 and the push channel under /ws.
package chattest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/transport/ws"
)

const DefaultPageSize = 50

var (
	errConversationNotFound = errors.New("conversation not found")
	errNotParticipant       = errors.New("not a participant of this conversation")
	errUserNotFound         = errors.New("user not found")
	errCannotMessageSelf    = errors.New("cannot start a conversation with yourself")
)

type conversation struct {
	domain.Conversation
	// chronological
	messages []domain.Message
	seq      uint64
}

// Server is the fake backend. Test code seeds it with AddUser and
// AddConversation and drives it with Post and DropConnections.
type Server struct {
	URL    string
	WSURL  string
	Secret string

	// PageSize is the number of messages per history page.
	PageSize int

	srv    *httptest.Server
	hub    *hub
	logger zerolog.Logger

	mu        sync.Mutex
	users     map[string]domain.Participant
	convs     map[string]*conversation
	received  []ws.Event
	dropSends bool
	clock     time.Time
}

func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Secret:   "chattest-secret",
		PageSize: DefaultPageSize,
		logger:   zerolog.Nop(),
		users:    make(map[string]domain.Participant),
		convs:    make(map[string]*conversation),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s.hub = newHub(s.logger)
	go s.hub.run()

	auth := authMiddleware(s.Secret)

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/conversations", auth(http.HandlerFunc(s.listConversations)))
	mux.Handle("GET /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(s.listMessages)))
	mux.Handle("POST /api/v1/conversations/find-or-create", auth(http.HandlerFunc(s.findOrCreate)))
	mux.Handle("POST /api/v1/attachments", auth(http.HandlerFunc(s.upload)))
	mux.HandleFunc("GET /ws", s.serveWS)

	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"

	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	select {
	case <-s.hub.quit:
		return
	default:
	}
	close(s.hub.quit)
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// Token returns a valid credential for userID.
func (s *Server) Token(userID string) string {
	return Token(s.Secret, userID)
}

func (s *Server) AddUser(id, displayName string) domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := domain.Participant{ID: id, DisplayName: displayName}
	s.users[id] = p
	return p
}

// AddConversation stores conv; participants are registered as users.
func (s *Server) AddConversation(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range conv.Participants {
		if _, ok := s.users[p.ID]; !ok {
			s.users[p.ID] = p
		}
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = s.now()
	}
	s.convs[conv.ID] = &conversation{Conversation: conv.Clone()}
}

// Post stores a message from senderID and pushes it, as if another client sent it.
func (s *Server) Post(senderID, conversationID, content string) (domain.Message, error) {
	return s.deliver(senderID, conversationID, domain.MessageText, content, nil, "")
}

// Messages returns the stored history of a conversation, oldest first.
func (s *Server) Messages(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]domain.Message(nil), conv.messages...)
}

// Received returns every event clients sent, in arrival order.
func (s *Server) Received() []ws.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ws.Event(nil), s.received...)
}

// DropSends makes the server swallow message sends: nothing is stored or echoed.
func (s *Server) DropSends(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSends = drop
}

// DropConnections closes every websocket as a network failure would.
func (s *Server) DropConnections() {
	s.hub.dropAll()
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	var n int
	s.hub.do(func(clients map[*client]struct{}) {
		n = len(clients)
	})
	return n
}

// Subscribers returns how many connections are subscribed to a conversation.
func (s *Server) Subscribers(conversationID string) int {
	var n int
	s.hub.do(func(clients map[*client]struct{}) {
		for c := range clients {
			if c.isSubscribed(conversationID) {
				n++
			}
		}
	})
	return n
}

func (s *Server) record(event ws.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, event)
}

// now advances a fake clock one second per call. Callers hold s.mu.
func (s *Server) now() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Server) handleSend(senderID string, event *ws.Event) error {
	switch event.Type {
	case ws.EventTypeSendDirect:
		var p ws.SendDirectPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		conv, err := s.findOrCreateDirect(senderID, p.ReceiverID)
		if err != nil {
			return err
		}
		_, err = s.deliver(senderID, conv.ID, p.Kind, p.Content, p.Attachment, p.ClientID)
		return err

	case ws.EventTypeSendGroup:
		var p ws.SendGroupPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		_, err := s.deliver(senderID, p.ConversationID, p.Kind, p.Content, p.Attachment, p.ClientID)
		return err
	}
	return fmt.Errorf("unexpected event %s", event.Type)
}

func (s *Server) deliver(senderID, conversationID string, kind domain.MessageKind, content string, att *domain.Attachment, clientID string) (domain.Message, error) {
	s.mu.Lock()
	if s.dropSends && clientID != "" {
		s.mu.Unlock()
		return domain.Message{}, nil
	}
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return domain.Message{}, errConversationNotFound
	}
	sender, ok := conv.Participant(senderID)
	if !ok {
		s.mu.Unlock()
		return domain.Message{}, errNotParticipant
	}
	if kind == "" {
		kind = domain.MessageText
	}

	conv.seq++
	msg := domain.Message{
		ID:             "m-" + uuid.NewString(),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		Attachment:     att,
		Seq:            conv.seq,
		CreatedAt:      s.now(),
	}
	conv.messages = append(conv.messages, msg)
	conv.UpdatedAt = msg.CreatedAt
	conv.LastMessage = &domain.MessageSummary{
		Preview:    msg.Preview(),
		SenderName: sender.DisplayName,
		CreatedAt:  msg.CreatedAt,
	}

	participants := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		participants = append(participants, p.ID)
	}
	s.mu.Unlock()

	event, err := ws.NewEvent(ws.EventTypeMessageNew, conversationID, ws.MessagePayload{Message: msg})
	if err != nil {
		return domain.Message{}, err
	}
	notify, err := ws.NewEvent(ws.EventTypeMessageNotify, conversationID, ws.NotifyPayload{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		SenderID:       senderID,
		Preview:        msg.Preview(),
	})
	if err != nil {
		return domain.Message{}, err
	}
	s.hub.broadcastMessage(conversationID, participants, event, notify)
	return msg, nil
}

func (s *Server) findOrCreateDirect(userID, receiverID string) (domain.Conversation, error) {
	if userID == receiverID {
		return domain.Conversation{}, errCannotMessageSelf
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receiver, ok := s.users[receiverID]
	if !ok {
		return domain.Conversation{}, errUserNotFound
	}

	for _, conv := range s.convs {
		if conv.Kind != domain.ConversationDirect || len(conv.Participants) != 2 {
			continue
		}
		_, hasUser := conv.Participant(userID)
		_, hasReceiver := conv.Participant(receiverID)
		if hasUser && hasReceiver {
			return conv.Clone(), nil
		}
	}

	self, ok := s.users[userID]
	if !ok {
		self = domain.Participant{ID: userID, DisplayName: userID}
	}
	conv := &conversation{Conversation: domain.Conversation{
		ID:           "d-" + uuid.NewString(),
		Kind:         domain.ConversationDirect,
		Participants: []domain.Participant{self, receiver},
		UpdatedAt:    s.now(),
	}}
	s.convs[conv.ID] = conv
	return conv.Clone(), nil
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())

	s.mu.Lock()
	convs := []domain.Conversation{}
	for _, conv := range s.convs {
		if _, ok := conv.Participant(uid); ok {
			convs = append(convs, conv.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())
	id := r.PathValue("id")

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_PAGE", "page must be a positive integer")
			return
		}
		page = n
	}

	s.mu.Lock()
	conv, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
		return
	}
	if _, ok := conv.Participant(uid); !ok {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "FORBIDDEN", "You are not a participant of this conversation")
		return
	}

	size := s.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	// newest first
	end := len(conv.messages) - (page-1)*size
	start := end - size
	if start < 0 {
		start = 0
	}
	messages := []domain.Message{}
	for i := end - 1; i >= start; i-- {
		messages = append(messages, conv.messages[i])
	}
	hasMore := start > 0
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"has_more": hasMore,
	})
}

func (s *Server) findOrCreate(w http.ResponseWriter, r *http.Request) {
	uid := userID(r.Context())

	var input struct {
		ReceiverID string `json:"receiver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if input.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_RECEIVER_ID", "receiver_id is required")
		return
	}

	conv, err := s.findOrCreateDirect(uid, input.ReceiverID)
	if err != nil {
		switch {
		case errors.Is(err, errCannotMessageSelf):
			writeError(w, http.StatusBadRequest, "CANNOT_DM_SELF", "Cannot start a conversation with yourself")
		case errors.Is(err, errUserNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
		}
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "MISSING_FILE", "file is required")
		return
	}
	defer f.Close()

	n, err := io.Copy(io.Discard, f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FILE", "Could not read file")
		return
	}

	kind := domain.KindForContentType(hdr.Header.Get("Content-Type"))
	writeJSON(w, http.StatusCreated, domain.Attachment{
		URL:          s.URL + "/files/" + uuid.NewString() + "/" + hdr.Filename,
		ResourceKind: string(kind),
		Size:         n,
		FileName:     hdr.Filename,
	})
}

// serveWS authenticates via ?token= since websocket clients can't always set headers.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	uid, err := validateToken(tokenStr, s.Secret)
	if err != nil || uid == "" {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Debug().Err(err).Msg("accept error")
		return
	}

	c := newClient(s, conn, uid)
	select {
	case s.hub.register <- c:
	case <-s.hub.quit:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
