// Package ws is the client side of the chat push channel: one websocket
// connection per identity, a handler registry for server events and automatic
// reconnection with conversation re-subscription.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vedran77/chatsync/internal/auth"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/retry"
)

const (
	writeWait      = 10 * time.Second
	dialTimeout    = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 16
	sendBufSize    = 256
)

var (
	ErrChannelUnavailable = errors.New("session channel unavailable")
	ErrSendQueueFull      = errors.New("session send queue full")
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Handler receives one event. Handlers run one at a time on the session's
// read goroutine, in arrival order.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription uint64

type Options struct {
	// URL of the websocket endpoint, e.g. wss://chat.example.com/ws.
	URL          string
	Reconnect    bool
	Backoff      retry.Config
	PingInterval time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type handlerEntry struct {
	id Subscription
	fn Handler
}

// Session owns the push channel of one identity.
type Session struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	cancel   context.CancelFunc
	handlers map[string][]handlerEntry
	nextSub  Subscription
	// joins are replayed after every reconnect
	joins map[string]struct{}
}

func NewSession(opts Options) *Session {
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff = retry.DefaultConfig()
	}
	return &Session{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "ws").Logger(),
		handlers: make(map[string][]handlerEntry),
		joins:    make(map[string]struct{}),
	}
}

// Open connects with the given credential. Without a credential it returns
// ErrChannelUnavailable and does not dial; callers treat that as non-fatal.
func (s *Session) Open(ctx context.Context, credential string) error {
	identity, err := auth.ParseIdentity(credential)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	s.mu.Lock()
	if s.state != StateClosed {
		if s.identity.UserID == identity.UserID {
			s.mu.Unlock()
			return nil
		}
		previous := s.identity.UserID
		s.mu.Unlock()

		// a new identity never inherits the old socket, handlers or joins
		s.logger.Info().Str("previous_user_id", previous).Str("user_id", identity.UserID).Msg("identity changed, closing session")
		s.Close()
		s.mu.Lock()
		if s.state != StateClosed {
			s.mu.Unlock()
			return fmt.Errorf("opening session: %w", ErrChannelUnavailable)
		}
	}
	s.identity = identity
	s.state = StateConnecting
	lifetime, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	conn, err := s.dial(ctx, identity.Token)
	if err != nil {
		s.mu.Lock()
		if lifetime.Err() == nil {
			s.state = StateClosed
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("opening session: %w", err)
	}

	if !s.start(lifetime, conn, false) {
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return fmt.Errorf("opening session: closed while dialing: %w", ErrChannelUnavailable)
	}
	s.logger.Info().Str("user_id", identity.UserID).Msg("session connected")
	return nil
}

func (s *Session) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing ws url: %w", err)
	}

	// browsers can't set headers on the upgrade, so servers take ?token=
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", s.opts.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// start wires a fresh connection: joins are queued first so the server
// re-subscribes before any handler sees session.connected. It reports false
// when the session was closed in the meantime.
func (s *Session) start(lifetime context.Context, conn *websocket.Conn, reconnect bool) bool {
	send := make(chan []byte, sendBufSize)

	s.mu.Lock()
	if lifetime.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.send = send
	s.state = StateOpen
	for id := range s.joins {
		s.enqueueLocked(EventTypeConversationSubscribe, id, ConversationPayload{ConversationID: id})
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go s.writePump(lifetime, conn, send, done)
	go s.readPump(lifetime, conn, done, reconnect)
	return true
}

func (s *Session) readPump(lifetime context.Context, conn *websocket.Conn, done chan struct{}, reconnect bool) {
	s.dispatchLocal(EventTypeConnected, ConnectedPayload{Reconnect: reconnect})

	var reason string
	for {
		var event Event
		err := wsjson.Read(lifetime, conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				reason = "closed by server"
			} else {
				reason = err.Error()
			}
			break
		}
		s.opts.Metrics.Event(event.Type)
		s.dispatch(event)
	}

	close(done)
	conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.send = nil
		s.state = StateClosed
	}
	s.mu.Unlock()

	if lifetime.Err() != nil {
		return
	}

	s.logger.Warn().Str("reason", reason).Msg("session disconnected")
	s.dispatchLocal(EventTypeDisconnected, DisconnectedPayload{Reason: reason})

	if s.opts.Reconnect {
		s.reconnect(lifetime)
	}
}

func (s *Session) writePump(lifetime context.Context, conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-send:
			ctx, cancel := context.WithTimeout(lifetime, writeWait)
			err := conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("write failed, closing connection")
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(lifetime, writeWait)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("ping failed, closing connection")
				conn.Close(websocket.StatusInternalError, "ping failed")
				return
			}

		case <-done:
			return
		}
	}
}

// reconnect runs on the read goroutine of the dropped connection, so handler
// dispatch stays serialized across connections.
func (s *Session) reconnect(lifetime context.Context) {
	s.mu.Lock()
	if lifetime.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	token := s.identity.Token
	s.mu.Unlock()

	var conn *websocket.Conn
	result := retry.Do(lifetime, s.opts.Backoff, func(ctx context.Context) error {
		c, err := s.dial(ctx, token)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, s.logger)

	if !result.Success {
		s.mu.Lock()
		if lifetime.Err() == nil && s.state == StateConnecting {
			s.state = StateClosed
		}
		s.mu.Unlock()
		if lifetime.Err() == nil {
			s.logger.Error().Err(result.LastError).Int("attempts", result.Attempts).Msg("giving up reconnecting")
		}
		return
	}

	if !s.start(lifetime, conn, true) {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.opts.Metrics.Reconnect()
	s.logger.Info().Int("attempts", result.Attempts).Dur("took", result.TotalDuration).Msg("session reconnected")
}

// On registers handler for eventType.
func (s *Session) On(eventType string, handler Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	s.handlers[eventType] = append(s.handlers[eventType], handlerEntry{id: s.nextSub, fn: handler})
	return s.nextSub
}

func (s *Session) Off(eventType string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.handlers[eventType]
	for i, e := range entries {
		if e.id == sub {
			s.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.handlers[eventType]) == 0 {
		delete(s.handlers, eventType)
	}
}

// Emit queues an event for the server. There is no acknowledgement; the
// event may be lost if the connection drops before it is written.
func (s *Session) Emit(eventType string, payload any) error {
	conversationID := ""
	if p, ok := payload.(SendGroupPayload); ok {
		conversationID = p.ConversationID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrChannelUnavailable
	}
	return s.enqueueLocked(eventType, conversationID, payload)
}

func (s *Session) enqueueLocked(eventType, conversationID string, payload any) error {
	event, err := NewEvent(eventType, conversationID, payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", eventType, err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", eventType, err)
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Join subscribes to a conversation's events. The subscription survives
// reconnects until Leave or Close.
func (s *Session) Join(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joins[conversationID]; ok {
		return
	}
	s.joins[conversationID] = struct{}{}
	if s.state == StateOpen {
		if err := s.enqueueLocked(EventTypeConversationSubscribe, conversationID, ConversationPayload{ConversationID: conversationID}); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("join not sent")
		}
	}
}

func (s *Session) Leave(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joins[conversationID]; !ok {
		return
	}
	delete(s.joins, conversationID)
	if s.state == StateOpen {
		if err := s.enqueueLocked(EventTypeConversationUnsubscribe, conversationID, ConversationPayload{ConversationID: conversationID}); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("leave not sent")
		}
	}
}

// Joined returns the remembered subscriptions.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joins))
	for id := range s.joins {
		out = append(out, id)
	}
	return out
}

// Close stops reconnecting, closes the socket and drops every handler and
// every join. The session can be opened again afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	// cancelled under the lock so a dial in flight can't start afterwards
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.send = nil
	s.state = StateClosed
	s.handlers = make(map[string][]handlerEntry)
	s.joins = make(map[string]struct{})
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity is the participant the session was opened for.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) dispatchLocal(eventType string, payload any) {
	event, err := NewEvent(eventType, "", payload)
	if err != nil {
		return
	}
	s.dispatch(*event)
}

func (s *Session) dispatch(event Event) {
	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.handlers[event.Type]...)
	s.mu.Unlock()

	for _, e := range entries {
		e.fn(event)
	}
}
