package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/transport/ws"
)

var (
	ErrNoReceiver     = errors.New("direct conversation has no other participant")
	ErrInvalidContent = errors.New("invalid message content")
)

// Channel is the push channel the services talk through. *ws.Session implements it.
type Channel interface {
	On(eventType string, handler ws.Handler) ws.Subscription
	Off(eventType string, sub ws.Subscription)
	Emit(eventType string, payload any) error
	Join(conversationID string)
	Leave(conversationID string)
	State() ws.State
}

var _ Channel = (*ws.Session)(nil)

const (
	routeDirect = "direct"
	routeGroup  = "group"
)

// SendService builds optimistic messages, routes them to the right server
// event and watches for their confirmation.
type SendService struct {
	channel        Channel
	selfID         string
	confirmTimeout time.Duration
	clock          func() time.Time
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	onOrphan       func(clientID string)

	mu      sync.Mutex
	pending map[string]*pendingSend
}

type pendingSend struct {
	timer *time.Timer
}

func NewSendService(channel Channel, selfID string, confirmTimeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *SendService {
	return &SendService{
		channel:        channel,
		selfID:         selfID,
		confirmTimeout: confirmTimeout,
		clock:          time.Now,
		logger:         logger.With().Str("component", "send").Logger(),
		metrics:        m,
		pending:        make(map[string]*pendingSend),
	}
}

// SetOrphanHandler sets the callback run when a dispatched message isn't
// confirmed within the confirm timeout. It runs on a timer goroutine.
func (s *SendService) SetOrphanHandler(fn func(clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrphan = fn
}

// Compose builds the optimistic local copy of a message.
func (s *SendService) Compose(conv domain.Conversation, kind domain.MessageKind, content string, att *domain.Attachment) domain.Message {
	return domain.Message{
		ID:             domain.NewTemporaryID(),
		ClientID:       uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       s.selfID,
		Kind:           kind,
		Content:        content,
		Attachment:     att,
		CreatedAt:      s.clock(),
		State:          domain.StatePending,
	}
}

// Route picks the event and payload for msg. It is resolved from the
// conversation every time and never cached.
func (s *SendService) Route(conv domain.Conversation, msg domain.Message) (string, any, error) {
	switch conv.Kind {
	case domain.ConversationDirect:
		other, ok := conv.OtherParticipant(s.selfID)
		if !ok {
			return "", nil, ErrNoReceiver
		}
		return ws.EventTypeSendDirect, ws.SendDirectPayload{
			ReceiverID: other.ID,
			Content:    msg.Content,
			Kind:       msg.Kind,
			Attachment: msg.Attachment,
			ClientID:   msg.ClientID,
		}, nil

	case domain.ConversationGroup:
		return ws.EventTypeSendGroup, ws.SendGroupPayload{
			ConversationID: conv.ID,
			Content:        msg.Content,
			Kind:           msg.Kind,
			Attachment:     msg.Attachment,
			ClientID:       msg.ClientID,
		}, nil
	}
	return "", nil, fmt.Errorf("routing message: unknown conversation kind %q", conv.Kind)
}

// Dispatch emits msg and arms its confirmation timer.
func (s *SendService) Dispatch(conv domain.Conversation, msg domain.Message) error {
	eventType, payload, err := s.Route(conv, msg)
	if err != nil {
		return err
	}

	if err := s.channel.Emit(eventType, payload); err != nil {
		s.metrics.SendFailure("channel")
		return fmt.Errorf("sending message %s: %w", msg.ClientID, err)
	}

	route := routeGroup
	if eventType == ws.EventTypeSendDirect {
		route = routeDirect
	}
	s.metrics.Send(route)
	s.arm(msg.ClientID)

	s.logger.Debug().
		Str("client_id", msg.ClientID).
		Str("conversation_id", conv.ID).
		Str("route", route).
		Msg("message dispatched")
	return nil
}

// Confirm disarms the timer of a confirmed message. It reports whether the
// message was still awaiting confirmation.
func (s *SendService) Confirm(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, clientID)
	return true
}

// Pending returns the number of messages awaiting confirmation.
func (s *SendService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop disarms every timer.
func (s *SendService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *SendService) arm(clientID string) {
	if s.confirmTimeout <= 0 || clientID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[clientID]; ok {
		p.timer.Stop()
	}
	p := &pendingSend{}
	p.timer = time.AfterFunc(s.confirmTimeout, func() {
		s.expire(clientID, p)
	})
	s.pending[clientID] = p
}

// expire ignores timers that were re-armed or confirmed after firing.
func (s *SendService) expire(clientID string, p *pendingSend) {
	s.mu.Lock()
	if s.pending[clientID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, clientID)
	fn := s.onOrphan
	s.mu.Unlock()

	s.metrics.SendFailure("timeout")
	s.logger.Warn().Str("client_id", clientID).Dur("timeout", s.confirmTimeout).Msg("message not confirmed, flagging as failed")
	if fn != nil {
		fn(clientID)
	}
}
