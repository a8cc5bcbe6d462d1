package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vedran77/chatsync/internal/directory"
	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/repository"
	"github.com/vedran77/chatsync/internal/timeline"
	"github.com/vedran77/chatsync/internal/transport/ws"
	"github.com/vedran77/chatsync/internal/unread"
	"github.com/vedran77/chatsync/pkg/validator"
)

var (
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrClosed               = errors.New("sync service closed")

	// ErrStaleResponse marks a history response that arrived after the user
	// switched conversations. It never reaches callers.
	ErrStaleResponse = errors.New("stale history response")
)

type ChangeKind int

const (
	ChangeConversations ChangeKind = iota
	ChangeTimeline
	ChangeUnread
	ChangeChannel
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeConversations:
		return "conversations"
	case ChangeTimeline:
		return "timeline"
	case ChangeUnread:
		return "unread"
	case ChangeChannel:
		return "channel"
	}
	return "unknown"
}

// Change tells observers which view to re-read.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// TimelineView is a snapshot of the active conversation.
type TimelineView struct {
	ConversationID string
	Messages       []domain.Message
	Loaded         bool
	HasMore        bool
}

type Options struct {
	FetchTimeout   time.Duration
	ConfirmTimeout time.Duration
	MaxUploadSize  int64
	// RefreshRate limits refreshes triggered by messages for unknown
	// conversations, in refreshes per second.
	RefreshRate  float64
	RefreshBurst int
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

const (
	taskBufSize   = 256
	changeBufSize = 64
)

// SyncService keeps the conversation directory, the active timeline and the
// unread set consistent with the server. Run owns all three; every other
// method posts work onto it.
type SyncService struct {
	channel     Channel
	history     repository.HistoryRepository
	attachments repository.AttachmentRepository
	sender      *SendService
	selfID      string
	opts        Options
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	// owned by Run
	directory    *directory.Directory
	timeline     *timeline.Store
	unread       *unread.Tracker
	active       string
	gen          uint64
	cancelFetch  context.CancelFunc
	olderSeq     uint64
	olderLoading uint64 // olderSeq of the in-flight LoadOlder, 0 if none
	refreshTimer *time.Timer

	tasks     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	refreshGroup singleflight.Group
	limiter      *rate.Limiter

	subsMu     sync.Mutex
	subs       map[chan Change]struct{}
	subsClosed bool

	channelSubs map[string]ws.Subscription
}

func NewSyncService(
	channel Channel,
	history repository.HistoryRepository,
	attachments repository.AttachmentRepository,
	selfID string,
	opts Options,
) *SyncService {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.RefreshRate <= 0 {
		opts.RefreshRate = 1
	}
	if opts.RefreshBurst <= 0 {
		opts.RefreshBurst = 1
	}

	s := &SyncService{
		channel:     channel,
		history:     history,
		attachments: attachments,
		selfID:      selfID,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "sync").Logger(),
		metrics:     opts.Metrics,
		directory:   directory.New(),
		timeline:    timeline.New(),
		unread:      unread.New(),
		tasks:       make(chan func(), taskBufSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(opts.RefreshRate), opts.RefreshBurst),
		subs:        make(map[chan Change]struct{}),
		channelSubs: make(map[string]ws.Subscription),
	}

	s.sender = NewSendService(channel, selfID, opts.ConfirmTimeout, opts.Logger, opts.Metrics)
	s.sender.SetOrphanHandler(func(clientID string) {
		s.post(func() { s.flagOrphan(clientID) })
	})

	s.channelSubs[ws.EventTypeMessageNew] = channel.On(ws.EventTypeMessageNew, func(e ws.Event) {
		s.post(func() { s.handleMessageNew(e) })
	})
	s.channelSubs[ws.EventTypeMessageNotify] = channel.On(ws.EventTypeMessageNotify, func(e ws.Event) {
		s.post(func() { s.handleNotify(e) })
	})
	s.channelSubs[ws.EventTypeConnected] = channel.On(ws.EventTypeConnected, func(e ws.Event) {
		s.post(func() { s.handleConnected(e) })
	})
	s.channelSubs[ws.EventTypeDisconnected] = channel.On(ws.EventTypeDisconnected, func(e ws.Event) {
		s.post(func() { s.notify(ChangeChannel, "") })
	})
	s.channelSubs[ws.EventTypeError] = channel.On(ws.EventTypeError, func(e ws.Event) {
		var p ws.ErrorPayload
		if err := e.Decode(&p); err == nil {
			s.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server reported an error")
		}
	})

	return s
}

// Sender exposes the send coordinator.
func (s *SyncService) Sender() *SendService {
	return s.sender
}

// Run processes tasks until ctx is done or Close is called.
func (s *SyncService) Run(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("sync service already running")
	}
	defer close(s.stopped)
	defer s.shutdown()

	for {
		select {
		case task := <-s.tasks:
			task()
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		}
	}
}

// Close stops Run and releases the channel handlers. It doesn't close the channel.
func (s *SyncService) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		for eventType, sub := range s.channelSubs {
			s.channel.Off(eventType, sub)
		}
	})
}

func (s *SyncService) shutdown() {
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.sender.Stop()

	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsClosed = true
	s.subsMu.Unlock()
}

// post queues fn without waiting. Used from channel handlers and timers.
func (s *SyncService) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.quit:
	case <-s.stopped:
	}
}

// call runs fn on the loop and waits for its result.
func (s *SyncService) call(ctx context.Context, fn func() error) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}

	errc := make(chan error, 1)
	task := func() { errc <- fn() }

	select {
	case s.tasks <- task:
	case <-s.quit:
		return ErrClosed
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe streams change notifications until cancel is called or the
// service stops. Slow readers miss notifications, never state: views are
// always re-read through the observables.
func (s *SyncService) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, changeBufSize)
	s.subsMu.Lock()
	if s.subsClosed {
		close(ch)
		s.subsMu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *SyncService) notify(kind ChangeKind, conversationID string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- Change{Kind: kind, ConversationID: conversationID}:
		default:
		}
	}
}

// --- observables ---

func (s *SyncService) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := s.call(ctx, func() error {
		out = s.directory.List()
		return nil
	})
	return out, err
}

func (s *SyncService) ActiveTimeline(ctx context.Context) (TimelineView, error) {
	var out TimelineView
	err := s.call(ctx, func() error {
		if s.active == "" {
			return nil
		}
		out = TimelineView{
			ConversationID: s.active,
			Messages:       s.timeline.Messages(),
			Loaded:         s.timeline.Loaded(),
			HasMore:        s.timeline.HasMore(),
		}
		return nil
	})
	return out, err
}

// UnreadBadge is the number of conversations with unseen messages.
func (s *SyncService) UnreadBadge(ctx context.Context) (int, error) {
	var n int
	err := s.call(ctx, func() error {
		n = s.unread.Count()
		return nil
	})
	return n, err
}

// UnreadConversations returns the ids of unread conversations, sorted.
func (s *SyncService) UnreadConversations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.call(ctx, func() error {
		ids = s.unread.IDs()
		return nil
	})
	return ids, err
}

// --- operations ---

// Refresh reloads the conversation directory. Concurrent calls share one fetch.
func (s *SyncService) Refresh(ctx context.Context) error {
	ch := s.refreshGroup.DoChan("conversations", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
		defer cancel()

		convs, err := s.history.ListConversations(fetchCtx)
		if err != nil {
			return nil, err
		}
		s.metrics.Refresh()

		return nil, s.call(context.WithoutCancel(ctx), func() error {
			s.directory.Replace(convs)
			s.notify(ChangeConversations, "")
			return nil
		})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("refreshing conversations: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivateConversation makes id the active conversation and loads its first
// history page. A response that arrives after another activation is dropped.
func (s *SyncService) ActivateConversation(ctx context.Context, id string) error {
	var (
		gen      uint64
		fetchCtx context.Context
	)
	err := s.call(ctx, func() error {
		if !s.directory.Has(id) {
			return fmt.Errorf("activating %s: %w", id, ErrConversationNotFound)
		}

		if s.active != "" && s.active != id {
			s.channel.Leave(s.active)
		}
		s.active = id
		s.channel.Join(id)
		s.olderLoading = 0

		if s.unread.Clear(id) {
			s.metrics.Unread(s.unread.Count())
			s.notify(ChangeUnread, id)
		}

		// same conversation: Load merges the local entries back
		if s.timeline.ConversationID() != id {
			s.timeline.Reset(id)
		}
		gen, fetchCtx = s.beginFetch(ctx)
		s.notify(ChangeTimeline, id)
		return nil
	})
	if err != nil {
		return err
	}

	return s.fetchFirstPage(ctx, fetchCtx, id, gen)
}

// beginFetch supersedes any in-flight history fetch. Runs on the loop.
func (s *SyncService) beginFetch(parent context.Context) (uint64, context.Context) {
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.gen++
	ctx, cancel := context.WithTimeout(parent, s.opts.FetchTimeout)
	s.cancelFetch = cancel
	return s.gen, ctx
}

func (s *SyncService) fetchFirstPage(ctx, fetchCtx context.Context, id string, gen uint64) error {
	page, fetchErr := s.history.ListMessages(fetchCtx, id, 1)

	err := s.call(context.WithoutCancel(ctx), func() error {
		if gen != s.gen || s.active != id {
			s.metrics.Stale()
			return ErrStaleResponse
		}
		s.cancelFetch()
		s.cancelFetch = nil

		if fetchErr != nil {
			return fetchErr
		}
		if page == nil {
			page = &repository.MessagePage{}
		}
		s.timeline.Load(id, page.Messages, page.HasMore)
		s.notify(ChangeTimeline, id)
		return nil
	})
	if errors.Is(err, ErrStaleResponse) {
		s.logger.Debug().Str("conversation_id", id).Uint64("generation", gen).Msg("discarding stale history response")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", id, err)
	}
	return nil
}

// LoadOlder prepends the next history page of the active conversation.
// It is a no-op when there is nothing older or a page is already loading.
func (s *SyncService) LoadOlder(ctx context.Context) error {
	var (
		id   string
		page int
		gen  uint64
		req  uint64
		skip bool
	)
	err := s.call(ctx, func() error {
		if s.active == "" {
			return ErrNoActiveConversation
		}
		if !s.timeline.Loaded() || !s.timeline.HasMore() || s.olderLoading != 0 {
			skip = true
			return nil
		}
		s.olderSeq++
		s.olderLoading = s.olderSeq
		id, page, gen, req = s.active, s.timeline.NextPage(), s.gen, s.olderSeq
		return nil
	})
	if err != nil || skip {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	result, fetchErr := s.history.ListMessages(fetchCtx, id, page)

	err = s.call(context.WithoutCancel(ctx), func() error {
		if s.olderLoading == req {
			s.olderLoading = 0
		}
		if gen != s.gen || s.active != id || s.timeline.NextPage() != page {
			s.metrics.Stale()
			return ErrStaleResponse
		}
		if fetchErr != nil {
			return fetchErr
		}
		if result == nil {
			result = &repository.MessagePage{}
		}
		s.timeline.PrependOlder(result.Messages, result.HasMore)
		s.notify(ChangeTimeline, id)
		return nil
	})
	if errors.Is(err, ErrStaleResponse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading older messages of %s: %w", id, err)
	}
	return nil
}

// OpenDirect activates the direct conversation with userID, creating it on
// the server when none exists yet.
func (s *SyncService) OpenDirect(ctx context.Context, userID string) (domain.Conversation, error) {
	var (
		conv  domain.Conversation
		found bool
	)
	err := s.call(ctx, func() error {
		for _, c := range s.directory.List() {
			if c.Kind != domain.ConversationDirect {
				continue
			}
			if other, ok := c.OtherParticipant(s.selfID); ok && other.ID == userID {
				conv, found = c, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}

	if !found {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		created, err := s.history.FindOrCreateDirect(fetchCtx, userID)
		cancel()
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("opening conversation with %s: %w", userID, err)
		}
		conv = *created

		err = s.call(ctx, func() error {
			s.directory.Upsert(conv)
			s.notify(ChangeConversations, conv.ID)
			return nil
		})
		if err != nil {
			return domain.Conversation{}, err
		}
	}

	return conv, s.ActivateConversation(ctx, conv.ID)
}

// SendText sends text to the active conversation. The returned message is
// the optimistic copy; it is reconciled when the server echoes it.
func (s *SyncService) SendText(ctx context.Context, text string) (domain.Message, error) {
	if errs := validator.ValidateText(text); errs.HasErrors() {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrInvalidContent, errs)
	}

	var msg domain.Message
	err := s.call(ctx, func() error {
		conv, err := s.sendTarget()
		if err != nil {
			return err
		}
		msg = s.sender.Compose(conv, domain.MessageText, text, nil)
		if _, _, err := s.sender.Route(conv, msg); err != nil {
			return err
		}

		s.timeline.AppendLocal(msg)
		defer s.notify(ChangeTimeline, conv.ID)

		if err := s.sender.Dispatch(conv, msg); err != nil {
			s.timeline.MarkFailed(msg.ClientID)
			msg.State = domain.StateFailed
			return err
		}
		return nil
	})
	return msg, err
}

// SendAttachment uploads file and then sends it as a message. The message
// is visible in the uploading state until the upload completes; nothing is
// emitted if the upload fails.
func (s *SyncService) SendAttachment(ctx context.Context, file domain.UploadFile) (domain.Message, error) {
	if errs := validator.ValidateUpload(file.Name, file.Size, s.opts.MaxUploadSize); errs.HasErrors() {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrInvalidContent, errs)
	}

	var (
		msg  domain.Message
		conv domain.Conversation
	)
	err := s.call(ctx, func() error {
		var err error
		conv, err = s.sendTarget()
		if err != nil {
			return err
		}
		msg = s.sender.Compose(conv, domain.KindForContentType(file.ContentType), file.Name, nil)
		msg.State = domain.StateUploading
		if _, _, err := s.sender.Route(conv, msg); err != nil {
			return err
		}
		s.timeline.AppendLocal(msg)
		s.notify(ChangeTimeline, conv.ID)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}

	att, uploadErr := s.attachments.Upload(ctx, file)
	if uploadErr != nil && !errors.Is(uploadErr, repository.ErrUploadFailed) {
		uploadErr = fmt.Errorf("%w: %w", repository.ErrUploadFailed, uploadErr)
	}

	err = s.call(context.WithoutCancel(ctx), func() error {
		if uploadErr != nil {
			s.metrics.SendFailure("upload")
			s.timeline.MarkFailed(msg.ClientID)
			msg.State = domain.StateFailed
			s.notify(ChangeTimeline, conv.ID)
			return uploadErr
		}

		msg.Attachment = att
		msg.State = domain.StatePending
		s.timeline.Update(msg.ClientID, func(m *domain.Message) {
			m.Attachment = att
			m.State = domain.StatePending
		})
		defer s.notify(ChangeTimeline, conv.ID)

		// route again: the conversation may have changed during the upload
		if c, ok := s.directory.Get(conv.ID); ok {
			conv = c
		}
		if err := s.sender.Dispatch(conv, msg); err != nil {
			s.timeline.MarkFailed(msg.ClientID)
			msg.State = domain.StateFailed
			return err
		}
		return nil
	})
	return msg, err
}

// Resend re-emits a failed message with its original idempotency key, so a
// late echo of the first attempt still reconciles to a single copy.
func (s *SyncService) Resend(ctx context.Context, clientID string) error {
	return s.call(ctx, func() error {
		msg, ok := s.timeline.Find(clientID)
		if !ok || msg.State != domain.StateFailed {
			return fmt.Errorf("resending %s: %w", clientID, ErrMessageNotFound)
		}
		if msg.Kind != domain.MessageText && msg.Attachment == nil {
			return fmt.Errorf("resending %s: attachment was never uploaded: %w", clientID, repository.ErrUploadFailed)
		}
		if s.channel.State() != ws.StateOpen {
			return ws.ErrChannelUnavailable
		}
		conv, ok := s.directory.Get(msg.ConversationID)
		if !ok {
			return fmt.Errorf("resending %s: %w", clientID, ErrConversationNotFound)
		}

		if err := s.sender.Dispatch(conv, msg); err != nil {
			return err
		}
		s.timeline.Update(clientID, func(m *domain.Message) { m.State = domain.StatePending })
		s.notify(ChangeTimeline, conv.ID)
		return nil
	})
}

// MarkAllRead clears every unread conversation.
func (s *SyncService) MarkAllRead(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.unread.ClearAll()
		s.metrics.Unread(0)
		s.notify(ChangeUnread, "")
		return nil
	})
}

// sendTarget returns the active conversation when the channel can send. Runs on the loop.
func (s *SyncService) sendTarget() (domain.Conversation, error) {
	if s.channel.State() != ws.StateOpen {
		return domain.Conversation{}, ws.ErrChannelUnavailable
	}
	if s.active == "" {
		return domain.Conversation{}, ErrNoActiveConversation
	}
	conv, ok := s.directory.Get(s.active)
	if !ok {
		return domain.Conversation{}, fmt.Errorf("sending to %s: %w", s.active, ErrConversationNotFound)
	}
	return conv, nil
}

// --- channel events, all on the loop ---

func (s *SyncService) handleMessageNew(e ws.Event) {
	var p ws.MessagePayload
	if err := e.Decode(&p); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed message")
		return
	}
	msg := p.Message
	if msg.ConversationID == "" {
		msg.ConversationID = e.ConversationID
	}
	if msg.ConversationID == "" || msg.ID == "" {
		s.logger.Warn().Str("message_id", msg.ID).Msg("dropping message without ids")
		return
	}
	own := msg.SenderID == s.selfID

	if own && msg.ClientID != "" {
		s.sender.Confirm(msg.ClientID)
	}

	if s.directory.ApplyIncoming(msg) {
		s.notify(ChangeConversations, msg.ConversationID)
	} else {
		s.scheduleRefresh()
	}

	if msg.ConversationID != s.active {
		if !own {
			s.unread.Mark(msg.ConversationID, msg.ID)
			s.metrics.Unread(s.unread.Count())
			s.notify(ChangeUnread, msg.ConversationID)
		}
		return
	}

	out := s.timeline.Append(msg)
	switch out.Result {
	case timeline.Duplicate:
		s.metrics.Duplicate()
		return
	case timeline.Reconciled:
		s.metrics.Reconcile()
	}
	s.notify(ChangeTimeline, msg.ConversationID)

	if out.Gap {
		s.logger.Info().Str("conversation_id", msg.ConversationID).Uint64("seq", msg.Seq).Msg("sequence gap, reloading timeline")
		s.reloadActive()
	}
}

func (s *SyncService) handleNotify(e ws.Event) {
	var p ws.NotifyPayload
	if err := e.Decode(&p); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed notification")
		return
	}
	if p.ConversationID == "" {
		p.ConversationID = e.ConversationID
	}
	if p.ConversationID == "" || p.ConversationID == s.active || p.SenderID == s.selfID {
		return
	}

	if e.Timestamp > 0 && s.directory.Has(p.ConversationID) {
		applied := s.directory.ApplyIncoming(domain.Message{
			ID:             p.MessageID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Kind:           domain.MessageText,
			Content:        p.Preview,
			CreatedAt:      time.Unix(e.Timestamp, 0),
		})
		if applied {
			s.notify(ChangeConversations, p.ConversationID)
		}
	} else if !s.directory.Has(p.ConversationID) {
		s.scheduleRefresh()
	}

	s.unread.Mark(p.ConversationID, p.MessageID)
	s.metrics.Unread(s.unread.Count())
	s.notify(ChangeUnread, p.ConversationID)
}

func (s *SyncService) handleConnected(e ws.Event) {
	s.notify(ChangeChannel, "")

	var p ws.ConnectedPayload
	if err := e.Decode(&p); err != nil || !p.Reconnect {
		return
	}

	s.logger.Info().Msg("channel reconnected, repairing state")
	go func() {
		if err := s.Refresh(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn().Err(err).Msg("refresh after reconnect failed")
		}
	}()
	s.reloadActive()
}

// reloadActive refetches the first page of the active conversation, keeping
// local messages. Runs on the loop.
func (s *SyncService) reloadActive() {
	if s.active == "" {
		return
	}
	id := s.active
	gen, fetchCtx := s.beginFetch(context.Background())

	go func() {
		if err := s.fetchFirstPage(context.Background(), fetchCtx, id, gen); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("timeline reload failed")
		}
	}()
}

// scheduleRefresh refreshes the directory after a message for an unknown
// conversation, at most at the configured rate. Runs on the loop.
func (s *SyncService) scheduleRefresh() {
	if s.refreshTimer != nil {
		return
	}
	r := s.limiter.Reserve()
	if !r.OK() {
		return
	}
	s.refreshTimer = time.AfterFunc(r.Delay(), func() {
		s.post(func() { s.refreshTimer = nil })
		if err := s.Refresh(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn().Err(err).Msg("refresh for unknown conversation failed")
		}
	})
}

func (s *SyncService) flagOrphan(clientID string) {
	if s.timeline.MarkFailed(clientID) {
		s.notify(ChangeTimeline, s.timeline.ConversationID())
	}
}
