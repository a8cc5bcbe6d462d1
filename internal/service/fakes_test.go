package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/repository"
	"github.com/vedran77/chatsync/internal/transport/ws"
)

const self = "me"

var t0 = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

type emitted struct {
	Type    string
	Payload any
}

// fakeChannel records emits and lets tests deliver server events.
type fakeChannel struct {
	mu       sync.Mutex
	state    ws.State
	emits    []emitted
	handlers map[string]map[ws.Subscription]ws.Handler
	next     ws.Subscription
	joins    map[string]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:    ws.StateOpen,
		handlers: make(map[string]map[ws.Subscription]ws.Handler),
		joins:    make(map[string]bool),
	}
}

func (f *fakeChannel) On(eventType string, h ws.Handler) ws.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[eventType] == nil {
		f.handlers[eventType] = make(map[ws.Subscription]ws.Handler)
	}
	f.handlers[eventType][f.next] = h
	return f.next
}

func (f *fakeChannel) Off(eventType string, sub ws.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[eventType], sub)
}

func (f *fakeChannel) Emit(eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ws.StateOpen {
		return ws.ErrChannelUnavailable
	}
	f.emits = append(f.emits, emitted{Type: eventType, Payload: payload})
	return nil
}

func (f *fakeChannel) Join(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[id] = true
}

func (f *fakeChannel) Leave(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joins, id)
}

func (f *fakeChannel) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s ws.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeChannel) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeChannel) joined(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[id]
}

// deliver runs the registered handlers the way the session's read loop does.
func (f *fakeChannel) deliver(t *testing.T, eventType, conversationID string, payload any) {
	t.Helper()
	event, err := ws.NewEvent(eventType, conversationID, payload)
	require.NoError(t, err)

	f.mu.Lock()
	var hs []ws.Handler
	for _, h := range f.handlers[eventType] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(*event)
	}
}

func (f *fakeChannel) deliverMessage(t *testing.T, msg domain.Message) {
	t.Helper()
	f.deliver(t, ws.EventTypeMessageNew, msg.ConversationID, ws.MessagePayload{Message: msg})
}

// fakeHistory serves canned conversations and pages. A gate blocks
// ListMessages for a conversation until it is closed.
type fakeHistory struct {
	mu       sync.Mutex
	convs    []domain.Conversation
	pages    map[string][]repository.MessagePage
	gates    map[string]chan struct{}
	created  *domain.Conversation
	fetchErr error
	listed   int
	requests chan string
}

func newFakeHistory(convs ...domain.Conversation) *fakeHistory {
	return &fakeHistory{
		convs:    convs,
		pages:    make(map[string][]repository.MessagePage),
		gates:    make(map[string]chan struct{}),
		requests: make(chan string, 64),
	}
}

func (f *fakeHistory) setPages(id string, pages ...repository.MessagePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[id] = pages
}

func (f *fakeHistory) gate(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeHistory) setConversations(convs ...domain.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = convs
}

func (f *fakeHistory) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed
}

func (f *fakeHistory) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	out := make([]domain.Conversation, len(f.convs))
	for i, c := range f.convs {
		out[i] = c.Clone()
	}
	return out, nil
}

func (f *fakeHistory) ListMessages(ctx context.Context, id string, page int) (*repository.MessagePage, error) {
	f.mu.Lock()
	gate := f.gates[id]
	pages := f.pages[id]
	err := f.fetchErr
	f.mu.Unlock()

	select {
	case f.requests <- id:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page-1 >= len(pages) {
		return &repository.MessagePage{}, nil
	}
	p := pages[page-1]
	return &repository.MessagePage{Messages: append([]domain.Message(nil), p.Messages...), HasMore: p.HasMore}, nil
}

func (f *fakeHistory) FindOrCreateDirect(ctx context.Context, receiverID string) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		return nil, repository.ErrHistoryFetchFailed
	}
	c := f.created.Clone()
	return &c, nil
}

// fakeUploader blocks on gate when set.
type fakeUploader struct {
	gate    chan struct{}
	started chan struct{}
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, file domain.UploadFile) (*domain.Attachment, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Attachment{
		URL:          "https://cdn.example.com/" + file.Name,
		ResourceKind: "image",
		Size:         file.Size,
		FileName:     file.Name,
	}, nil
}

func direct(id, other string, minutes int) domain.Conversation {
	return domain.Conversation{
		ID:   id,
		Kind: domain.ConversationDirect,
		Participants: []domain.Participant{
			{ID: self, DisplayName: "Me"},
			{ID: other, DisplayName: "User " + other},
		},
		UpdatedAt: t0.Add(time.Duration(minutes) * time.Minute),
	}
}

func group(id string, minutes int, members ...string) domain.Conversation {
	ps := []domain.Participant{{ID: self, DisplayName: "Me"}}
	for _, m := range members {
		ps = append(ps, domain.Participant{ID: m, DisplayName: "User " + m})
	}
	return domain.Conversation{
		ID:           id,
		Kind:         domain.ConversationGroup,
		Name:         "group " + id,
		Participants: ps,
		UpdatedAt:    t0.Add(time.Duration(minutes) * time.Minute),
	}
}

func serverMsg(conv, id, sender string, seq uint64) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Kind:           domain.MessageText,
		Content:        "msg " + id,
		Seq:            seq,
		CreatedAt:      t0.Add(time.Hour + time.Duration(seq)*time.Second),
	}
}

type engine struct {
	*SyncService
	channel *fakeChannel
	history *fakeHistory
	upload  *fakeUploader
	metrics *metrics.Metrics
}

func newEngine(t *testing.T, hist *fakeHistory, mutate ...func(*Options)) *engine {
	t.Helper()

	ch := newFakeChannel()
	up := &fakeUploader{}
	m := metrics.New(nil)
	opts := Options{
		FetchTimeout:   time.Second,
		ConfirmTimeout: time.Minute,
		MaxUploadSize:  1 << 20,
		RefreshRate:    100,
		RefreshBurst:   10,
		Logger:         zerolog.Nop(),
		Metrics:        m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	s := NewSyncService(ch, hist, up, self, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		s.Close()
		cancel()
		<-done
	})

	require.NoError(t, s.Refresh(context.Background()))
	return &engine{SyncService: s, channel: ch, history: hist, upload: up, metrics: m}
}

func (e *engine) view(t *testing.T) TimelineView {
	t.Helper()
	v, err := e.ActiveTimeline(context.Background())
	require.NoError(t, err)
	return v
}

func (e *engine) conversationIDs(t *testing.T) []string {
	t.Helper()
	convs, err := e.Conversations(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids
}

func (e *engine) badge(t *testing.T) int {
	t.Helper()
	n, err := e.UnreadBadge(context.Background())
	require.NoError(t, err)
	return n
}
