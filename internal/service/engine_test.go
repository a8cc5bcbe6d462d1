package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/chattest"
	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/repository/rest"
	"github.com/vedran77/chatsync/internal/retry"
	"github.com/vedran77/chatsync/internal/service"
	"github.com/vedran77/chatsync/internal/transport/ws"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func startEngine(t *testing.T) (*chattest.Server, *service.SyncService) {
	t.Helper()

	srv := chattest.NewServer(t)
	srv.AddConversation(domain.Conversation{
		ID:   "g1",
		Kind: domain.ConversationGroup,
		Name: "team",
		Participants: []domain.Participant{
			{ID: "u1", DisplayName: "Ana"},
			{ID: "u2", DisplayName: "Ben"},
		},
	})
	srv.AddConversation(domain.Conversation{
		ID:   "g2",
		Kind: domain.ConversationGroup,
		Name: "ops",
		Participants: []domain.Participant{
			{ID: "u1", DisplayName: "Ana"},
			{ID: "u3", DisplayName: "Cleo"},
		},
	})

	token := srv.Token("u1")
	session := ws.NewSession(ws.Options{
		URL:       srv.WSURL,
		Reconnect: true,
		Backoff:   retry.Config{MaxRetries: -1, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
		Logger:    zerolog.Nop(),
	})
	client := rest.NewClient(srv.URL, token)

	svc := service.NewSyncService(session, client, client, "u1", service.Options{
		FetchTimeout:   time.Second,
		ConfirmTimeout: 5 * time.Second,
		Logger:         zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		svc.Close()
		session.Close()
		cancel()
		<-done
	})

	require.NoError(t, session.Open(ctx, token))
	require.NoError(t, svc.Refresh(ctx))
	require.NoError(t, svc.ActivateConversation(ctx, "g1"))
	require.Eventually(t, func() bool { return srv.Subscribers("g1") == 1 }, waitFor, tick)
	return srv, svc
}

func contents(t *testing.T, svc *service.SyncService, content string) []domain.Message {
	t.Helper()
	v, err := svc.ActiveTimeline(context.Background())
	require.NoError(t, err)
	var out []domain.Message
	for _, m := range v.Messages {
		if m.Content == content {
			out = append(out, m)
		}
	}
	return out
}

func TestEngine_ReceivesAndSends(t *testing.T) {
	srv, svc := startEngine(t)
	ctx := context.Background()

	_, err := srv.Post("u2", "g1", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(contents(t, svc, "hello")) == 1 }, waitFor, tick)

	sent, err := svc.SendText(ctx, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got := contents(t, svc, "hi")
		return len(got) == 1 && got[0].State == domain.StateConfirmed
	}, waitFor, tick)

	got := contents(t, svc, "hi")[0]
	assert.Equal(t, sent.ClientID, got.ClientID)
	assert.False(t, got.IsTemporary())
	require.Len(t, srv.Messages("g1"), 2)
	assert.Equal(t, 0, svc.Sender().Pending())

	convs, err := svc.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, "g1", convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "hi", convs[0].LastMessage.Preview)
}

func TestEngine_InactiveConversationIsUnread(t *testing.T) {
	srv, svc := startEngine(t)
	ctx := context.Background()

	_, err := srv.Post("u3", "g2", "deploy done")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := svc.UnreadBadge(ctx)
		return err == nil && n == 1
	}, waitFor, tick)
	assert.Empty(t, contents(t, svc, "deploy done"))

	require.NoError(t, svc.ActivateConversation(ctx, "g2"))
	n, err := svc.UnreadBadge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, contents(t, svc, "deploy done"), 1)
}

func TestEngine_RecoversAfterReconnect(t *testing.T) {
	srv, svc := startEngine(t)

	srv.DropConnections()
	_, err := srv.Post("u2", "g1", "while away")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Subscribers("g1") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(contents(t, svc, "while away")) == 1 }, waitFor, tick)

	_, err = srv.Post("u2", "g1", "back")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(contents(t, svc, "back")) == 1 }, waitFor, tick)
	assert.Len(t, contents(t, svc, "while away"), 1)
}

func TestEngine_OpenDirect(t *testing.T) {
	srv, svc := startEngine(t)
	srv.AddUser("u4", "Dora")

	conv, err := svc.OpenDirect(context.Background(), "u4")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationDirect, conv.Kind)

	_, err = svc.SendText(context.Background(), "hey dora")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(srv.Messages(conv.ID)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		got := contents(t, svc, "hey dora")
		return len(got) == 1 && got[0].State == domain.StateConfirmed
	}, waitFor, tick)
}
