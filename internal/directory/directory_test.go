package directory

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/chatsync/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func conv(id string, minutes int) domain.Conversation {
	return domain.Conversation{
		ID:   id,
		Kind: domain.ConversationDirect,
		Participants: []domain.Participant{
			{ID: "me", DisplayName: "Me"},
			{ID: "u-" + id, DisplayName: "User " + id},
		},
		UpdatedAt: t0.Add(time.Duration(minutes) * time.Minute),
	}
}

func order(d *Directory) []string {
	var out []string
	for _, c := range d.List() {
		out = append(out, c.ID)
	}
	return out
}

func assertSorted(t *testing.T, d *Directory) {
	t.Helper()
	list := d.List()
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].UpdatedAt.After(list[i-1].UpdatedAt), "directory not sorted at %d", i)
	}
}

func TestReplace_SortsDescending(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("a", 1), conv("b", 3), conv("c", 2)})

	assert.Equal(t, []string{"b", "c", "a"}, order(d))
}

func TestReplace_TieBreakIsDeterministic(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("z", 1), conv("m", 1), conv("a", 1)})

	assert.Equal(t, []string{"a", "m", "z"}, order(d))
}

func TestReplace_IdempotentSnapshot(t *testing.T) {
	snapshot := []domain.Conversation{conv("a", 1), conv("b", 1), conv("c", 5), conv("d", 2)}

	d := New()
	d.Replace(snapshot)
	first := d.List()
	d.Replace(snapshot)
	second := d.List()

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("refresh changed directory (-first +second):\n%s", diff)
	}
}

func TestReplace_DedupesConversationsAndParticipants(t *testing.T) {
	c := conv("a", 1)
	c.Participants = append(c.Participants, domain.Participant{ID: "me", DisplayName: "Me again"})

	d := New()
	d.Replace([]domain.Conversation{c, conv("a", 9)})

	require.Equal(t, 1, d.Len())
	got, ok := d.Get("a")
	require.True(t, ok)
	assert.Len(t, got.Participants, 2)
}

func TestApplyIncoming_MovesConversationToTop(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("a", 1), conv("b", 3), conv("c", 2)})

	ok := d.ApplyIncoming(domain.Message{
		ID:             "m1",
		ConversationID: "a",
		SenderID:       "u-a",
		Kind:           domain.MessageText,
		Content:        "ping",
		CreatedAt:      t0.Add(10 * time.Minute),
	})

	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, order(d))

	a, _ := d.Get("a")
	require.NotNil(t, a.LastMessage)
	assert.Equal(t, "ping", a.LastMessage.Preview)
	assert.Equal(t, "User a", a.LastMessage.SenderName)
}

func TestApplyIncoming_UnknownConversation(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("a", 1)})

	ok := d.ApplyIncoming(domain.Message{ConversationID: "new", CreatedAt: t0})

	assert.False(t, ok)
	assert.Equal(t, 1, d.Len())
}

func TestApplyIncoming_OlderMessageDoesNotRewind(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("a", 5)})

	d.ApplyIncoming(domain.Message{ConversationID: "a", Kind: domain.MessageText, Content: "old", CreatedAt: t0})

	a, _ := d.Get("a")
	assert.Equal(t, t0.Add(5*time.Minute), a.UpdatedAt)
	assert.Nil(t, a.LastMessage)
}

func TestApplyIncoming_AnyOrderStaysSorted(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ids := []string{"a", "b", "c", "d", "e", "f"}

	d := New()
	var convs []domain.Conversation
	for i, id := range ids {
		convs = append(convs, conv(id, i))
	}
	d.Replace(convs)

	for i := 0; i < 200; i++ {
		id := ids[rng.IntN(len(ids))]
		d.ApplyIncoming(domain.Message{
			ConversationID: id,
			Kind:           domain.MessageText,
			Content:        "x",
			CreatedAt:      t0.Add(time.Duration(rng.IntN(10000)) * time.Second),
		})
		assertSorted(t, d)
	}
}

func TestUpsert(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("a", 1)})

	d.Upsert(conv("b", 2))
	assert.Equal(t, []string{"b", "a"}, order(d))

	updated := conv("a", 3)
	updated.Name = "renamed"
	d.Upsert(updated)
	assert.Equal(t, []string{"a", "b"}, order(d))
	got, _ := d.Get("a")
	assert.Equal(t, "renamed", got.Name)
}

func TestListReturnsCopies(t *testing.T) {
	d := New()
	d.Replace([]domain.Conversation{conv("a", 1)})

	list := d.List()
	list[0].Participants[0].DisplayName = "mutated"

	got, _ := d.Get("a")
	assert.Equal(t, "Me", got.Participants[0].DisplayName)
}
