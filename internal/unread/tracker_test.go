package unread

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountIsConversationsNotMessages(t *testing.T) {
	tr := New()
	tr.Mark("a", "m1")
	tr.Mark("a", "m2")
	tr.Mark("b", "m3")

	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, 2, tr.Messages("a"))
	assert.Equal(t, []string{"a", "b"}, tr.IDs())
}

func TestMarkIsIdempotent(t *testing.T) {
	tr := New()
	tr.Mark("a", "m1")
	tr.Mark("a", "m1")

	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, 1, tr.Messages("a"))
}

func TestMarkWithoutMessageID(t *testing.T) {
	tr := New()
	tr.Mark("a", "")

	assert.True(t, tr.IsUnread("a"))
	assert.Equal(t, 0, tr.Messages("a"))
	tr.Mark("", "m1")
	assert.Equal(t, 1, tr.Count())
}

func TestClear(t *testing.T) {
	tr := New()
	tr.Mark("a", "m1")

	assert.True(t, tr.Clear("a"))
	assert.False(t, tr.Clear("a"))
	assert.False(t, tr.IsUnread("a"))
	assert.Equal(t, 0, tr.Count())
}

func TestClearAll(t *testing.T) {
	tr := New()
	tr.Mark("a", "m1")
	tr.Mark("b", "m2")

	tr.ClearAll()

	assert.Equal(t, 0, tr.Count())
	assert.Empty(t, tr.IDs())
}

func TestCountMatchesMarkedMinusCleared(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	tr := New()
	want := map[string]bool{}

	for i := 0; i < 500; i++ {
		conv := fmt.Sprintf("c%d", rng.IntN(8))
		if rng.IntN(3) == 0 {
			tr.Clear(conv)
			delete(want, conv)
		} else {
			tr.Mark(conv, fmt.Sprintf("m%d", i))
			want[conv] = true
		}
		assert.Equal(t, len(want), tr.Count())
	}
}
