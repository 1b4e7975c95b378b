package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestPublishMatchesPattern(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBus(0)

	draws, err := b.PSubscribe(ctx, domain.DrawChannel("*"))
	require.NoError(t, err)
	one, err := b.PSubscribe(ctx, domain.DrawChannel("p1"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.DrawChannel("p2"), []byte("two")))
	require.NoError(t, b.Publish(ctx, domain.DrawChannel("p1"), []byte("one")))
	require.NoError(t, b.Publish(ctx, "other", []byte("x")))

	assert.Equal(t, "two", string(receive(t, draws)))
	assert.Equal(t, "one", string(receive(t, draws)))
	assert.Equal(t, "one", string(receive(t, one)))
	assert.Empty(t, draws)
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus(0)
	ch, err := b.PSubscribe(ctx, "draws:*")
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, b.Publish(context.Background(), "draws:p1", []byte("late")))
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewBus(0)
	ch, err := b.PSubscribe(ctx, "draws:*")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(ctx, "draws:p1", []byte("e")))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestStreamIsBoundedAndResumable(t *testing.T) {
	ctx := context.Background()
	b := NewBus(3)
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.StreamAppend(ctx, domain.FairnessStream, []byte(p)))
	}

	all, err := b.StreamRead(ctx, domain.FairnessStream, "", 100)
	require.NoError(t, err)
	require.Len(t, all, 3, "oldest entries are evicted")
	assert.Equal(t, "c", string(all[0].Payload))
	assert.Equal(t, "3-0", all[0].ID)

	rest, err := b.StreamRead(ctx, domain.FairnessStream, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "d", string(rest[0].Payload))

	none, err := b.StreamRead(ctx, "stream:empty", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = b.StreamRead(ctx, domain.FairnessStream, "bogus", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
