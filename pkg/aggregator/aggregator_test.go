package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 0)
	events, cancel := agg.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		_, ok := agg.Publish(KindNoteAdded, nil, "")
		require.True(t, ok)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		env := <-events
		assert.Equal(t, "sess-1", env.SessionID)
		assert.Greater(t, env.Seq, last)
		last = env.Seq
	}
	assert.Equal(t, uint64(5), agg.Seq())
}

func TestDedupCollapsesSameKey(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 0)
	events, cancel := agg.Subscribe()
	defer cancel()

	// Interceptor and trace poller observing the same span.
	env, ok := agg.Publish(KindToolCall, "from interceptor", SpanKey("abc"))
	require.True(t, ok)
	_, ok = agg.Publish(KindToolCall, "from poller", SpanKey("abc"))
	assert.False(t, ok)

	got := <-events
	assert.Equal(t, env.Seq, got.Seq)
	assert.Equal(t, "from interceptor", got.Data)

	select {
	case extra := <-events:
		t.Fatalf("expected one envelope, got extra %+v", extra)
	default:
	}

	// Dedup happens before sequence assignment, so collapsed publishes
	// leave no gaps for consumers to misread as drops.
	assert.Equal(t, uint64(1), agg.Seq())
}

func TestEntityKeyVersioning(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 0)

	_, ok := agg.Publish(KindDraftUpdated, nil, EntityKey("section", "s1", 1))
	assert.True(t, ok)
	// Same version is a repeated full pull, not a change.
	_, ok = agg.Publish(KindDraftUpdated, nil, EntityKey("section", "s1", 1))
	assert.False(t, ok)
	// A new version is a real update.
	_, ok = agg.Publish(KindDraftUpdated, nil, EntityKey("section", "s1", 2))
	assert.True(t, ok)
}

func TestOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 2)
	events, cancel := agg.Subscribe()
	defer cancel()

	for i := 0; i < 4; i++ {
		_, ok := agg.Publish(KindNoteAdded, i, "")
		require.True(t, ok)
	}

	assert.Equal(t, uint64(2), agg.Dropped())

	// The two newest envelopes survive; their Seq gap exposes the loss.
	first := <-events
	second := <-events
	assert.Equal(t, uint64(3), first.Seq)
	assert.Equal(t, uint64(4), second.Seq)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 1)
	slow, cancelSlow := agg.Subscribe()
	defer cancelSlow()
	fast, cancelFast := agg.Subscribe()
	defer cancelFast()

	// The fast consumer drains as it goes; the slow one never reads until
	// the end.
	agg.Publish(KindNoteAdded, 1, "")
	assert.Equal(t, uint64(1), (<-fast).Seq)
	agg.Publish(KindNoteAdded, 2, "")
	assert.Equal(t, uint64(2), (<-fast).Seq)

	// The slow one lost the oldest envelope but got the newest.
	assert.Equal(t, uint64(2), (<-slow).Seq)
	assert.Equal(t, uint64(1), agg.Dropped())
}

func TestCloseDrainsAndCloses(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 0)
	events, cancel := agg.Subscribe()
	defer cancel()

	agg.Publish(KindSessionStarted, nil, "")
	agg.Publish(KindSessionCompleted, nil, "")

	go agg.Close(context.Background())

	assert.Equal(t, KindSessionStarted, (<-events).Kind)
	assert.Equal(t, KindSessionCompleted, (<-events).Kind)

	_, open := <-events
	assert.False(t, open)

	// Publishing after close is a silent no-op.
	_, ok := agg.Publish(KindNoteAdded, nil, "")
	assert.False(t, ok)
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	agg := New("sess-1", 0)
	agg.Close(context.Background())

	events, cancel := agg.Subscribe()
	defer cancel()
	_, open := <-events
	assert.False(t, open)
}
