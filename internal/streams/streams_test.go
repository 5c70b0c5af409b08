package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
)

func TestMemoryPublishConsume(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)

	require.NoError(t, m.EnsureGroup(ctx, "signals:test", "readers"))
	for i := 0; i < 3; i++ {
		_, err := m.Publish(ctx, "signals:test", map[string]any{"n": i})
		require.NoError(t, err)
	}

	first, err := m.Consume(ctx, "signals:test", "readers", "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := m.Consume(ctx, "signals:test", "readers", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	assert.NotEqual(t, first[0].ID, first[1].ID)
	assert.NotEqual(t, first[1].ID, rest[0].ID)
}

func TestConsumeDeliversToOneConsumerOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		_, err := m.Publish(ctx, "s", map[string]any{"n": i})
		require.NoError(t, err)
	}

	a, err := m.Consume(ctx, "s", "g", "a", 6, 0)
	require.NoError(t, err)
	b, err := m.Consume(ctx, "s", "g", "b", 6, 0)
	require.NoError(t, err)

	assert.Len(t, a, 6)
	assert.Len(t, b, 4)
	for _, e := range append(a, b...) {
		assert.False(t, seen[e.ID], "entry %s delivered twice", e.ID)
		seen[e.ID] = true
	}
}

func TestGroupsConsumeIndependently(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g1"))
	require.NoError(t, m.EnsureGroup(ctx, "s", "g2"))

	for i := 0; i < 5; i++ {
		_, err := m.Publish(ctx, "s", map[string]any{"n": i})
		require.NoError(t, err)
	}

	e1, err := m.Consume(ctx, "s", "g1", "c", 10, 0)
	require.NoError(t, err)
	e2, err := m.Consume(ctx, "s", "g2", "c", 10, 0)
	require.NoError(t, err)
	assert.Len(t, e1, 5)
	assert.Len(t, e2, 5)
}

func TestTrimKeepsNewestEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5, time.Hour)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	for i := 0; i < 10; i++ {
		_, err := m.Publish(ctx, "s", map[string]any{"n": i})
		require.NoError(t, err)
	}

	n, err := m.Length(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// The group cursor predates the trim; it picks up at the oldest
	// retained entry rather than failing.
	entries, err := m.Consume(ctx, "s", "g", "c", 100, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, 5, entries[0].Values["n"])
	assert.Equal(t, 9, entries[4].Values["n"])
}

func TestTailNewestFirstWithoutConsuming(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	for i := 0; i < 4; i++ {
		_, err := m.Publish(ctx, "s", map[string]any{"n": i})
		require.NoError(t, err)
	}

	tail, err := m.Tail(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 3, tail[0].Values["n"])
	assert.Equal(t, 2, tail[1].Values["n"])

	entries, err := m.Consume(ctx, "s", "g", "c", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestConsumeBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Publish(ctx, "s", map[string]any{"n": 1}) //nolint:errcheck
	}()

	start := time.Now()
	entries, err := m.Consume(ctx, "s", "g", "c", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsumeTimeoutReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	entries, err := m.Consume(ctx, "s", "g", "c", 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConsumeHonorsContextCancel(t *testing.T) {
	m := NewMemory(100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.Consume(ctx, "s", "g", "c", 1, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSamplesRangeAndDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, time.Hour)
	base := time.Now().Add(-10 * time.Minute)

	require.NoError(t, m.AppendSample(ctx, "perf", base, 1))
	require.NoError(t, m.AppendSample(ctx, "perf", base.Add(time.Minute), 0))
	require.NoError(t, m.AppendSample(ctx, "perf", base.Add(2*time.Minute), 1))
	// Same timestamp again: last write wins.
	require.NoError(t, m.AppendSample(ctx, "perf", base.Add(2*time.Minute), 0))

	all, err := m.Range(ctx, "perf", base, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 0.0, all[2].Value)

	sub, err := m.Range(ctx, "perf", base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, 0.0, sub[0].Value)
}

func TestRangeMissingKeyIsEmpty(t *testing.T) {
	m := NewMemory(100, time.Hour)
	samples, err := m.Range(context.Background(), "nope", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestRetentionDropsOldSamples(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, 50*time.Millisecond)

	require.NoError(t, m.AppendSample(ctx, "perf", time.Now().Add(-time.Second), 1))
	samples, err := m.Range(ctx, "perf", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestClientDegradesWhenRedisUnreachable(t *testing.T) {
	ctx := context.Background()
	c := New(config.RedisConfig{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	}, config.StreamsConfig{
		MaxLen:    100,
		Retention: time.Hour,
	}, zap.NewNop())
	defer c.Close()

	streamsDown, seriesDown := c.Degraded()
	assert.True(t, streamsDown)
	assert.True(t, seriesDown)

	// The pipeline keeps flowing on the in-process store.
	require.NoError(t, c.EnsureGroup(ctx, "signals:universe", "supervisors"))
	_, err := c.Publish(ctx, "signals:universe", map[string]any{"symbol": "AAPL"})
	require.NoError(t, err)

	entries, err := c.Consume(ctx, "signals:universe", "supervisors", "sup_0", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AAPL", entries[0].Values["symbol"])

	require.NoError(t, c.AppendSample(ctx, "k", time.Now(), 1))
	samples, err := c.Range(ctx, "k", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}
