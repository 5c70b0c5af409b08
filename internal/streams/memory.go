package streams

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantfleet/cascade/pkg/metrics"
)

// memStream holds one bounded in-process stream. Entries carry sequence
// numbers firstSeq..nextSeq-1; trimming advances firstSeq so group cursors
// stay meaningful across trims.
type memStream struct {
	entries  []Entry
	firstSeq int64
	nextSeq  int64
	notify   chan struct{}
}

// Memory is the in-process implementation of Store. The Redis-backed client
// falls back to it when the server is unreachable; tests and single-binary
// deployments can also use it directly.
type Memory struct {
	mu        sync.Mutex
	maxLen    int64
	retention time.Duration
	streams   map[string]*memStream
	cursors   map[string]int64
	series    map[string][]Sample
}

// NewMemory returns an empty in-process store. Each stream is trimmed to
// maxLen entries; time-series samples older than retention are discarded.
func NewMemory(maxLen int64, retention time.Duration) *Memory {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Memory{
		maxLen:    maxLen,
		retention: retention,
		streams:   make(map[string]*memStream),
		cursors:   make(map[string]int64),
		series:    make(map[string][]Sample),
	}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{notify: make(chan struct{})}
		m.streams[name] = s
	}
	return s
}

func cursorKey(stream, group string) string {
	return stream + "\x00" + group
}

// Publish appends values and wakes any blocked consumers.
func (m *Memory) Publish(_ context.Context, stream string, values map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	id := fmt.Sprintf("%d-0", s.nextSeq)
	s.entries = append(s.entries, Entry{ID: id, Values: values})
	s.nextSeq++

	if over := int64(len(s.entries)) - m.maxLen; over > 0 {
		s.entries = s.entries[over:]
		s.firstSeq += over
	}

	close(s.notify)
	s.notify = make(chan struct{})

	metrics.StreamPublishes.WithLabelValues(stream).Inc()
	return id, nil
}

// EnsureGroup registers the group cursor at the oldest retained entry.
func (m *Memory) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cursorKey(stream, group)
	if _, ok := m.cursors[key]; ok {
		return nil
	}
	m.cursors[key] = m.stream(stream).firstSeq
	return nil
}

// Consume hands out unseen entries and advances the group cursor before
// returning, so an entry is delivered to one consumer at most once.
func (m *Memory) Consume(ctx context.Context, stream, group, _ string, count int64, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)

	for {
		m.mu.Lock()
		s := m.stream(stream)
		key := cursorKey(stream, group)
		cur, ok := m.cursors[key]
		if !ok || cur < s.firstSeq {
			// Unknown group, or cursor trimmed past: start at the
			// oldest retained entry.
			cur = s.firstSeq
		}
		if avail := s.nextSeq - cur; avail > 0 {
			n := avail
			if n > count {
				n = count
			}
			off := cur - s.firstSeq
			out := make([]Entry, n)
			copy(out, s.entries[off:off+n])
			m.cursors[key] = cur + n
			m.mu.Unlock()
			return out, nil
		}
		notify := s.notify
		m.mu.Unlock()

		wait := time.Until(deadline)
		if block <= 0 || wait <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-time.After(wait):
			return nil, nil
		}
	}
}

// Length reports the retained entry count.
func (m *Memory) Length(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.stream(stream).entries)), nil
}

// Tail returns the newest entries first, without touching group cursors.
func (m *Memory) Tail(_ context.Context, stream string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	n := int64(len(s.entries))
	if count < n {
		n = count
	}
	out := make([]Entry, 0, n)
	for i := int64(len(s.entries)) - 1; i >= int64(len(s.entries))-n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// AppendSample records a point, keeping samples ordered and overwriting an
// exact duplicate timestamp with the latest value.
func (m *Memory) AppendSample(_ context.Context, key string, ts time.Time, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.series[key]
	if n := len(samples); n > 0 && samples[n-1].Timestamp.Equal(ts) {
		samples[n-1].Value = value
		m.series[key] = samples
		return nil
	}
	samples = append(samples, Sample{Timestamp: ts, Value: value})
	if n := len(samples); n > 1 && samples[n-1].Timestamp.Before(samples[n-2].Timestamp) {
		sort.Slice(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})
	}
	m.series[key] = m.purge(samples)
	return nil
}

// Range returns samples within [from, to], oldest first.
func (m *Memory) Range(_ context.Context, key string, from, to time.Time) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.purge(m.series[key])
	m.series[key] = samples

	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp.Before(from) || s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// purge drops samples older than the retention window. Callers hold mu.
func (m *Memory) purge(samples []Sample) []Sample {
	if m.retention <= 0 || len(samples) == 0 {
		return samples
	}
	cutoff := time.Now().Add(-m.retention)
	i := 0
	for i < len(samples) && samples[i].Timestamp.Before(cutoff) {
		i++
	}
	return samples[i:]
}

// Degraded always reports false: the in-process store has no backend to
// lose.
func (m *Memory) Degraded() (streams, series bool) {
	return false, false
}

func (m *Memory) Close() error {
	return nil
}
