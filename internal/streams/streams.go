// Package streams provides the signal transport shared by every tier of the
// pipeline: append-only streams with consumer groups for hand-off between
// tiers, and time-series keys for worker performance samples.
//
// The canonical backend is Redis (Streams plus the TimeSeries module). When
// Redis is unreachable, or the TimeSeries module is missing, the client
// degrades to an in-process store so a single-node deployment keeps running
// without external infrastructure. Degradation is sticky: each side flips at
// most once per process and is logged once.
package streams

import (
	"context"
	"time"
)

// Entry is one stream record as delivered to a consumer.
type Entry struct {
	ID     string
	Values map[string]any
}

// Sample is one time-series point.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Store is the transport surface the pipeline tiers are written against.
//
// Consume is at-most-once: an entry is handed to exactly one consumer in the
// group and is never redelivered, even if that consumer dies mid-processing.
// Tiers are sized so that losing an occasional signal is acceptable; the
// alternative (pending lists and claim cycles) buys redelivery at the cost of
// duplicate trades, which is the worse failure here.
type Store interface {
	// Publish appends values to stream, trimming it to the configured
	// approximate maximum length. It returns the assigned entry ID.
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)

	// EnsureGroup creates the consumer group on stream if it does not
	// already exist, creating the stream as needed. The group starts at the
	// beginning of the retained entries. Calling it again is a no-op.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Consume reads up to count unseen entries for the named consumer,
	// blocking up to block when the stream is empty. A timeout returns an
	// empty slice and no error.
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Length reports the number of retained entries on stream.
	Length(ctx context.Context, stream string) (int64, error)

	// Tail returns up to count most recent entries, newest first. It does
	// not consume: group cursors are unaffected.
	Tail(ctx context.Context, stream string, count int64) ([]Entry, error)

	// AppendSample records value at ts on the time-series key. Samples
	// older than the configured retention are discarded; a duplicate
	// timestamp overwrites the earlier value.
	AppendSample(ctx context.Context, key string, ts time.Time, value float64) error

	// Range returns the samples on key with from <= timestamp <= to, oldest
	// first. A key with no samples yields an empty slice and no error.
	Range(ctx context.Context, key string, from, to time.Time) ([]Sample, error)

	// Degraded reports whether the stream side and the time-series side
	// have fallen back to the in-process store.
	Degraded() (streams, series bool)

	Close() error
}
