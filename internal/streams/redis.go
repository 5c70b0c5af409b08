package streams

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/pkg/metrics"
)

// Client is the Redis-backed Store. Stream operations use Redis Streams with
// consumer groups; performance samples use the RedisTimeSeries module. Each
// side keeps its own degraded flag so a server without the TimeSeries module
// still serves streams from Redis while samples fall back to process memory.
type Client struct {
	rdb *redis.Client
	mem *Memory
	log *zap.Logger

	maxLen    int64
	retention time.Duration

	streamsDown atomic.Bool
	seriesDown  atomic.Bool
}

// New connects to Redis and probes it once. An unreachable server degrades
// both sides to the in-process store immediately; the client never re-probes,
// so a mid-run recovery of Redis takes effect only after a restart.
func New(rcfg config.RedisConfig, scfg config.StreamsConfig, log *zap.Logger) *Client {
	c := &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:         rcfg.Addr,
			Password:     rcfg.Password,
			DB:           rcfg.DB,
			DialTimeout:  rcfg.DialTimeout,
			ReadTimeout:  rcfg.ReadTimeout,
			WriteTimeout: rcfg.WriteTimeout,
			PoolSize:     rcfg.PoolSize,
			MinIdleConns: rcfg.MinIdleConns,
		}),
		mem:       NewMemory(scfg.MaxLen, scfg.Retention),
		log:       log,
		maxLen:    scfg.MaxLen,
		retention: scfg.Retention,
	}

	probe, cancel := context.WithTimeout(context.Background(), rcfg.DialTimeout)
	defer cancel()
	if err := c.rdb.Ping(probe).Err(); err != nil {
		c.log.Warn("redis unreachable, running on in-process store",
			zap.String("addr", rcfg.Addr),
			zap.Error(err))
		c.markStreamsDown()
		c.markSeriesDown()
	} else {
		c.log.Info("connected to redis", zap.String("addr", rcfg.Addr))
	}
	return c
}

func (c *Client) markStreamsDown() {
	if c.streamsDown.CompareAndSwap(false, true) {
		metrics.StoreDegraded.WithLabelValues("streams").Set(1)
	}
}

func (c *Client) markSeriesDown() {
	if c.seriesDown.CompareAndSwap(false, true) {
		metrics.StoreDegraded.WithLabelValues("series").Set(1)
	}
}

// degradable filters the errors that flip a side to the fallback. A caller
// cancelling its context is not a store failure.
func degradable(err error) bool {
	if err == nil ||
		errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (c *Client) failStreams(op string, err error) {
	if !c.streamsDown.Load() {
		c.log.Warn("stream side degraded to in-process store",
			zap.String("op", op),
			zap.Error(err))
	}
	c.markStreamsDown()
}

func (c *Client) failSeries(op string, err error) {
	if !c.seriesDown.Load() {
		c.log.Warn("time-series side degraded to in-process store",
			zap.String("op", op),
			zap.Error(err))
	}
	c.markSeriesDown()
}

// Publish appends to a Redis stream with approximate MAXLEN trimming.
func (c *Client) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	if c.streamsDown.Load() {
		return c.mem.Publish(ctx, stream, values)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		if !degradable(err) {
			return "", err
		}
		c.failStreams("xadd", err)
		return c.mem.Publish(ctx, stream, values)
	}
	metrics.StreamPublishes.WithLabelValues(stream).Inc()
	return id, nil
}

// EnsureGroup creates the group from the beginning of the stream, treating
// an already-existing group as success.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if c.streamsDown.Load() {
		return c.mem.EnsureGroup(ctx, stream, group)
	}
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	if !degradable(err) {
		return err
	}
	c.failStreams("xgroup_create", err)
	return c.mem.EnsureGroup(ctx, stream, group)
}

// Consume reads new entries for the group with NOACK set: Redis never parks
// a delivered entry in a pending list, so nothing is ever redelivered. This
// keeps delivery at most once and the server free of per-consumer state that
// would otherwise need claim cycles to drain.
func (c *Client) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if c.streamsDown.Load() {
		return c.mem.Consume(ctx, stream, group, consumer, count, block)
	}
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		NoAck:    true,
	}
	// go-redis treats Block >= 0 as a BLOCK argument and 0 as forever.
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1
	}
	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if !degradable(err) {
			return nil, err
		}
		c.failStreams("xreadgroup", err)
		return c.mem.Consume(ctx, stream, group, consumer, count, block)
	}
	var out []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, Entry{ID: msg.ID, Values: msg.Values})
		}
	}
	return out, nil
}

// Length reports XLEN.
func (c *Client) Length(ctx context.Context, stream string) (int64, error) {
	if c.streamsDown.Load() {
		return c.mem.Length(ctx, stream)
	}
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		if !degradable(err) {
			return 0, err
		}
		c.failStreams("xlen", err)
		return c.mem.Length(ctx, stream)
	}
	return n, nil
}

// Tail reads the newest entries via XREVRANGE without consuming them.
func (c *Client) Tail(ctx context.Context, stream string, count int64) ([]Entry, error) {
	if c.streamsDown.Load() {
		return c.mem.Tail(ctx, stream, count)
	}
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if !degradable(err) {
			return nil, err
		}
		c.failStreams("xrevrange", err)
		return c.mem.Tail(ctx, stream, count)
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, Entry{ID: msg.ID, Values: msg.Values})
	}
	return out, nil
}

// AppendSample writes a TS.ADD with the configured retention and last-write
// duplicate policy. A server without the TimeSeries module degrades only
// this side.
func (c *Client) AppendSample(ctx context.Context, key string, ts time.Time, value float64) error {
	if c.seriesDown.Load() {
		return c.mem.AppendSample(ctx, key, ts, value)
	}
	err := c.rdb.TSAddWithArgs(ctx, key, ts.UnixMilli(), value, &redis.TSOptions{
		Retention:       int(c.retention.Milliseconds()),
		DuplicatePolicy: "last",
	}).Err()
	if err != nil {
		if !degradable(err) {
			return err
		}
		c.failSeries("ts_add", err)
		return c.mem.AppendSample(ctx, key, ts, value)
	}
	return nil
}

// Range reads TS.RANGE over [from, to].
func (c *Client) Range(ctx context.Context, key string, from, to time.Time) ([]Sample, error) {
	if c.seriesDown.Load() {
		return c.mem.Range(ctx, key, from, to)
	}
	vals, err := c.rdb.TSRange(ctx, key, int(from.UnixMilli()), int(to.UnixMilli())).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if !degradable(err) {
			return nil, err
		}
		c.failSeries("ts_range", err)
		return c.mem.Range(ctx, key, from, to)
	}
	out := make([]Sample, 0, len(vals))
	for _, v := range vals {
		out = append(out, Sample{Timestamp: time.UnixMilli(v.Timestamp), Value: v.Value})
	}
	return out, nil
}

// Degraded reports the sticky per-side fallback flags.
func (c *Client) Degraded() (streams, series bool) {
	return c.streamsDown.Load(), c.seriesDown.Load()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
