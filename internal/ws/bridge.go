package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Type      string    `json:"type"`
	Stream    string    `json:"stream,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge consumes the configured streams under its own consumer group, one
// pump per stream, and broadcasts each record to that stream's subscribers.
type Bridge struct {
	streams []string
	scfg    config.StreamsConfig
	store   streams.Store
	reg     *Registry
	log     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewBridge(cfg config.BridgeConfig, scfg config.StreamsConfig, store streams.Store, reg *Registry, log *zap.Logger) *Bridge {
	return &Bridge{
		streams: cfg.Streams,
		scfg:    scfg,
		store:   store,
		reg:     reg,
		log:     log,
	}
}

// Start launches one pump per configured stream.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = true

	for _, stream := range b.streams {
		b.wg.Add(1)
		go b.pump(runCtx, stream)
	}
	b.log.Info("stream bridge started", zap.Strings("streams", b.streams))
	return nil
}

// Stop cancels the pumps and waits for them to drain.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	b.log.Info("stream bridge stopped")
}

func (b *Bridge) pump(ctx context.Context, stream string) {
	defer b.wg.Done()

	consumer := "bridge_" + strings.ReplaceAll(stream, ":", "_")
	if err := b.store.EnsureGroup(ctx, stream, models.GroupBridge); err != nil {
		b.log.Error("ensure consumer group", zap.String("stream", stream), zap.Error(err))
	}

	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := b.store.Consume(ctx, stream, models.GroupBridge,
			consumer, b.scfg.ConsumeCount, b.scfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("bridge consume failed, backing off",
				zap.String("stream", stream),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.scfg.ErrorBackoff):
			}
			continue
		}
		for _, entry := range entries {
			b.fanOut(stream, entry)
		}
	}
}

func (b *Bridge) fanOut(stream string, entry streams.Entry) {
	msg, err := json.Marshal(Event{
		Type:      classify(stream),
		Stream:    stream,
		Data:      payload(entry),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.log.Warn("encode event failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	b.reg.Broadcast(msg, stream)
}

// classify maps the stream's name prefix to the event type subscribers see.
func classify(stream string) string {
	switch {
	case strings.HasPrefix(stream, models.StreamPrefixSignals):
		return "signal"
	case strings.HasPrefix(stream, models.StreamPrefixNews):
		return "news"
	default:
		return "event"
	}
}

// payload unwraps single-field JSON records so subscribers get structured
// data instead of a quoted string; anything else passes through as-is.
func payload(entry streams.Entry) any {
	if raw, ok := entry.Values["data"].(string); ok && len(entry.Values) == 1 {
		if json.Valid([]byte(raw)) {
			return json.RawMessage(raw)
		}
	}
	return entry.Values
}
