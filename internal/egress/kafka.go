// Package egress mirrors final decisions onto Kafka so out-of-process
// consumers can follow the feed without touching the pipeline's streams.
package egress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

const consumerName = "egress_000"

// messageWriter is the slice of kafka.Writer the mirror uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Mirror consumes the final stream under its own group and republishes
// each decision to a Kafka topic. Write failures are logged and skipped;
// the mirror never pushes back on the pipeline.
type Mirror struct {
	cfg   config.KafkaConfig
	scfg  config.StreamsConfig
	store streams.Store
	log   *zap.Logger

	mu      sync.Mutex
	writer  messageWriter
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewMirror(cfg config.KafkaConfig, scfg config.StreamsConfig, store streams.Store, log *zap.Logger) *Mirror {
	return &Mirror{
		cfg:   cfg,
		scfg:  scfg,
		store: store,
		log:   log,
	}
}

// Enabled reports whether brokers are configured.
func (m *Mirror) Enabled() bool {
	return len(m.cfg.Brokers) > 0
}

// Start launches the mirror pump. Without brokers it is a no-op.
func (m *Mirror) Start(ctx context.Context) error {
	if !m.Enabled() {
		m.log.Info("kafka egress disabled, no brokers configured")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.writer == nil {
		m.writer = &kafka.Writer{
			Addr:         kafka.TCP(m.cfg.Brokers...),
			Topic:        m.cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    m.cfg.BatchSize,
			BatchTimeout: m.cfg.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Snappy,
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go m.pump(runCtx)
	m.log.Info("kafka egress started",
		zap.Strings("brokers", m.cfg.Brokers),
		zap.String("topic", m.cfg.Topic))
	return nil
}

// Stop cancels the pump, waits for it to drain and closes the writer.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	writer := m.writer
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	if writer != nil {
		if err := writer.Close(); err != nil {
			m.log.Warn("close kafka writer", zap.Error(err))
		}
	}
	m.log.Info("kafka egress stopped")
}

func (m *Mirror) pump(ctx context.Context) {
	defer m.wg.Done()

	if err := m.store.EnsureGroup(ctx, models.StreamFinal, models.GroupEgress); err != nil {
		m.log.Error("ensure consumer group", zap.Error(err))
	}

	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := m.store.Consume(ctx, models.StreamFinal, models.GroupEgress,
			consumerName, m.scfg.ConsumeCount, m.scfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("egress consume failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.scfg.ErrorBackoff):
			}
			continue
		}
		for _, entry := range entries {
			m.forward(ctx, entry)
		}
	}
}

// forward republishes one final-stream entry, keyed by symbol so a
// partitioned topic keeps per-instrument ordering.
func (m *Mirror) forward(ctx context.Context, entry streams.Entry) {
	sig, err := models.DecodeSignal(entry.ID, entry.Values)
	if err != nil {
		m.log.Warn("skipping undecodable final entry",
			zap.String("id", entry.ID),
			zap.Error(err))
		return
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		m.log.Warn("encode decision failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}

	m.mu.Lock()
	writer := m.writer
	m.mu.Unlock()

	msg := kafka.Message{
		Key:   []byte(sig.Symbol),
		Value: payload,
		Time:  sig.Timestamp,
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		m.log.Error("kafka write failed, decision not mirrored",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
	}
}
