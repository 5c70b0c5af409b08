package agents

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// SupervisorPool is tier 3. All workers share one consumer group on the
// universe stream; each drops entries whose originating scanner it does not
// own, then applies the score, reliability and peer-consensus gates in
// order, short-circuiting on the first failure. Every gated outcome is
// written back as a 0/1 sample on the scanner's performance series, which is
// what the reliability gate reads as win-rate.
type SupervisorPool struct {
	pool
}

type supervisorWorker struct {
	*worker
	cfg   config.SupervisorsConfig
	scfg  config.StreamsConfig
	store streams.Store
	index int
	count int
}

// NewSupervisorPool builds count workers; worker m owns scanners whose
// index modulo count is m.
func NewSupervisorPool(cfg config.SupervisorsConfig, scfg config.StreamsConfig, store streams.Store, log *zap.Logger) *SupervisorPool {
	p := &SupervisorPool{pool: newPool(TierSupervisors, log)}
	for i := 0; i < cfg.Count; i++ {
		w := &supervisorWorker{
			worker: newWorker(fmt.Sprintf("supervisor_%03d", i), TierSupervisors, log),
			cfg:    cfg,
			scfg:   scfg,
			store:  store,
			index:  i,
			count:  cfg.Count,
		}
		p.add(w.worker, w.run)
	}
	return p
}

func (w *supervisorWorker) run(ctx context.Context) {
	if err := w.store.EnsureGroup(ctx, models.StreamUniverse, models.GroupSupervisors); err != nil {
		w.log.Error("ensure consumer group", zap.Error(err))
	}

	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := w.store.Consume(ctx, models.StreamUniverse, models.GroupSupervisors,
			w.id, w.scfg.ConsumeCount, w.scfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("consume failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.scfg.ErrorBackoff):
			}
			continue
		}
		for _, entry := range entries {
			w.handle(ctx, entry)
		}
	}
}

func (w *supervisorWorker) handle(ctx context.Context, entry streams.Entry) {
	sig, err := models.DecodeSignal(entry.ID, entry.Values)
	if err != nil {
		w.log.Warn("malformed stream entry", zap.String("id", entry.ID), zap.Error(err))
		w.markSkipped()
		return
	}
	if !w.owns(sig.AgentID) {
		w.markSkipped()
		return
	}
	w.markProcessed()

	if sig.Score < w.cfg.MinScore {
		w.reject(ctx, sig, ReasonScoreThreshold)
		return
	}

	reliability := w.agentReliability(ctx, sig.AgentID)
	if reliability < w.cfg.MinReliability {
		w.reject(ctx, sig, ReasonLowReliability)
		return
	}

	// No peer-signal feed exists; the gate sees an empty slice and stays
	// neutral at 0.5.
	consensus := computePeerConsensus(sig, nil, w.cfg.ConsensusBand)
	if consensus < w.cfg.MinConsensus {
		w.reject(ctx, sig, ReasonLowConsensus)
		return
	}

	combined := (sig.Score + reliability*100 + consensus*100) / 3
	meta := map[string]any{
		models.MetaSupervisorID:       w.id,
		models.MetaReliabilityScore:   reliability,
		models.MetaPeerConsensus:      consensus,
		models.MetaCombinedConfidence: combined,
	}
	for k, v := range meta {
		if err := sig.SetMeta(k, v); err != nil {
			w.log.Warn("annotate failed", zap.String("id", entry.ID), zap.Error(err))
			w.markSkipped()
			return
		}
	}

	fields, err := sig.Encode()
	if err != nil {
		w.log.Error("encode signal", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if _, err := w.store.Publish(ctx, models.ValidatedStream(w.id), fields); err != nil {
		w.log.Warn("publish failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	w.recordOutcome(ctx, sig.AgentID, 1)
	w.markPassed()
}

func (w *supervisorWorker) reject(ctx context.Context, sig *models.Signal, reason string) {
	w.markRejected(reason)
	w.recordOutcome(ctx, sig.AgentID, 0)
	w.log.Debug("signal rejected",
		zap.String("symbol", sig.Symbol),
		zap.String("agent", sig.AgentID),
		zap.String("reason", reason))
}

func (w *supervisorWorker) recordOutcome(ctx context.Context, agentID string, outcome float64) {
	if err := w.store.AppendSample(ctx, models.AgentPerformanceKey(agentID), time.Now(), outcome); err != nil {
		w.log.Debug("outcome sample failed", zap.Error(err))
	}
}

// agentReliability is the scanner's win-rate over the sliding window: the
// mean of its 0/1 outcome samples. A scanner with no history is neither
// trusted nor distrusted: 0.5.
func (w *supervisorWorker) agentReliability(ctx context.Context, agentID string) float64 {
	now := time.Now()
	samples, err := w.store.Range(ctx, models.AgentPerformanceKey(agentID),
		now.Add(-w.cfg.ReliabilityWindow), now)
	if err != nil {
		w.log.Debug("reliability read failed", zap.String("agent", agentID), zap.Error(err))
		return 0.5
	}
	if len(samples) == 0 {
		return 0.5
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}

func (w *supervisorWorker) owns(agentID string) bool {
	idx, ok := scannerIndex(agentID)
	if !ok {
		return false
	}
	return idx%w.count == w.index
}

// scannerIndex parses the numeric suffix of a scanner id like
// "scanner_003".
func scannerIndex(agentID string) (int, bool) {
	rest, found := strings.CutPrefix(agentID, "scanner_")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// inferDirection reads the majority vote of the trend, sentiment and
// flow-ratio fields. Light signals carry none of them and come out neutral.
func inferDirection(sig *models.Signal) string {
	bullish, bearish := 0, 0
	if trend, ok := sig.MetaFloat(models.MetaTrend); ok {
		if trend > 0 {
			bullish++
		} else if trend < 0 {
			bearish++
		}
	}
	if sentiment, ok := sig.MetaFloat(models.MetaSentiment); ok {
		if sentiment > 0 {
			bullish++
		} else if sentiment < 0 {
			bearish++
		}
	}
	if flow, ok := sig.MetaFloat(models.MetaFlowRatio); ok {
		if flow > 1 {
			bullish++
		} else if flow < 1 {
			bearish++
		}
	}
	switch {
	case bullish > bearish:
		return "bullish"
	case bearish > bullish:
		return "bearish"
	default:
		return "neutral"
	}
}

// computePeerConsensus reports the fraction of peer signals for the same
// symbol that share sig's direction, counting only peers scored within band
// points. No usable peers leaves the gate neutral at 0.5.
func computePeerConsensus(sig *models.Signal, peers []*models.Signal, band float64) float64 {
	dir := inferDirection(sig)
	total, aligned := 0, 0
	for _, p := range peers {
		if p.Symbol != sig.Symbol || p.AgentID == sig.AgentID {
			continue
		}
		if math.Abs(p.Score-sig.Score) > band {
			continue
		}
		total++
		if inferDirection(p) == dir {
			aligned++
		}
	}
	if total == 0 {
		return 0.5
	}
	return float64(aligned) / float64(total)
}
