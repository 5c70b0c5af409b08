package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// ScannerPool is tier 4. Each worker owns a small slice of the symbol
// universe and runs two cadences in one task: a coarse light scan that
// filters on liquidity and price movement, and a fine deep scan that
// re-scores only the symbols the light scan marked hot. The pool also runs
// its own worker health monitor.
type ScannerPool struct {
	pool
	cfg         config.ScannersConfig
	monitorDone chan struct{}
}

type scannerWorker struct {
	*worker
	cfg     config.ScannersConfig
	store   streams.Store
	data    market.DataProvider
	scorer  market.Scorer
	symbols []string

	hotMu sync.Mutex
	hot   map[string]struct{}
}

// partitionSymbols deals the universe round-robin: worker i owns symbols
// i, i+count, i+2*count, ... capped at max each. The partition is a pure
// function of the universe ordering, so restarts reassign identically.
func partitionSymbols(universe []string, count, max int) [][]string {
	out := make([][]string, count)
	for i := 0; i < count; i++ {
		for j := i; j < len(universe) && len(out[i]) < max; j += count {
			out[i] = append(out[i], universe[j])
		}
	}
	return out
}

// NewScannerPool builds one worker per partition slot.
func NewScannerPool(cfg config.ScannersConfig, universe []string, store streams.Store, data market.DataProvider, scorer market.Scorer, log *zap.Logger) *ScannerPool {
	p := &ScannerPool{pool: newPool(TierScanners, log), cfg: cfg}
	for i, symbols := range partitionSymbols(universe, cfg.Count, cfg.MaxSymbols) {
		w := &scannerWorker{
			worker:  newWorker(fmt.Sprintf("scanner_%03d", i), TierScanners, log),
			cfg:     cfg,
			store:   store,
			data:    data,
			scorer:  scorer,
			symbols: symbols,
			hot:     make(map[string]struct{}),
		}
		p.add(w.worker, w.run)
	}
	return p
}

// Start launches the workers and the pool's health monitor.
func (p *ScannerPool) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	runCtx := p.ctx
	p.mu.Unlock()

	p.monitorDone = make(chan struct{})
	go p.monitor(runCtx, p.monitorDone)
	return nil
}

// Stop stops the workers, then waits for the monitor to exit.
func (p *ScannerPool) Stop(timeout time.Duration) error {
	err := p.pool.Stop(timeout)
	if p.monitorDone != nil {
		select {
		case <-p.monitorDone:
		case <-time.After(timeout):
			if err == nil {
				err = fmt.Errorf("scanner monitor still running after %s", timeout)
			}
		}
		p.monitorDone = nil
	}
	return err
}

func (p *ScannerPool) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range p.DeadWorkers() {
				p.log.Warn("scanner worker dead, relaunching", zap.String("worker", id))
				if err := p.Restart(id); err != nil {
					p.log.Error("scanner relaunch failed",
						zap.String("worker", id),
						zap.Error(err))
				}
			}
		}
	}
}

func (w *scannerWorker) run(ctx context.Context) {
	light := time.NewTicker(w.cfg.LightInterval)
	defer light.Stop()
	deep := time.NewTicker(w.cfg.DeepInterval)
	defer deep.Stop()

	// First pass immediately; the tickers pace everything after.
	w.lightScan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-light.C:
			w.lightScan(ctx)
		case <-deep.C:
			w.deepScan(ctx)
		}
	}
}

// lightScore grades a raw liquidity/move pass without the full scorer: a
// low-confidence candidate, capped below the deep-scan threshold.
func lightScore(snap market.Snapshot) float64 {
	s := 40 + math.Abs(snap.ChangePct)*5
	if s > 65 {
		s = 65
	}
	return s
}

func (w *scannerWorker) lightScan(ctx context.Context) {
	for _, symbol := range w.symbols {
		if ctx.Err() != nil {
			return
		}
		snap, err := w.data.Snapshot(ctx, symbol)
		if err != nil {
			w.log.Warn("snapshot failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		w.markProcessed()

		if snap.Price < w.cfg.MinPrice ||
			snap.Volume < w.cfg.MinVolume ||
			math.Abs(snap.ChangePct) < w.cfg.MinChangePct {
			w.markSkipped()
			continue
		}

		w.setHot(symbol, true)
		sig, err := w.buildLight(snap)
		if err != nil {
			w.log.Error("build light signal", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		w.emit(ctx, sig)
	}
}

func (w *scannerWorker) deepScan(ctx context.Context) {
	for _, symbol := range w.hotSymbols() {
		if ctx.Err() != nil {
			return
		}
		snap, err := w.data.Snapshot(ctx, symbol)
		if err != nil {
			w.log.Warn("snapshot failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		w.markProcessed()

		score, breakdown, err := w.scorer.Score(ctx, snap)
		if err != nil {
			w.log.Warn("scorer failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if score < w.cfg.DeepScanThreshold {
			// Cooled off: demote until a light pass promotes it again.
			w.setHot(symbol, false)
			w.markSkipped()
			continue
		}

		sig, err := w.buildDeep(snap, score, breakdown)
		if err != nil {
			w.log.Error("build deep signal", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		w.emit(ctx, sig)
	}
}

func (w *scannerWorker) buildLight(snap market.Snapshot) (*models.Signal, error) {
	sig := models.NewSignal(snap.Symbol, w.id, lightScore(snap))
	meta := map[string]any{
		models.MetaScanType:  "light",
		models.MetaPrice:     snap.Price,
		models.MetaVolume:    snap.Volume,
		models.MetaChangePct: snap.ChangePct,
	}
	for k, v := range meta {
		if err := sig.SetMeta(k, v); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

func (w *scannerWorker) buildDeep(snap market.Snapshot, score float64, breakdown map[string]float64) (*models.Signal, error) {
	sig := models.NewSignal(snap.Symbol, w.id, score)
	meta := map[string]any{
		models.MetaScanType:       "deep",
		models.MetaPrice:          snap.Price,
		models.MetaVolume:         snap.Volume,
		models.MetaChangePct:      snap.ChangePct,
		models.MetaTrend:          snap.Trend,
		models.MetaSentiment:      snap.Sentiment,
		models.MetaFlowRatio:      snap.FlowRatio,
		models.MetaScoreBreakdown: breakdown,
	}
	for k, v := range meta {
		if err := sig.SetMeta(k, v); err != nil {
			return nil, err
		}
	}
	return sig, nil
}

// emit publishes to the universe stream and records the worker's
// performance sample.
func (w *scannerWorker) emit(ctx context.Context, sig *models.Signal) {
	fields, err := sig.Encode()
	if err != nil {
		w.log.Error("encode signal", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if _, err := w.store.Publish(ctx, models.StreamUniverse, fields); err != nil {
		w.log.Warn("publish failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if err := w.store.AppendSample(ctx, models.TierPerformanceKey(TierScanners, w.id), time.Now(), sig.Score); err != nil {
		w.log.Debug("performance sample failed", zap.Error(err))
	}
	w.markPassed()
}

func (w *scannerWorker) setHot(symbol string, hot bool) {
	w.hotMu.Lock()
	defer w.hotMu.Unlock()
	if hot {
		w.hot[symbol] = struct{}{}
	} else {
		delete(w.hot, symbol)
	}
}

func (w *scannerWorker) hotSymbols() []string {
	w.hotMu.Lock()
	defer w.hotMu.Unlock()

	out := make([]string, 0, len(w.hot))
	for s := range w.hot {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
