// Package agents implements the four tiers of the validation hierarchy:
// scanners discover candidates, supervisors vet the scanners, validators
// enforce sector risk, and the final authority decides. Each tier is a pool
// of workers; every worker runs as one cancellable goroutine whose liveness
// the health monitors read from its running flag.
package agents

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/pkg/metrics"
)

// Tier names, also used in metrics labels and performance keys.
const (
	TierScanners    = "scanners"
	TierSupervisors = "supervisors"
	TierValidators  = "validators"
	TierAuthority   = "authority"
)

// Gate rejection reasons. Fixed strings: they key the rejection counters and
// the metrics, and operators grep for them.
const (
	ReasonScoreThreshold      = "score_threshold"
	ReasonLowReliability      = "low_reliability"
	ReasonLowConsensus        = "low_consensus"
	ReasonUnknownSector       = "unknown_sector"
	ReasonSectorExposure      = "sector_exposure"
	ReasonSectorConcentration = "sector_concentration"
	ReasonSectorRisk          = "sector_risk"
	ReasonNotApproved         = "not_approved"
	ReasonLowConfidence       = "low_confidence"
)

// WorkerStats is one worker's counter snapshot.
type WorkerStats struct {
	ID        string           `json:"id"`
	Tier      string           `json:"tier"`
	Running   bool             `json:"running"`
	Processed int64            `json:"processed"`
	Passed    int64            `json:"passed"`
	Skipped   int64            `json:"skipped,omitempty"`
	Rejected  map[string]int64 `json:"rejected,omitempty"`
}

// PoolStats aggregates a tier.
type PoolStats struct {
	Tier      string           `json:"tier"`
	Total     int              `json:"total"`
	Running   int              `json:"running"`
	Processed int64            `json:"processed"`
	Passed    int64            `json:"passed"`
	Skipped   int64            `json:"skipped"`
	Rejected  map[string]int64 `json:"rejected"`
	Workers   []WorkerStats    `json:"workers,omitempty"`
}

// Pool is one tier as the orchestrator drives it.
type Pool interface {
	Tier() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	// DeadWorkers lists workers whose task has exited. Nil while the pool
	// is stopped.
	DeadWorkers() []string
	// Restart relaunches a dead worker. Relaunching a live worker is a
	// no-op.
	Restart(id string) error
	Stats() PoolStats
}

// worker is the state shared by every tier's worker type.
type worker struct {
	id   string
	tier string
	log  *zap.Logger

	running atomic.Bool

	mu        sync.Mutex
	done      chan struct{}
	processed int64
	passed    int64
	skipped   int64
	rejected  map[string]int64
}

func newWorker(id, tier string, log *zap.Logger) *worker {
	done := make(chan struct{})
	close(done)
	return &worker{
		id:       id,
		tier:     tier,
		log:      log.With(zap.String("tier", tier), zap.String("worker", id)),
		done:     done,
		rejected: make(map[string]int64),
	}
}

// launch starts the worker's loop goroutine, reporting false if the worker
// is already live. A panic in the loop marks the worker dead rather than
// killing the process; the health monitor sees the cleared running flag and
// relaunches.
func (w *worker) launch(ctx context.Context, loop func(context.Context)) bool {
	w.mu.Lock()
	if w.running.Load() {
		w.mu.Unlock()
		return false
	}
	w.running.Store(true)
	done := make(chan struct{})
	w.done = done
	w.mu.Unlock()

	metrics.WorkersRunning.WithLabelValues(w.tier).Inc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("worker panicked", zap.Any("panic", r))
			}
			w.running.Store(false)
			metrics.WorkersRunning.WithLabelValues(w.tier).Dec()
			close(done)
		}()
		loop(ctx)
	}()
	return true
}

func (w *worker) doneChan() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *worker) markProcessed() {
	w.mu.Lock()
	w.processed++
	w.mu.Unlock()
	metrics.SignalsProcessed.WithLabelValues(w.tier).Inc()
}

func (w *worker) markPassed() {
	w.mu.Lock()
	w.passed++
	w.mu.Unlock()
	metrics.SignalsPassed.WithLabelValues(w.tier).Inc()
}

func (w *worker) markSkipped() {
	w.mu.Lock()
	w.skipped++
	w.mu.Unlock()
}

func (w *worker) markRejected(reason string) {
	w.mu.Lock()
	w.rejected[reason]++
	w.mu.Unlock()
	metrics.SignalsRejected.WithLabelValues(w.tier, reason).Inc()
}

func (w *worker) snapshot() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	rejected := make(map[string]int64, len(w.rejected))
	for k, v := range w.rejected {
		rejected[k] = v
	}
	return WorkerStats{
		ID:        w.id,
		Tier:      w.tier,
		Running:   w.running.Load(),
		Processed: w.processed,
		Passed:    w.passed,
		Skipped:   w.skipped,
		Rejected:  rejected,
	}
}

// pool implements the lifecycle mechanics shared by every tier: concurrent
// worker launch, cancel-and-wait stop, dead-worker listing and relaunch.
type pool struct {
	tier string
	log  *zap.Logger

	mu      sync.Mutex
	workers []*worker
	loops   map[string]func(context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func newPool(tier string, log *zap.Logger) pool {
	return pool{
		tier:  tier,
		log:   log,
		loops: make(map[string]func(context.Context)),
	}
}

// add registers a worker and its loop. Construction only, before Start.
func (p *pool) add(w *worker, loop func(context.Context)) {
	p.workers = append(p.workers, w)
	p.loops[w.id] = loop
}

func (p *pool) Tier() string {
	return p.tier
}

// Start launches every worker under a context cancelled by Stop.
func (p *pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("%s pool already started", p.tier)
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	workers := append([]*worker(nil), p.workers...)
	runCtx := p.ctx
	p.mu.Unlock()

	for _, w := range workers {
		w.launch(runCtx, p.loops[w.id])
	}
	p.log.Info("pool started",
		zap.String("tier", p.tier),
		zap.Int("workers", len(workers)))
	return nil
}

// Stop cancels the pool context and waits for every worker task to end,
// bounded by timeout.
func (p *pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.started = false
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	deadline := time.After(timeout)
	for _, w := range workers {
		select {
		case <-w.doneChan():
		case <-deadline:
			return fmt.Errorf("%s pool: worker %s still running after %s", p.tier, w.id, timeout)
		}
	}
	p.log.Info("pool stopped", zap.String("tier", p.tier))
	return nil
}

func (p *pool) DeadWorkers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}
	var out []string
	for _, w := range p.workers {
		if !w.running.Load() {
			out = append(out, w.id)
		}
	}
	return out
}

func (p *pool) Restart(id string) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("%s pool is not running", p.tier)
	}
	var target *worker
	for _, w := range p.workers {
		if w.id == id {
			target = w
			break
		}
	}
	loop := p.loops[id]
	runCtx := p.ctx
	p.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%s pool: unknown worker %s", p.tier, id)
	}
	if target.launch(runCtx, loop) {
		metrics.WorkerRestarts.WithLabelValues(p.tier).Inc()
	}
	return nil
}

func (p *pool) Stats() PoolStats {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	st := PoolStats{
		Tier:     p.tier,
		Total:    len(workers),
		Rejected: make(map[string]int64),
	}
	for _, w := range workers {
		ws := w.snapshot()
		if ws.Running {
			st.Running++
		}
		st.Processed += ws.Processed
		st.Passed += ws.Passed
		st.Skipped += ws.Skipped
		for reason, n := range ws.Rejected {
			st.Rejected[reason] += n
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}
