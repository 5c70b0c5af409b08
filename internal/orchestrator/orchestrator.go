// Package orchestrator drives the lifecycle of the four tier pools: ordered
// startup with rollback, reverse-order shutdown, a health loop that
// relaunches dead workers under a per-cycle budget, and a stats loop that
// derives cross-tier flow rates for the control plane.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/agents"
	"github.com/quantfleet/cascade/internal/config"
)

// State is the lifecycle phase of the pipeline.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Health grades, keyed on the fraction of workers running.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

var (
	// ErrAlreadyRunning is returned by Start unless the pipeline is stopped.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrNotRunning is returned by Stop unless the pipeline is running.
	ErrNotRunning = errors.New("pipeline not running")
)

// Status is the operator-facing summary.
type Status struct {
	State         State   `json:"state"`
	Running       bool    `json:"running"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	AgentsRunning int     `json:"agents_running"`
	AgentsTotal   int     `json:"agents_total"`
	HealthPct     float64 `json:"health_pct"`
}

// TierHealth grades one tier.
type TierHealth struct {
	Tier    string  `json:"tier"`
	Running int     `json:"running"`
	Total   int     `json:"total"`
	Pct     float64 `json:"pct"`
	Status  string  `json:"status"`
}

// Health is the per-tier breakdown; Status carries the worst tier's grade.
type Health struct {
	Status string       `json:"status"`
	Tiers  []TierHealth `json:"tiers"`
}

// Flow counts signals crossing each tier boundary since process start.
type Flow struct {
	Emitted   int64 `json:"emitted"`
	Validated int64 `json:"validated"`
	Approved  int64 `json:"approved"`
	Final     int64 `json:"final"`
	Rejected  int64 `json:"rejected"`
}

// Stats is the full per-tier breakdown with derived rates.
type Stats struct {
	State            State              `json:"state"`
	UptimeSeconds    float64            `json:"uptime_seconds"`
	Tiers            []agents.PoolStats `json:"tiers"`
	Flow             Flow               `json:"flow"`
	ThroughputPerMin float64            `json:"throughput_per_min"`
	ApprovalRate     float64            `json:"approval_rate"`
}

// Orchestrator owns the tier pools, in start order: scanners first, the
// final authority last. Stop tears down in reverse.
type Orchestrator struct {
	cfg   config.OrchestratorConfig
	pools []agents.Pool
	log   *zap.Logger

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	cancel      context.CancelFunc
	prevEmitted int64
	prevAt      time.Time
	rate        float64

	wg sync.WaitGroup
}

// New wires the orchestrator over the pools in start order.
func New(cfg config.OrchestratorConfig, log *zap.Logger, pools ...agents.Pool) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		pools: pools,
		log:   log,
		state: StateStopped,
	}
}

// Start launches every tier in order, then the health and stats loops. A
// tier failing to start rolls back the tiers already running and returns
// the error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("cannot start while %s: %w", o.state, ErrAlreadyRunning)
	}
	o.state = StateStarting
	o.mu.Unlock()

	o.log.Info("starting pipeline", zap.Int("tiers", len(o.pools)))
	for i, p := range o.pools {
		if err := p.Start(ctx); err != nil {
			o.log.Error("tier failed to start, rolling back",
				zap.String("tier", p.Tier()),
				zap.Error(err))
			o.rollback(i)
			return fmt.Errorf("start %s: %w", p.Tier(), err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	emitted := o.emittedCount()

	o.mu.Lock()
	o.cancel = cancel
	o.startedAt = time.Now()
	o.prevEmitted = emitted
	o.prevAt = o.startedAt
	o.rate = 0
	o.state = StateRunning
	o.mu.Unlock()

	o.wg.Add(2)
	go o.healthLoop(loopCtx)
	go o.statsLoop(loopCtx)

	o.log.Info("pipeline running",
		zap.Duration("health_interval", o.cfg.HealthInterval),
		zap.Duration("stats_interval", o.cfg.StatsInterval))
	return nil
}

// rollback stops the first n pools in reverse order after a failed start.
func (o *Orchestrator) rollback(n int) {
	for i := n - 1; i >= 0; i-- {
		if err := o.pools[i].Stop(o.cfg.StopTimeout); err != nil {
			o.log.Warn("rollback stop incomplete",
				zap.String("tier", o.pools[i].Tier()),
				zap.Error(err))
		}
	}
	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()
}

// Stop cancels the background loops, then tears down the tiers in reverse
// order, waiting out each pool's workers up to the configured timeout.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return fmt.Errorf("cannot stop while %s: %w", o.state, ErrNotRunning)
	}
	o.state = StateStopping
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	var errs []error
	for i := len(o.pools) - 1; i >= 0; i-- {
		p := o.pools[i]
		if err := p.Stop(o.cfg.StopTimeout); err != nil {
			o.log.Warn("tier stop incomplete",
				zap.String("tier", p.Tier()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	o.mu.Lock()
	o.state = StateStopped
	o.startedAt = time.Time{}
	o.mu.Unlock()

	o.log.Info("pipeline stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reviveDead()
		}
	}
}

// reviveDead relaunches dead workers, at most MaxRestartsPerCycle per tier
// per cycle so a crash loop cannot monopolize the scheduler.
func (o *Orchestrator) reviveDead() {
	for _, p := range o.pools {
		dead := p.DeadWorkers()
		if len(dead) == 0 {
			continue
		}
		o.log.Warn("dead workers detected",
			zap.String("tier", p.Tier()),
			zap.Int("count", len(dead)))
		for i, id := range dead {
			if i >= o.cfg.MaxRestartsPerCycle {
				o.log.Warn("restart budget exhausted this cycle",
					zap.String("tier", p.Tier()),
					zap.Int("deferred", len(dead)-i))
				break
			}
			if err := p.Restart(id); err != nil {
				o.log.Error("worker restart failed",
					zap.String("worker", id),
					zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) statsLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshRates()
		}
	}
}

// refreshRates recomputes pipeline throughput from the growth of the
// scanner tier's emit counter since the previous cycle.
func (o *Orchestrator) refreshRates() {
	emitted := o.emittedCount()
	now := time.Now()

	o.mu.Lock()
	if minutes := now.Sub(o.prevAt).Minutes(); minutes > 0 {
		o.rate = float64(emitted-o.prevEmitted) / minutes
	}
	o.prevEmitted = emitted
	o.prevAt = now
	o.mu.Unlock()
}

func (o *Orchestrator) emittedCount() int64 {
	for _, p := range o.pools {
		if p.Tier() == agents.TierScanners {
			return p.Stats().Passed
		}
	}
	return 0
}

// Status reports the lifecycle summary.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	state := o.state
	started := o.startedAt
	o.mu.Unlock()

	var uptime float64
	if state == StateRunning && !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}

	running, total := 0, 0
	for _, p := range o.pools {
		st := p.Stats()
		running += st.Running
		total += st.Total
	}
	pct := 100.0
	if total > 0 {
		pct = float64(running) / float64(total) * 100
	}
	return Status{
		State:         state,
		Running:       state == StateRunning,
		UptimeSeconds: uptime,
		AgentsRunning: running,
		AgentsTotal:   total,
		HealthPct:     pct,
	}
}

// Health grades each tier and the pipeline by the worst tier.
func (o *Orchestrator) Health() Health {
	rank := map[string]int{HealthHealthy: 0, HealthDegraded: 1, HealthCritical: 2}
	out := Health{Status: HealthHealthy}
	for _, p := range o.pools {
		st := p.Stats()
		pct := 100.0
		if st.Total > 0 {
			pct = float64(st.Running) / float64(st.Total) * 100
		}
		th := TierHealth{
			Tier:    st.Tier,
			Running: st.Running,
			Total:   st.Total,
			Pct:     pct,
			Status:  healthGrade(pct),
		}
		out.Tiers = append(out.Tiers, th)
		if rank[th.Status] > rank[out.Status] {
			out.Status = th.Status
		}
	}
	return out
}

func healthGrade(pct float64) string {
	switch {
	case pct >= 95:
		return HealthHealthy
	case pct >= 80:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// Stats assembles the full control-plane breakdown.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	state := o.state
	started := o.startedAt
	rate := o.rate
	o.mu.Unlock()

	out := Stats{State: state, ThroughputPerMin: rate}
	if state == StateRunning && !started.IsZero() {
		out.UptimeSeconds = time.Since(started).Seconds()
	}

	for _, p := range o.pools {
		st := p.Stats()
		out.Tiers = append(out.Tiers, st)
		for _, n := range st.Rejected {
			out.Flow.Rejected += n
		}
		switch st.Tier {
		case agents.TierScanners:
			out.Flow.Emitted = st.Passed
		case agents.TierSupervisors:
			out.Flow.Validated = st.Passed
		case agents.TierValidators:
			out.Flow.Approved = st.Passed
		case agents.TierAuthority:
			out.Flow.Final = st.Passed
		}
	}
	if out.Flow.Emitted > 0 {
		out.ApprovalRate = float64(out.Flow.Final) / float64(out.Flow.Emitted)
	}
	return out
}
