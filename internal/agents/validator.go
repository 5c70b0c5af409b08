package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/internal/portfolio"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// ValidatorPool is tier 2. Each worker is pinned to one sector and to the
// validated streams of the supervisors it owns, and enforces the sector's
// risk budget: symbol-in-sector, exposure limit, position concentration and
// a composite sector-risk ceiling, in that order.
type ValidatorPool struct {
	pool
}

type validatorWorker struct {
	*worker
	cfg   config.ValidatorsConfig
	scfg  config.StreamsConfig
	store streams.Store
	view  portfolio.View
	mctx  market.ContextProvider

	sector  string
	limit   float64
	table   map[string]struct{}
	streams []string
}

// NewValidatorPool assigns worker k the sector at position k modulo the
// sorted sector list and the supervisors whose index modulo count is k.
func NewValidatorPool(cfg config.ValidatorsConfig, scfg config.StreamsConfig, sectors map[string][]string, supervisorCount int, store streams.Store, view portfolio.View, mctx market.ContextProvider, log *zap.Logger) *ValidatorPool {
	names := make([]string, 0, len(sectors))
	for name := range sectors {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &ValidatorPool{pool: newPool(TierValidators, log)}
	for i := 0; i < cfg.Count; i++ {
		var sector string
		table := make(map[string]struct{})
		if len(names) > 0 {
			sector = names[i%len(names)]
			for _, symbol := range sectors[sector] {
				table[symbol] = struct{}{}
			}
		}

		limit := cfg.DefaultSectorLimit
		if l, ok := cfg.SectorLimits[sector]; ok {
			limit = l
		}

		w := &validatorWorker{
			worker:  newWorker(fmt.Sprintf("validator_%03d", i), TierValidators, log),
			cfg:     cfg,
			scfg:    scfg,
			store:   store,
			view:    view,
			mctx:    mctx,
			sector:  sector,
			limit:   limit,
			table:   table,
			streams: ownedStreams(i, cfg.Count, supervisorCount),
		}
		p.add(w.worker, w.run)
	}
	return p
}

// ownedStreams lists the validated streams of the supervisors whose index
// is congruent to this worker's modulo the validator count.
func ownedStreams(index, validatorCount, supervisorCount int) []string {
	var owned []string
	for j := index; j < supervisorCount; j += validatorCount {
		owned = append(owned, models.ValidatedStream(fmt.Sprintf("supervisor_%03d", j)))
	}
	return owned
}

func (w *validatorWorker) run(ctx context.Context) {
	for _, stream := range w.streams {
		if err := w.store.EnsureGroup(ctx, stream, models.GroupValidators); err != nil {
			w.log.Error("ensure consumer group", zap.String("stream", stream), zap.Error(err))
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if len(w.streams) == 0 {
			// More validators than supervisors: nothing to own.
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.scfg.ConsumeBlock):
			}
			continue
		}
		for _, stream := range w.streams {
			if ctx.Err() != nil {
				return
			}
			entries, err := w.store.Consume(ctx, stream, models.GroupValidators,
				w.id, w.scfg.ConsumeCount, w.scfg.ConsumeBlock)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("consume failed, backing off",
					zap.String("stream", stream),
					zap.Error(err))
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
}

func (w *validatorWorker) handle(ctx context.Context, entry streams.Entry) {
	sig, err := models.DecodeSignal(entry.ID, entry.Values)
	if err != nil {
		w.log.Warn("malformed stream entry", zap.String("id", entry.ID), zap.Error(err))
		w.markSkipped()
		return
	}
	w.markProcessed()

	if _, ok := w.table[sig.Symbol]; !ok {
		w.reject(sig, ReasonUnknownSector)
		return
	}

	total, err := w.view.TotalValue(ctx)
	if err != nil {
		w.log.Warn("portfolio read failed", zap.Error(err))
		w.markSkipped()
		return
	}
	exposure, err := w.view.SectorExposure(ctx, w.sector)
	if err != nil {
		w.log.Warn("portfolio read failed", zap.Error(err))
		w.markSkipped()
		return
	}

	var exposureFrac float64
	if total.IsPositive() {
		exposureFrac = exposure.Div(total).InexactFloat64()
	}
	// Project the exposure as if this trade opened at nominal size.
	if !total.IsPositive() || exposureFrac+w.cfg.NominalPositionPct > w.limit {
		w.reject(sig, ReasonSectorExposure)
		return
	}

	count, err := w.view.SectorPositionCount(ctx, w.sector)
	if err != nil {
		w.log.Warn("portfolio read failed", zap.Error(err))
		w.markSkipped()
		return
	}
	if count >= w.cfg.MaxSectorPositions {
		w.reject(sig, ReasonSectorConcentration)
		return
	}

	risk := w.sectorRisk(ctx, exposureFrac)
	if risk > w.cfg.RiskCeiling {
		w.reject(sig, ReasonSectorRisk)
		return
	}

	meta := map[string]any{
		models.MetaValidatorID:       w.id,
		models.MetaSector:            w.sector,
		models.MetaSectorRiskScore:   risk,
		models.MetaSectorExposurePct: exposureFrac * 100,
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
	if _, err := w.store.Publish(ctx, models.ApprovedStream(w.id), fields); err != nil {
		w.log.Warn("publish failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	w.markPassed()
}

func (w *validatorWorker) reject(sig *models.Signal, reason string) {
	w.markRejected(reason)
	w.log.Debug("signal rejected",
		zap.String("symbol", sig.Symbol),
		zap.String("sector", w.sector),
		zap.String("reason", reason))
}

// sectorRisk folds sector volatility, how much of the sector's exposure
// budget is spent, momentum and the market regime into one 0-1 score.
func (w *validatorWorker) sectorRisk(ctx context.Context, exposureFrac float64) float64 {
	vol := w.mctx.SectorVolatility(ctx, w.sector)

	var budget float64
	if w.limit > 0 {
		budget = math.Min(exposureFrac/w.limit, 1)
	}

	momentumRisk := (1 - w.mctx.SectorMomentum(ctx, w.sector)) / 2

	var regimeRisk float64
	switch w.mctx.Regime(ctx) {
	case market.RegimeBearish:
		regimeRisk = 1.0
	case market.RegimeBullish:
		regimeRisk = 0.2
	default:
		regimeRisk = 0.5
	}

	return 0.35*vol + 0.25*budget + 0.20*momentumRisk + 0.20*regimeRisk
}
