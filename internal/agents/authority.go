package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/internal/policy"
	"github.com/quantfleet/cascade/internal/portfolio"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// Authority is tier 1: a single worker consuming every validator's approved
// stream. It gathers portfolio and market context for each signal, delegates
// the verdict to the configured decision policy, and stamps position sizing
// on what survives before publishing to the final stream.
type Authority struct {
	pool
}

type authorityWorker struct {
	*worker
	cfg   config.AuthorityConfig
	scfg  config.StreamsConfig
	store streams.Store
	view  portfolio.View
	mctx  market.ContextProvider
	news  market.NewsProvider
	pol   policy.Policy

	streams []string
}

// NewAuthority builds the singleton pool over all validator output streams.
func NewAuthority(cfg config.AuthorityConfig, scfg config.StreamsConfig, validatorCount int, store streams.Store, view portfolio.View, mctx market.ContextProvider, news market.NewsProvider, pol policy.Policy, log *zap.Logger) *Authority {
	var owned []string
	for i := 0; i < validatorCount; i++ {
		owned = append(owned, models.ApprovedStream(fmt.Sprintf("validator_%03d", i)))
	}

	p := &Authority{pool: newPool(TierAuthority, log)}
	w := &authorityWorker{
		worker:  newWorker("authority_000", TierAuthority, log),
		cfg:     cfg,
		scfg:    scfg,
		store:   store,
		view:    view,
		mctx:    mctx,
		news:    news,
		pol:     pol,
		streams: owned,
	}
	p.add(w.worker, w.run)
	return p
}

func (w *authorityWorker) run(ctx context.Context) {
	for _, stream := range w.streams {
		if err := w.store.EnsureGroup(ctx, stream, models.GroupAuthority); err != nil {
			w.log.Error("ensure consumer group", zap.String("stream", stream), zap.Error(err))
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		for _, stream := range w.streams {
			if ctx.Err() != nil {
				return
			}
			entries, err := w.store.Consume(ctx, stream, models.GroupAuthority,
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

func (w *authorityWorker) handle(ctx context.Context, entry streams.Entry) {
	sig, err := models.DecodeSignal(entry.ID, entry.Values)
	if err != nil {
		w.log.Warn("malformed stream entry", zap.String("id", entry.ID), zap.Error(err))
		w.markSkipped()
		return
	}
	w.markProcessed()

	dc, err := w.decisionContext(ctx, sig)
	if err != nil {
		w.log.Warn("context gather failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		w.markSkipped()
		return
	}

	decision, err := w.pol.Decide(ctx, sig, dc)
	if err != nil {
		// Policies fail over internally; an error here means even the
		// fallback failed.
		w.log.Error("decision failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		w.markSkipped()
		return
	}

	if !decision.Approved {
		w.reject(ctx, sig, ReasonNotApproved, decision)
		return
	}
	if decision.Confidence < w.cfg.MinConfidence {
		w.reject(ctx, sig, ReasonLowConfidence, decision)
		return
	}

	total, err := w.view.TotalValue(ctx)
	if err != nil {
		w.log.Warn("portfolio read failed", zap.Error(err))
		w.markSkipped()
		return
	}
	positionSize := total.Mul(decimal.NewFromFloat(w.cfg.PositionSizePct))
	maxLoss := total.Mul(decimal.NewFromFloat(w.cfg.MaxLossPct))

	meta := map[string]any{
		models.MetaFinalConfidence: decision.Confidence,
		models.MetaReasoning:       decision.Reasoning,
		models.MetaDecisionPolicy:  decision.Policy,
		models.MetaPositionSize:    positionSize.InexactFloat64(),
		models.MetaMaxLoss:         maxLoss.InexactFloat64(),
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
	if _, err := w.store.Publish(ctx, models.StreamFinal, fields); err != nil {
		w.log.Warn("publish failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	w.recordOutcome(ctx, 1)
	w.markPassed()
	w.log.Info("final signal approved",
		zap.String("symbol", sig.Symbol),
		zap.Float64("confidence", decision.Confidence),
		zap.String("policy", decision.Policy))
}

func (w *authorityWorker) reject(ctx context.Context, sig *models.Signal, reason string, decision policy.Decision) {
	w.markRejected(reason)
	w.recordOutcome(ctx, 0)
	w.log.Debug("signal rejected",
		zap.String("symbol", sig.Symbol),
		zap.String("reason", reason),
		zap.Float64("confidence", decision.Confidence),
		zap.String("policy", decision.Policy))
}

func (w *authorityWorker) recordOutcome(ctx context.Context, outcome float64) {
	if err := w.store.AppendSample(ctx, models.TierPerformanceKey(TierAuthority, w.id), time.Now(), outcome); err != nil {
		w.log.Debug("outcome sample failed", zap.Error(err))
	}
}

func (w *authorityWorker) decisionContext(ctx context.Context, sig *models.Signal) (policy.DecisionContext, error) {
	sector, _ := sig.MetaString(models.MetaSector)

	total, err := w.view.TotalValue(ctx)
	if err != nil {
		return policy.DecisionContext{}, fmt.Errorf("total value: %w", err)
	}
	exposure, err := w.view.SectorExposure(ctx, sector)
	if err != nil {
		return policy.DecisionContext{}, fmt.Errorf("sector exposure: %w", err)
	}
	count, err := w.view.SectorPositionCount(ctx, sector)
	if err != nil {
		return policy.DecisionContext{}, fmt.Errorf("sector positions: %w", err)
	}

	var exposureFrac float64
	if total.IsPositive() {
		exposureFrac = exposure.Div(total).InexactFloat64()
	}

	risk, err := w.portfolioRisk(ctx, total)
	if err != nil {
		return policy.DecisionContext{}, err
	}

	headlines, err := w.news.RecentNews(ctx, sig.Symbol, 3)
	if err != nil {
		// Headlines enrich the prompt but are not load-bearing.
		w.log.Debug("news fetch failed", zap.String("symbol", sig.Symbol), zap.Error(err))
	}

	return policy.DecisionContext{
		SectorExposure:  exposureFrac,
		SectorPositions: count,
		PortfolioRisk:   risk,
		Regime:          w.mctx.Regime(ctx),
		RecentNews:      headlines,
	}, nil
}

// portfolioRisk blends book concentration, cross-sector correlation and
// market volatility into the 0-1 composite the policies penalize.
func (w *authorityWorker) portfolioRisk(ctx context.Context, total decimal.Decimal) (float64, error) {
	positions, err := w.view.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("positions: %w", err)
	}

	var concentration float64
	if total.IsPositive() && len(positions) > 0 {
		bySector := make(map[string]decimal.Decimal)
		for _, p := range positions {
			bySector[p.Sector] = bySector[p.Sector].Add(p.Value)
		}
		for _, v := range bySector {
			if share := v.Div(total).InexactFloat64(); share > concentration {
				concentration = share
			}
		}
	}

	risk := 0.4*concentration + 0.3*w.mctx.SectorCorrelation(ctx) + 0.3*w.mctx.MarketVolatility(ctx)
	if risk > 1 {
		risk = 1
	}
	return risk, nil
}
