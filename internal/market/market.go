// Package market defines the external data collaborators the pipeline
// consumes: per-symbol snapshots, composite scoring, market/sector context
// and news. Reference implementations backed by a seeded simulator let the
// binary and the tests run without live feeds.
package market

import "context"

// Regime labels the broad market direction.
type Regime string

const (
	RegimeBullish Regime = "bullish"
	RegimeNeutral Regime = "neutral"
	RegimeBearish Regime = "bearish"
)

// Snapshot is one point-in-time observation of a symbol.
type Snapshot struct {
	Symbol    string
	Price     float64
	Volume    float64
	AvgVolume float64
	ChangePct float64 // percent move over the scan window
	Trend     float64 // -1 (down) .. 1 (up)
	Sentiment float64 // -1 .. 1
	FlowRatio float64 // buy/sell volume ratio, 1 = balanced
}

// DataProvider supplies snapshots to the scanner tier.
type DataProvider interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// Scorer folds a snapshot into a 0-100 conviction score with a per-component
// breakdown.
type Scorer interface {
	Score(ctx context.Context, snap Snapshot) (float64, map[string]float64, error)
}

// ContextProvider reports market- and sector-level conditions used by the
// risk gates and the decision policies.
type ContextProvider interface {
	Regime(ctx context.Context) Regime
	MarketVolatility(ctx context.Context) float64                // 0..1
	SectorVolatility(ctx context.Context, sector string) float64 // 0..1
	SectorMomentum(ctx context.Context, sector string) float64   // -1..1
	SectorCorrelation(ctx context.Context) float64               // 0..1
}

// NewsProvider returns recent headlines for a symbol, newest first.
type NewsProvider interface {
	RecentNews(ctx context.Context, symbol string, limit int) ([]string, error)
}
