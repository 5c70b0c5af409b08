package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// Shared stubs for the collaborator interfaces. The real simulator is
// exercised in its own package; tier tests want exact control.

type stubData struct {
	snap market.Snapshot
	err  error
}

func (s stubData) Snapshot(_ context.Context, symbol string) (market.Snapshot, error) {
	if s.err != nil {
		return market.Snapshot{}, s.err
	}
	snap := s.snap
	snap.Symbol = symbol
	return snap, nil
}

type stubScorer struct {
	score float64
	err   error
}

func (s stubScorer) Score(context.Context, market.Snapshot) (float64, map[string]float64, error) {
	if s.err != nil {
		return 0, nil, s.err
	}
	return s.score, map[string]float64{"technical": s.score}, nil
}

type stubContext struct {
	regime      market.Regime
	marketVol   float64
	sectorVol   float64
	momentum    float64
	correlation float64
}

func (s stubContext) Regime(context.Context) market.Regime                { return s.regime }
func (s stubContext) MarketVolatility(context.Context) float64            { return s.marketVol }
func (s stubContext) SectorVolatility(context.Context, string) float64    { return s.sectorVol }
func (s stubContext) SectorMomentum(context.Context, string) float64      { return s.momentum }
func (s stubContext) SectorCorrelation(context.Context) float64           { return s.correlation }

type stubNews struct{ items []string }

func (s stubNews) RecentNews(context.Context, string, int) ([]string, error) {
	return s.items, nil
}

func benignContext() stubContext {
	return stubContext{
		regime:      market.RegimeNeutral,
		marketVol:   0.30,
		sectorVol:   0.30,
		momentum:    0.20,
		correlation: 0.40,
	}
}

// strongSnapshot clears every light filter with room to spare.
func strongSnapshot() market.Snapshot {
	return market.Snapshot{
		Price:     150,
		Volume:    2_000_000,
		AvgVolume: 1_500_000,
		ChangePct: 3.2,
		Trend:     0.6,
		Sentiment: 0.5,
		FlowRatio: 1.4,
	}
}

func testStreamsCfg() config.StreamsConfig {
	return config.StreamsConfig{
		MaxLen:       1000,
		ConsumeCount: 10,
		ConsumeBlock: 50 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
		Retention:    24 * time.Hour,
	}
}

// deepSignal builds a scanner-tier deep signal the later tiers can consume.
func deepSignal(t *testing.T, symbol, agentID string, score float64) *models.Signal {
	t.Helper()
	sig := models.NewSignal(symbol, agentID, score)
	for k, v := range map[string]any{
		models.MetaScanType:  "deep",
		models.MetaPrice:     150.0,
		models.MetaVolume:    2_000_000.0,
		models.MetaChangePct: 3.2,
		models.MetaTrend:     0.6,
		models.MetaSentiment: 0.5,
		models.MetaFlowRatio: 1.4,
	} {
		require.NoError(t, sig.SetMeta(k, v))
	}
	return sig
}

func publishSignal(t *testing.T, store streams.Store, stream string, sig *models.Signal) {
	t.Helper()
	fields, err := sig.Encode()
	require.NoError(t, err)
	_, err = store.Publish(context.Background(), stream, fields)
	require.NoError(t, err)
}

// drain consumes everything currently on the stream for the group.
func drain(t *testing.T, store streams.Store, stream, group, consumer string) []streams.Entry {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, stream, group))
	entries, err := store.Consume(ctx, stream, group, consumer, 100, 0)
	require.NoError(t, err)
	return entries
}

// decodeTail decodes the newest count signals on the stream.
func decodeTail(t *testing.T, store streams.Store, stream string, count int64) []*models.Signal {
	t.Helper()
	entries, err := store.Tail(context.Background(), stream, count)
	require.NoError(t, err)
	out := make([]*models.Signal, 0, len(entries))
	for _, e := range entries {
		sig, err := models.DecodeSignal(e.ID, e.Values)
		require.NoError(t, err)
		out = append(out, sig)
	}
	return out
}
