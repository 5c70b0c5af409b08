package market

import "context"

// Component weights of the composite score. Technical action dominates,
// order-flow and dark-pool prints refine it.
const (
	weightTechnical = 0.40
	weightSentiment = 0.25
	weightFlow      = 0.20
	weightDarkPool  = 0.15
)

// CompositeScorer is the reference Scorer: four 0-100 components folded into
// a weighted composite. It is deterministic for a given snapshot, which the
// deep-scan loop relies on when deciding whether a symbol stays hot.
type CompositeScorer struct{}

// NewCompositeScorer returns the reference scorer.
func NewCompositeScorer() *CompositeScorer {
	return &CompositeScorer{}
}

// Score computes the composite and its breakdown.
func (CompositeScorer) Score(_ context.Context, snap Snapshot) (float64, map[string]float64, error) {
	technical := clamp(50+snap.Trend*30+clamp(snap.ChangePct, -5, 5)*4, 0, 100)
	sentiment := clamp(50+snap.Sentiment*50, 0, 100)
	flow := clamp(snap.FlowRatio/2*100, 0, 100)

	// Volume running above its average stands in for dark-pool prints: a
	// surge without visible price follow-through reads as accumulation.
	darkPool := 50.0
	if snap.AvgVolume > 0 {
		darkPool = clamp(50+(snap.Volume/snap.AvgVolume-1)*60, 0, 100)
	}

	breakdown := map[string]float64{
		"technical": technical,
		"sentiment": sentiment,
		"flow":      flow,
		"dark_pool": darkPool,
	}
	score := technical*weightTechnical +
		sentiment*weightSentiment +
		flow*weightFlow +
		darkPool*weightDarkPool
	return clamp(score, 0, 100), breakdown, nil
}
