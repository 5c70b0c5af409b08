package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/pkg/models"
)

// approveThreshold is the confidence floor below which the rule-based policy
// declines a signal.
const approveThreshold = 65.0

// Deterministic is the rule-based policy: base confidence from the score
// tier, penalties for crowded or risky books, a small bonus in a bullish
// tape. It needs no external calls and is the failover target for every
// other policy.
type Deterministic struct{}

// NewDeterministic returns the rule-based policy.
func NewDeterministic() *Deterministic {
	return &Deterministic{}
}

func baseConfidence(score float64) float64 {
	switch {
	case score >= 90:
		return 92
	case score >= 80:
		return 85
	case score >= 70:
		return 78
	case score >= 60:
		return 70
	default:
		return 60
	}
}

// Decide applies the rule table. It never returns an error.
func (Deterministic) Decide(_ context.Context, sig *models.Signal, dc DecisionContext) (Decision, error) {
	conf := baseConfidence(sig.Score)
	notes := []string{fmt.Sprintf("score %.0f base %.0f", sig.Score, conf)}

	switch {
	case dc.SectorExposure > 0.50:
		conf -= 10
		notes = append(notes, fmt.Sprintf("sector exposure %.0f%% -10", dc.SectorExposure*100))
	case dc.SectorExposure > 0.30:
		conf -= 5
		notes = append(notes, fmt.Sprintf("sector exposure %.0f%% -5", dc.SectorExposure*100))
	}
	if dc.SectorPositions >= 3 {
		conf -= 10
		notes = append(notes, fmt.Sprintf("%d sector positions -10", dc.SectorPositions))
	}
	if dc.PortfolioRisk > 0.70 {
		conf -= 10
		notes = append(notes, fmt.Sprintf("portfolio risk %.2f -10", dc.PortfolioRisk))
	}
	switch dc.Regime {
	case market.RegimeBearish:
		conf -= 10
		notes = append(notes, "bearish regime -10")
	case market.RegimeBullish:
		conf += 5
		notes = append(notes, "bullish regime +5")
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}

	return Decision{
		Approved:   conf >= approveThreshold,
		Confidence: conf,
		Reasoning:  strings.Join(notes, "; "),
		Policy:     "deterministic",
	}, nil
}
