// Package policy holds the interchangeable decision strategies the final
// authority delegates to. Two implementations ship: a deterministic
// rule-based policy and an LLM-backed policy that fails over to the
// deterministic one on any error, so the pipeline never stalls on an
// external model.
package policy

import (
	"context"

	"github.com/quantfleet/cascade/internal/market"
	"github.com/quantfleet/cascade/pkg/models"
)

// DecisionContext is the portfolio and market state gathered for one signal.
type DecisionContext struct {
	// SectorExposure is current same-sector exposure as a fraction of
	// total portfolio value.
	SectorExposure float64
	// SectorPositions is the number of open positions in the signal's
	// sector.
	SectorPositions int
	// PortfolioRisk is the 0-1 composite of concentration, correlation
	// and market volatility.
	PortfolioRisk float64
	Regime        market.Regime
	RecentNews    []string
}

// Decision is a policy's verdict on one signal.
type Decision struct {
	Approved   bool
	Confidence float64 // 0-100
	Reasoning  string
	// Policy names the strategy that actually produced the verdict, which
	// differs from the configured one after a failover.
	Policy string
}

// Policy decides whether an approved-tier signal becomes a final trade
// signal.
type Policy interface {
	Decide(ctx context.Context, sig *models.Signal, dc DecisionContext) (Decision, error)
}
