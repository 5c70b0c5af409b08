// Package portfolio exposes the read surface the validation tiers consult
// for exposure and concentration decisions, plus an in-memory book used when
// no execution system is attached.
package portfolio

import (
	"context"

	"github.com/shopspring/decimal"
)

// Position is one open holding.
type Position struct {
	Symbol   string          `json:"symbol"`
	Sector   string          `json:"sector"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
}

// View is what the validator tier and the final authority read. Writes are
// out of scope for the pipeline itself; an execution system supplies its own
// implementation.
type View interface {
	// TotalValue is cash plus the marked value of all open positions.
	TotalValue(ctx context.Context) (decimal.Decimal, error)

	// SectorExposure is the summed value of open positions in the sector.
	SectorExposure(ctx context.Context, sector string) (decimal.Decimal, error)

	// SectorPositionCount is the number of open positions in the sector.
	SectorPositionCount(ctx context.Context, sector string) (int, error)

	// Positions lists every open holding.
	Positions(ctx context.Context) ([]Position, error)
}
