package portfolio

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Book is the in-memory View implementation. It starts with a cash balance
// and lets positions be opened and closed; the pipeline only reads it, the
// write methods exist for tests and for a future execution hook.
type Book struct {
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]Position
}

// NewBook returns a book holding only cash.
func NewBook(cash decimal.Decimal) *Book {
	return &Book{
		cash:      cash,
		positions: make(map[string]Position),
	}
}

// Open records a position, debiting its value from cash. An existing
// position on the same symbol is rejected rather than averaged.
func (b *Book) Open(p Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.positions[p.Symbol]; exists {
		return fmt.Errorf("position already open for %s", p.Symbol)
	}
	if p.Value.GreaterThan(b.cash) {
		return fmt.Errorf("insufficient cash for %s: need %s, have %s", p.Symbol, p.Value, b.cash)
	}
	b.cash = b.cash.Sub(p.Value)
	b.positions[p.Symbol] = p
	return nil
}

// Close removes a position, crediting its value back to cash.
func (b *Book) Close(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.positions[symbol]
	if !exists {
		return fmt.Errorf("no open position for %s", symbol)
	}
	b.cash = b.cash.Add(p.Value)
	delete(b.positions, symbol)
	return nil
}

// TotalValue is cash plus all open position values.
func (b *Book) TotalValue(_ context.Context) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.cash
	for _, p := range b.positions {
		total = total.Add(p.Value)
	}
	return total, nil
}

// SectorExposure sums open position values in the sector.
func (b *Book) SectorExposure(_ context.Context, sector string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := decimal.Zero
	for _, p := range b.positions {
		if p.Sector == sector {
			total = total.Add(p.Value)
		}
	}
	return total, nil
}

// SectorPositionCount counts open positions in the sector.
func (b *Book) SectorPositionCount(_ context.Context, sector string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, p := range b.positions {
		if p.Sector == sector {
			n++
		}
	}
	return n, nil
}

// Positions lists open holdings.
func (b *Book) Positions(_ context.Context) ([]Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}
