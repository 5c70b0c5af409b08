package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
)

// Simulator is the reference DataProvider, ContextProvider and NewsProvider.
// Prices follow a seeded random walk per symbol so runs are reproducible;
// sector conditions derive from the sector name so the same configuration
// always sees the same risk surface.
type Simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	state  map[string]*symbolState
	regime Regime
}

type symbolState struct {
	price     float64
	avgVolume float64
	trend     float64
	sentiment float64
}

// NewSimulator returns a simulator seeded for reproducible walks.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		state:  make(map[string]*symbolState),
		regime: RegimeNeutral,
	}
}

// SetRegime overrides the reported market regime.
func (s *Simulator) SetRegime(r Regime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regime = r
}

func symbolSeed(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol)) //nolint:errcheck
	return h.Sum32()
}

func (s *Simulator) symbol(symbol string) *symbolState {
	st, ok := s.state[symbol]
	if !ok {
		seed := symbolSeed(symbol)
		st = &symbolState{
			price:     20 + float64(seed%480),
			avgVolume: 800_000 + float64(seed%4_200_000),
			trend:     float64(int32(seed%200)-100) / 100,
		}
		s.state[symbol] = st
	}
	return st
}

// Snapshot advances the symbol's walk one step and reports it.
func (s *Simulator) Snapshot(_ context.Context, symbol string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.symbol(symbol)
	st.price *= 1 + st.trend*0.002 + (s.rng.Float64()-0.5)*0.02
	if st.price < 1 {
		st.price = 1
	}
	st.trend = clamp(st.trend+(s.rng.Float64()-0.5)*0.2, -1, 1)
	st.sentiment = clamp(st.sentiment+(s.rng.Float64()-0.5)*0.3, -1, 1)

	volume := st.avgVolume * (0.6 + s.rng.Float64()*0.9)
	change := st.trend*1.5 + (s.rng.Float64()-0.5)*5

	return Snapshot{
		Symbol:    symbol,
		Price:     st.price,
		Volume:    volume,
		AvgVolume: st.avgVolume,
		ChangePct: change,
		Trend:     st.trend,
		Sentiment: st.sentiment,
		FlowRatio: clamp(1+st.trend*0.5+(s.rng.Float64()-0.5)*0.6, 0.2, 2.5),
	}, nil
}

// Regime reports the configured market direction.
func (s *Simulator) Regime(_ context.Context) Regime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regime
}

// MarketVolatility is held at a calm baseline.
func (s *Simulator) MarketVolatility(_ context.Context) float64 {
	return 0.30
}

// SectorVolatility derives a stable 0.20-0.49 value from the sector name.
func (s *Simulator) SectorVolatility(_ context.Context, sector string) float64 {
	return 0.20 + float64(symbolSeed(sector)%30)/100
}

// SectorMomentum derives a stable -0.3..0.5 value from the sector name.
func (s *Simulator) SectorMomentum(_ context.Context, sector string) float64 {
	return -0.3 + float64(symbolSeed(sector)%80)/100
}

// SectorCorrelation is held at a moderate baseline.
func (s *Simulator) SectorCorrelation(_ context.Context) float64 {
	return 0.40
}

var headlineTemplates = []string{
	"%s beats quarterly earnings estimates",
	"Analysts raise %s price target",
	"%s announces expanded buyback program",
	"Sector rotation lifts %s on heavy volume",
	"%s unveils new product line at investor day",
}

// RecentNews returns canned headlines so deep scans and decision prompts
// have material to work with offline.
func (s *Simulator) RecentNews(_ context.Context, symbol string, limit int) ([]string, error) {
	if limit <= 0 || limit > len(headlineTemplates) {
		limit = len(headlineTemplates)
	}
	out := make([]string, 0, limit)
	start := int(symbolSeed(symbol)) % len(headlineTemplates)
	for i := 0; i < limit; i++ {
		tmpl := headlineTemplates[(start+i)%len(headlineTemplates)]
		out = append(out, fmt.Sprintf(tmpl, symbol))
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
