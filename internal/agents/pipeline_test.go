package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfleet/cascade/internal/policy"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

// The four tiers wired over one store, single worker each. Workers are
// driven by hand so the test stays deterministic; the goroutine plumbing is
// covered by the pool tests.
func TestPipelineCarriesSignalThroughAllTiers(t *testing.T) {
	ctx := context.Background()
	mem := streams.NewMemory(1000, 24*time.Hour)

	scanner := newScannerWorker(mem, stubData{snap: strongSnapshot()}, stubScorer{score: 85}, "AAPL")
	supervisor := newSupervisorWorker(mem, 0, 1)
	book := bookWith(t, 900_000, techPosition("MSFT", 100_000))
	validator := newValidatorWorker(mem, book, benignContext())
	authority := newAuthorityWorker(mem, book, policy.NewDeterministic())

	// Give scanner_000 a winning record so the low-confidence light
	// candidate preceding the deep signal does not sink its reliability.
	seedOutcomes(t, mem, "scanner_000", 1, 1, 1)

	scanner.lightScan(ctx)
	scanner.deepScan(ctx)

	n, err := mem.Length(ctx, models.StreamUniverse)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "light candidate plus deep signal")

	for _, e := range drain(t, mem, models.StreamUniverse, models.GroupSupervisors, supervisor.id) {
		supervisor.handle(ctx, e)
	}
	for _, e := range drain(t, mem, models.ValidatedStream("supervisor_000"), models.GroupValidators, validator.id) {
		validator.handle(ctx, e)
	}
	for _, e := range drain(t, mem, models.ApprovedStream("validator_000"), models.GroupAuthority, authority.id) {
		authority.handle(ctx, e)
	}

	finals := decodeTail(t, mem, models.StreamFinal, 10)
	require.Len(t, finals, 1)
	sig := finals[0]

	// Core identity never changes in transit.
	assert.Equal(t, "AAPL", sig.Symbol)
	assert.Equal(t, "scanner_000", sig.AgentID)
	assert.Equal(t, 85.0, sig.Score)

	// Every tier's annotations are present on the final signal.
	for _, key := range []string{
		models.MetaScanType, models.MetaPrice, models.MetaVolume,
		models.MetaChangePct, models.MetaTrend, models.MetaSentiment,
		models.MetaFlowRatio, models.MetaScoreBreakdown,
		models.MetaSupervisorID, models.MetaReliabilityScore,
		models.MetaPeerConsensus, models.MetaCombinedConfidence,
		models.MetaValidatorID, models.MetaSector,
		models.MetaSectorRiskScore, models.MetaSectorExposurePct,
		models.MetaFinalConfidence, models.MetaReasoning,
		models.MetaDecisionPolicy, models.MetaPositionSize, models.MetaMaxLoss,
	} {
		_, present := sig.Meta[key]
		assert.True(t, present, "meta %q lost in transit", key)
	}

	// Light reject plus deep validation: reliability stood at 3/4 when the
	// deep signal was gated.
	reliability, _ := sig.MetaFloat(models.MetaReliabilityScore)
	assert.InDelta(t, 0.75, reliability, 1e-9)

	conf, _ := sig.MetaFloat(models.MetaFinalConfidence)
	assert.Equal(t, 85.0, conf)
	size, _ := sig.MetaFloat(models.MetaPositionSize)
	assert.InDelta(t, 50_000, size, 1e-6)
}

func TestPipelineStopsRejectedSignals(t *testing.T) {
	ctx := context.Background()
	mem := streams.NewMemory(1000, 24*time.Hour)

	// Deep rescoring lands under the emit threshold.
	scanner := newScannerWorker(mem, stubData{snap: strongSnapshot()}, stubScorer{score: 50}, "AAPL")
	supervisor := newSupervisorWorker(mem, 0, 1)

	scanner.lightScan(ctx)
	require.Equal(t, []string{"AAPL"}, scanner.hotSymbols())
	scanner.deepScan(ctx)

	// The cooled symbol is demoted and only the light candidate made it out.
	assert.Empty(t, scanner.hotSymbols())
	n, err := mem.Length(ctx, models.StreamUniverse)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, e := range drain(t, mem, models.StreamUniverse, models.GroupSupervisors, supervisor.id) {
		supervisor.handle(ctx, e)
	}

	// The light candidate dies at the score gate and goes no further.
	assert.Equal(t, int64(1), supervisor.snapshot().Rejected[ReasonScoreThreshold])
	n, err = mem.Length(ctx, models.ValidatedStream("supervisor_000"))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = mem.Length(ctx, models.StreamFinal)
	require.NoError(t, err)
	assert.Zero(t, n)
}
