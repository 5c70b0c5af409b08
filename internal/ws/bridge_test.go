package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfleet/cascade/internal/config"
	"github.com/quantfleet/cascade/internal/streams"
	"github.com/quantfleet/cascade/pkg/models"
)

func TestBridgeFansOutSignals(t *testing.T) {
	mem := streams.NewMemory(100, 0)
	reg := NewRegistry(zap.NewNop())
	sub := &stubConn{id: "sub"}
	reg.Connect(sub)
	require.NoError(t, reg.Subscribe("sub", models.StreamUniverse))

	sig := models.NewSignal("AAPL", "scanner_000", 72)
	fields, err := sig.Encode()
	require.NoError(t, err)
	_, err = mem.Publish(context.Background(), models.StreamUniverse, fields)
	require.NoError(t, err)

	b := NewBridge(
		config.BridgeConfig{Streams: []string{models.StreamUniverse}},
		config.StreamsConfig{ConsumeCount: 10, ConsumeBlock: 20 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond},
		mem, reg, zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	require.Eventually(t, func() bool { return sub.received() > 0 },
		time.Second, 10*time.Millisecond)

	sub.mu.Lock()
	raw := sub.msgs[0]
	sub.mu.Unlock()

	var evt Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Equal(t, "signal", evt.Type)
	assert.Equal(t, models.StreamUniverse, evt.Stream)
	assert.False(t, evt.Timestamp.IsZero())

	// The record's payload arrives as the decoded signal object.
	data, ok := evt.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AAPL", data["symbol"])
	assert.EqualValues(t, 72, data["score"])
}

func TestBridgeStopHaltsPumps(t *testing.T) {
	mem := streams.NewMemory(100, 0)
	reg := NewRegistry(zap.NewNop())
	sub := &stubConn{id: "sub"}
	reg.Connect(sub)
	require.NoError(t, reg.Subscribe("sub", models.StreamFinal))

	b := NewBridge(
		config.BridgeConfig{Streams: []string{models.StreamFinal}},
		config.StreamsConfig{ConsumeCount: 10, ConsumeBlock: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond},
		mem, reg, zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	b.Stop()

	// Published after Stop: nobody is pumping anymore.
	sig := models.NewSignal("MSFT", "scanner_001", 80)
	fields, err := sig.Encode()
	require.NoError(t, err)
	_, err = mem.Publish(context.Background(), models.StreamFinal, fields)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sub.received())
}

func TestClassifyStreamPrefixes(t *testing.T) {
	assert.Equal(t, "signal", classify("signals:universe"))
	assert.Equal(t, "signal", classify("signals:final"))
	assert.Equal(t, "news", classify("news:headlines"))
	assert.Equal(t, "event", classify("control:restarts"))
}
