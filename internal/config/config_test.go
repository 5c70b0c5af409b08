package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.Load("")
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, 167, cfg.Scanners.Count)
	assert.Equal(t, 20, cfg.Supervisors.Count)
	assert.Equal(t, 10, cfg.Validators.Count)
	assert.Equal(t, 3, cfg.Scanners.MaxSymbols)
	assert.Equal(t, 60.0, cfg.Supervisors.MinScore)
	assert.Equal(t, 0.40, cfg.Supervisors.MinReliability)
	assert.Equal(t, 0.70, cfg.Validators.RiskCeiling)
	assert.Equal(t, 70.0, cfg.Authority.MinConfidence)
	assert.Equal(t, int64(1000), cfg.Streams.MaxLen)
	assert.NotEmpty(t, cfg.Sectors)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("scanners:\n  count: 4\nsupervisors:\n  count: 2\nvalidators:\n  count: 2\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m := NewManager(zap.NewNop())
	_, err := m.Load(path)
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, 4, cfg.Scanners.Count)
	assert.Equal(t, 2, cfg.Supervisors.Count)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Scanners.MaxSymbols)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CASCADE_SCANNERS_COUNT", "9")

	m := NewManager(zap.NewNop())
	_, err := m.Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, m.Config().Scanners.Count)
}

func TestValidationRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("scanners:\n  count: 0\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m := NewManager(zap.NewNop())
	_, err := m.Load(path)
	assert.Error(t, err)
}

func TestUniverseStablePartitioning(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.Load("")
	require.NoError(t, err)
	cfg := m.Config()

	u1 := cfg.Universe()
	u2 := cfg.Universe()
	require.Equal(t, u1, u2)
	assert.NotEmpty(t, u1)

	seen := map[string]bool{}
	for _, sym := range u1 {
		assert.False(t, seen[sym], "duplicate symbol %s", sym)
		seen[sym] = true
	}
}

func TestSectorOf(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.Load("")
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, "technology", cfg.SectorOf("AAPL"))
	assert.Equal(t, "energy", cfg.SectorOf("XOM"))
	assert.Equal(t, "", cfg.SectorOf("ZZZZ"))
}

func TestSectorLimit(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.Load("")
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, 0.30, cfg.SectorLimit("technology"))
	assert.Equal(t, 0.15, cfg.SectorLimit("utilities"))
	// Sector with no explicit limit falls back to the default.
	assert.Equal(t, 0.25, cfg.SectorLimit("financials"))
}
