package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlytrade/onlytrade/internal/store"
)

func writeManifest(t *testing.T, agentsDir, agentID string) {
	t.Helper()
	m := Manifest{
		AgentID:      agentID,
		AgentName:    "Test " + agentID,
		AIModel:      "gpt-4o-mini",
		ExchangeID:   "cn_a_sim",
		TradingStyle: "momentum_trend",
		RiskProfile:  "balanced",
		StockPool:    []string{"600519", "000001"},
	}
	path := filepath.Join(agentsDir, agentID, "agent.json")
	require.NoError(t, store.WriteJSONAtomic(path, m))
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	agentsDir := filepath.Join(t.TempDir(), "agents")
	dataDir := filepath.Join(t.TempDir(), "data")
	writeManifest(t, agentsDir, "trader_alpha")
	writeManifest(t, agentsDir, "trader_beta")

	r, err := New(agentsDir, dataDir, zerolog.Nop())
	require.NoError(t, err)
	return r, agentsDir
}

func TestRegisterDefaultsAndIdempotence(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Register("trader_alpha"))

	entry, ok := r.Get("trader_alpha")
	require.True(t, ok)
	assert.Equal(t, StatusStopped, entry.Status)
	assert.True(t, entry.ShowInLobby)
	assert.NotEmpty(t, entry.RegisteredAt)

	// Registering again keeps the original entry.
	require.NoError(t, r.Register("trader_alpha"))
	again, _ := r.Get("trader_alpha")
	assert.Equal(t, entry.RegisteredAt, again.RegisteredAt)
}

func TestRegisterRequiresValidManifest(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Register("Bad-ID")
	assert.ErrorIs(t, err, ErrInvalidAgentID)

	err = r.Register("trader_missing")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestManifestFolderMismatchRejected(t *testing.T) {
	agentsDir := filepath.Join(t.TempDir(), "agents")
	m := Manifest{AgentID: "trader_real", AgentName: "X", AIModel: "m", ExchangeID: "e"}
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(agentsDir, "trader_folder", "agent.json"), m))

	_, err := LoadManifest(agentsDir, "trader_folder")
	assert.ErrorIs(t, err, ErrInvalidAgentID)

	available, err := Discover(agentsDir)
	require.NoError(t, err)
	assert.Empty(t, available, "mismatched manifest is skipped")
}

func TestStartStopLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("trader_alpha"))
	require.NoError(t, r.Register("trader_beta"))

	require.NoError(t, r.Start("trader_alpha"))
	assert.Equal(t, []string{"trader_alpha"}, r.Running())

	entry, _ := r.Get("trader_alpha")
	assert.Equal(t, StatusRunning, entry.Status)
	assert.NotEmpty(t, entry.LastStartedAt)

	require.NoError(t, r.Stop("trader_alpha"))
	assert.Empty(t, r.Running())
	entry, _ = r.Get("trader_alpha")
	assert.NotEmpty(t, entry.LastStoppedAt)

	assert.ErrorIs(t, r.Start("trader_unregistered"), ErrNotRegistered)
}

func TestUnregisterRestoresOriginalState(t *testing.T) {
	r, _ := newTestRegistry(t)

	before := r.Registered()
	require.NoError(t, r.Register("trader_alpha"))
	require.NoError(t, r.Unregister("trader_alpha"))

	assert.Equal(t, before, r.Registered())
	assert.ErrorIs(t, r.Unregister("trader_alpha"), ErrNotRegistered)
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	agentsDir := filepath.Join(t.TempDir(), "agents")
	dataDir := filepath.Join(t.TempDir(), "data")
	writeManifest(t, agentsDir, "trader_alpha")

	r, err := New(agentsDir, dataDir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Register("trader_alpha"))
	require.NoError(t, r.Start("trader_alpha"))

	r2, err := New(agentsDir, dataDir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"trader_alpha"}, r2.Running())
}

func TestReconcileDropsMissingManifests(t *testing.T) {
	r, agentsDir := newTestRegistry(t)
	require.NoError(t, r.Register("trader_alpha"))
	require.NoError(t, r.Register("trader_beta"))

	require.NoError(t, os.RemoveAll(filepath.Join(agentsDir, "trader_beta")))
	require.NoError(t, r.Reconcile())

	assert.Equal(t, []string{"trader_alpha"}, r.Registered())

	// Registered stays a subset of available.
	available, err := r.Available()
	require.NoError(t, err)
	for _, id := range r.Registered() {
		_, ok := available[id]
		assert.True(t, ok)
	}
}

func TestLobbyListing(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register("trader_alpha"))
	require.NoError(t, r.Register("trader_beta"))

	assert.Equal(t, []string{"trader_alpha", "trader_beta"}, r.Lobby())
}
