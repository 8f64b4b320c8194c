package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlay-relay/router/internal/types"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "router_config.json"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.HTTP.Workers)
	require.True(t, cfg.Security.PortIsolationEnabled)
	require.NotNil(t, cfg.Assignment)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_config.json")

	cfg := Default()
	cfg.Services = append(cfg.Services, types.ServiceDefinition{
		Name:          "asr",
		TargetURL:     "http://127.0.0.1:5000",
		WhitelistPort: []int{5000, 5001},
	})
	cfg.Assignment["asr"] = "node-1"
	cfg.Enabled["asr"] = true

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Services, loaded.Services)
	require.Equal(t, "node-1", loaded.Assignment["asr"])
	require.True(t, loaded.Enabled["asr"])
}

func TestSave_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router_config.json")

	cfg := Default()
	require.NoError(t, Save(path, cfg))

	cfg.Security.PortIsolationEnabled = false
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.False(t, loaded.Security.PortIsolationEnabled)

	entries, err := filepath.Glob(filepath.Join(dir, ".router_config-*.tmp"))
	require.NoError(t, err)
	require.Empty(t, entries, "no leftover temp files after a successful save")
}
