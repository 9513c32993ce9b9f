package gatewayconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_ParsesYAMLAdaptersAndAgents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := `
adapters:
  - name: virtual0
    kind: virtual
    options:
      device_count: 2
agents:
  - name: ws0
    kind: websocket
    options:
      address: ":8080"
signing_key: "file-key"
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Adapters, 1)
	require.Equal(t, "virtual", cfg.Adapters[0].Kind)
	require.Len(t, cfg.Agents, 1)
	require.Equal(t, "websocket", cfg.Agents[0].Kind)
	require.Equal(t, "file-key", cfg.SigningKey)
	require.Equal(t, "debug", cfg.LogLevel)

	raw, err := cfg.Adapters[0].RawOptions()
	require.NoError(t, err)
	require.JSONEq(t, `{"device_count":2}`, string(raw))
}

func TestLoad_EnvironmentOverridesSigningKey(t *testing.T) {
	t.Setenv("IOTILE_SIGNING_KEY", "env-key")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.SigningKey)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
}
