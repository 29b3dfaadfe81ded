package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "meshrelayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesMeshDefaultsAndSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
node_id: test-node-001
data_dir: ./data
controller:
  primary_url: https://controller.example
mesh:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.Mesh.ListenPort)
	require.Equal(t, 1000, cfg.Mesh.BufferMaxItems)
	require.Equal(t, 1, cfg.Version)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("MESHRELAY_TOKEN", "secret-token")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
node_id: test-node-001
data_dir: ./data
controller:
  primary_url: https://controller.example
  auth_token: ${MESHRELAY_TOKEN}
mesh:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret-token", cfg.Controller.AuthToken)
}

func TestLoadSubstitutesEnvVarDefault(t *testing.T) {
	os.Unsetenv("MESHRELAY_MISSING")
	dir := t.TempDir()
	path := writeConfig(t, dir, `
node_id: test-node-001
data_dir: ./data
controller:
  primary_url: https://controller.example
  auth_token: ${MESHRELAY_MISSING:-fallback-token}
mesh:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "fallback-token", cfg.Controller.AuthToken)
}

func TestLoadRejectsOverlyPermissiveMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshrelayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: x\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsFutureConfigVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: 99
node_id: test-node-001
data_dir: ./data
controller:
  primary_url: https://controller.example
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfigVersionTooNew)
}

func TestValidateRequiresNodeIDAndControllerURL(t *testing.T) {
	require.Error(t, Validate(&Config{}))
	require.Error(t, Validate(&Config{NodeID: "n"}))
	require.NoError(t, Validate(&Config{NodeID: "n", Controller: ControllerConfig{PrimaryURL: "https://x"}}))
}

func TestValidateSkipsMeshBoundsWhenDisabled(t *testing.T) {
	cfg := &Config{
		NodeID:     "n",
		Controller: ControllerConfig{PrimaryURL: "https://x"},
		Mesh:       MeshConfig{Enabled: false, ListenPort: 1},
	}
	require.NoError(t, Validate(cfg))
}

func TestValidateEnforcesMeshBoundsWhenEnabled(t *testing.T) {
	base := func() MeshConfig {
		return MeshConfig{
			Enabled:                  true,
			ListenPort:               7777,
			HeartbeatIntervalSeconds: 10,
			PeerTimeoutSeconds:       30,
			RouteCacheTTLSeconds:     60,
			MaxHops:                  5,
		}
	}

	cfg := &Config{NodeID: "n", Controller: ControllerConfig{PrimaryURL: "https://x"}, Mesh: base()}
	require.NoError(t, Validate(cfg))

	bad := base()
	bad.ListenPort = 80
	cfg.Mesh = bad
	require.Error(t, Validate(cfg))

	bad = base()
	bad.MaxHops = 1
	cfg.Mesh = bad
	require.Error(t, Validate(cfg))

	bad = base()
	bad.PeerTimeoutSeconds = 5
	bad.HeartbeatIntervalSeconds = 10
	cfg.Mesh = bad
	require.Error(t, Validate(cfg), "peer_timeout must be >= heartbeat_interval")
}

func TestValidateRequiresPeerFields(t *testing.T) {
	cfg := &Config{
		NodeID:     "n",
		Controller: ControllerConfig{PrimaryURL: "https://x"},
		Mesh: MeshConfig{
			Enabled: true, ListenPort: 7777, HeartbeatIntervalSeconds: 10,
			PeerTimeoutSeconds: 30, RouteCacheTTLSeconds: 60, MaxHops: 5,
			Peers: []MeshPeerConfig{{NodeID: "", Address: "1.2.3.4"}},
		},
	}
	require.Error(t, Validate(cfg))
}

func TestFindConfigFileExplicitPathMissing(t *testing.T) {
	_, err := FindConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestFindConfigFileExplicitPathFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "node_id: x\n")
	found, err := FindConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, path, found)
}

func TestWriteDefaultThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "meshrelayd.yaml")
	require.NoError(t, WriteDefault(path, "test-node-001", "https://controller.example"))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test-node-001", cfg.NodeID)
	require.False(t, cfg.Mesh.Enabled)
}
