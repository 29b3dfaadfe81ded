package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions warns (by erroring) if a config file is
// group/world readable. Config files carry a controller auth token.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads, substitutes environment variables into, parses, and
// validates a config file.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	raw = substituteEnvVars(raw)

	substituted, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config after substitution: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(substituted, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade meshrelayd", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyMeshDefaults(&cfg.Mesh)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnvVars recursively replaces ${VAR} and ${VAR:-default} string
// values anywhere in a parsed YAML tree, matching the original agent's
// config-loading behavior.
func substituteEnvVars(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substituteEnvVars(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteEnvVars(item)
		}
		return out
	case string:
		return substituteEnvVarString(val)
	default:
		return v
	}
}

func substituteEnvVarString(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	spec := s[2 : len(s)-1]
	if name, def, ok := strings.Cut(spec, ":-"); ok {
		if v, present := os.LookupEnv(name); present {
			return v
		}
		return def
	}
	if v, present := os.LookupEnv(spec); present {
		return v
	}
	return s
}

func applyMeshDefaults(m *MeshConfig) {
	if m.ListenPort == 0 {
		m.ListenPort = 7777
	}
	if m.HeartbeatIntervalSeconds == 0 {
		m.HeartbeatIntervalSeconds = 10
	}
	if m.PeerTimeoutSeconds == 0 {
		m.PeerTimeoutSeconds = 30
	}
	if m.RouteCacheTTLSeconds == 0 {
		m.RouteCacheTTLSeconds = 60
	}
	if m.MaxHops == 0 {
		m.MaxHops = 5
	}
	if m.BufferMaxItems == 0 {
		m.BufferMaxItems = 1000
	}
	if m.BufferFlushBatchSize == 0 {
		m.BufferFlushBatchSize = 50
	}
}

// Validate checks field bounds against spec §6. Bounds are only enforced
// when the mesh subsystem is enabled.
func Validate(cfg *Config) error {
	if cfg.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if cfg.Controller.PrimaryURL == "" {
		return fmt.Errorf("controller.primary_url is required")
	}

	if !cfg.Mesh.Enabled {
		return nil
	}
	m := cfg.Mesh
	if m.ListenPort < 1024 || m.ListenPort > 65535 {
		return fmt.Errorf("mesh.listen_port must be 1024-65535, got %d", m.ListenPort)
	}
	if m.HeartbeatIntervalSeconds < 1 || m.HeartbeatIntervalSeconds > 60 {
		return fmt.Errorf("mesh.heartbeat_interval_seconds must be 1-60, got %v", m.HeartbeatIntervalSeconds)
	}
	if m.PeerTimeoutSeconds < 5 || m.PeerTimeoutSeconds > 300 {
		return fmt.Errorf("mesh.peer_timeout_seconds must be 5-300, got %v", m.PeerTimeoutSeconds)
	}
	if m.PeerTimeoutSeconds < m.HeartbeatIntervalSeconds {
		return fmt.Errorf("mesh.peer_timeout_seconds (%v) must be >= heartbeat_interval_seconds (%v)", m.PeerTimeoutSeconds, m.HeartbeatIntervalSeconds)
	}
	if m.RouteCacheTTLSeconds < 10 || m.RouteCacheTTLSeconds > 600 {
		return fmt.Errorf("mesh.route_cache_ttl_seconds must be 10-600, got %d", m.RouteCacheTTLSeconds)
	}
	if m.MaxHops < 2 || m.MaxHops > 10 {
		return fmt.Errorf("mesh.max_hops must be 2-10, got %d", m.MaxHops)
	}
	for _, p := range m.Peers {
		if p.NodeID == "" {
			return fmt.Errorf("mesh.peers: node_id is required")
		}
		if p.Address == "" {
			return fmt.Errorf("mesh.peers[%s]: address is required", p.NodeID)
		}
	}
	return nil
}

// FindConfigFile searches standard locations for a meshrelayd config file.
// Search order: explicitPath (if given), ./meshrelayd.yaml,
// ~/.config/meshrelayd/config.yaml, /etc/meshrelayd/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"meshrelayd.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "meshrelayd", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "meshrelayd", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'meshrelayd init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns ~/.config/meshrelayd.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "meshrelayd"), nil
}

// Default returns a populated default configuration for the given node id
// and controller URL, as written by `meshrelayd init`.
func Default(nodeID, controllerURL string) *Config {
	return &Config{
		Version: CurrentConfigVersion,
		NodeID:  nodeID,
		Name:    fmt.Sprintf("Node %s", nodeID),
		DataDir: "./data",
		LogLevel: "info",
		Controller: ControllerConfig{
			PrimaryURL:     controllerURL,
			TimeoutSeconds: 30,
		},
		Mesh: MeshConfig{
			Enabled:                  false,
			ListenPort:               7777,
			HeartbeatIntervalSeconds: 10,
			PeerTimeoutSeconds:       30,
			RouteCacheTTLSeconds:     60,
			MaxHops:                  5,
			BufferMaxItems:           1000,
			BufferFlushBatchSize:     50,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9091",
		},
	}
}

// WriteDefault writes a default configuration to path, creating parent
// directories as needed. Used by `meshrelayd init`.
func WriteDefault(path, nodeID, controllerURL string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default(nodeID, controllerURL))
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
