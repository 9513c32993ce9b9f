package gatewayconfig

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ComponentConfig names one adapter or agent instance to construct at
// startup and the options block its registry.AdapterFactory/
// AgentFactory receives verbatim.
type ComponentConfig struct {
	Name    string         `mapstructure:"name" json:"name"`
	Kind    string         `mapstructure:"kind" json:"kind"`
	Options map[string]any `mapstructure:"options" json:"options"`
}

// RawOptions re-marshals Options as the json.RawMessage a
// registry.AdapterFactory or registry.AgentFactory expects.
func (c ComponentConfig) RawOptions() (json.RawMessage, error) {
	if c.Options == nil {
		return nil, nil
	}
	return json.Marshal(c.Options)
}

// Config is the gateway's full startup configuration.
type Config struct {
	Adapters []ComponentConfig `mapstructure:"adapters" json:"adapters"`
	Agents   []ComponentConfig `mapstructure:"agents" json:"agents"`

	// SigningKey is the gateway's pkg/signedreport device key, read
	// through the same viper instance as file configuration so
	// IOTILE_SIGNING_KEY and a config-file signing_key share one
	// precedence chain, per the SPEC_FULL.md addendum.
	SigningKey string `mapstructure:"signing_key" json:"signing_key"`

	// LogLevel is the minimum level the gateway's logger emits at.
	LogLevel string `mapstructure:"log_level" json:"log_level"`

	// JournalPath persists the retransmission journal (pkg/journal) to
	// disk so a gateway restart can still replay reports a client missed
	// while it was down. Empty keeps the journal in-memory only.
	JournalPath string `mapstructure:"journal_path" json:"journal_path"`

	// JournalCapacity bounds how many reports pkg/journal retains per
	// (device, selector) key. <= 0 selects journal.DefaultCapacity.
	JournalCapacity int `mapstructure:"journal_capacity" json:"journal_capacity"`

	// ProbeInterval schedules a periodic Probe() sweep across every
	// configured adapter whose Capabilities().RequiresProbe is set, as a
	// cron expression understood by github.com/robfig/cron/v3. Empty
	// disables periodic probing.
	ProbeInterval string `mapstructure:"probe_interval" json:"probe_interval"`

	// Discovery advertises this gateway over mDNS so peers on the local
	// network can find it without prior configuration, per spec §4.8's
	// supplemented network-discovery feature.
	Discovery DiscoveryConfig `mapstructure:"discovery" json:"discovery"`
}

// DiscoveryConfig controls pkg/adapter/netdiscovery advertisement.
type DiscoveryConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	GatewayID string `mapstructure:"gateway_id" json:"gateway_id"`
	Port      uint16 `mapstructure:"port" json:"port"`
	Interface string `mapstructure:"interface" json:"interface"`
}

// Load reads Config from path (JSON or YAML, inferred from its
// extension) and overlays it with IOTILE_-prefixed environment
// variables. An empty path loads configuration purely from the
// environment and in-code defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IOTILE")
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "yml" {
			ext = "yaml"
		}
		if ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("gatewayconfig: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("gatewayconfig: decode: %w", err)
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = v.GetString("signing_key")
	}
	return &cfg, nil
}
