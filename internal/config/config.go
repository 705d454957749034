// Package config handles configuration loading for Bloom.
// The global user config lives under $BLOOM_HOME (default ~/.bloom) and the
// workspace config in bloom.config.yaml at the workspace root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// GitProtocol selects how remote URLs are constructed.
type GitProtocol string

const (
	GitProtocolSSH   GitProtocol = "ssh"
	GitProtocolHTTPS GitProtocol = "https"
)

// AgentDefaults holds the per-agent defaults block of the global config.
type AgentDefaults struct {
	// DefaultModel is the model used when a task does not name one.
	DefaultModel string `mapstructure:"defaultModel"`
	// Models lists the models this agent accepts.
	Models []string `mapstructure:"models"`
	// AllowedTools whitelists tools passed to the agent CLI.
	AllowedTools []string `mapstructure:"allowedTools"`
	// DeniedTools blacklists tools passed to the agent CLI.
	DeniedTools []string `mapstructure:"deniedTools"`
}

// Global is the user-level configuration from $BLOOM_HOME/config.yaml.
type Global struct {
	// GitProtocol is ssh or https.
	GitProtocol GitProtocol `mapstructure:"gitProtocol"`
	// DefaultInteractive is the agent used for interactive sessions.
	DefaultInteractive string `mapstructure:"defaultInteractive"`
	// DefaultNonInteractive is the agent used for orchestrated sessions.
	DefaultNonInteractive string `mapstructure:"defaultNonInteractive"`
	// Timeout is the session activity timeout.
	Timeout time.Duration `mapstructure:"timeout"`
	// Agents maps known agent provider names to their defaults.
	Agents map[string]AgentDefaults `mapstructure:"agents"`
}

// Home returns the Bloom home directory, honouring $BLOOM_HOME.
func Home() string {
	if dir := os.Getenv("BLOOM_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".bloom")
	}
	return filepath.Join(home, ".bloom")
}

// LoadGlobal loads the global user configuration. A missing file yields the
// built-in defaults; a malformed file is a configuration error.
func LoadGlobal() (*Global, error) {
	return LoadGlobalFromPath(filepath.Join(Home(), "config.yaml"))
}

// LoadGlobalFromPath loads the global configuration from a specific path.
func LoadGlobalFromPath(path string) (*Global, error) {
	v := viper.New()
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	cfg := &Global{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling user config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures built-in defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("gitProtocol", string(GitProtocolSSH))
	v.SetDefault("defaultNonInteractive", "claude")
	v.SetDefault("defaultInteractive", "claude")
	v.SetDefault("timeout", "10m")
}

// validate enforces the config invariants.
func (g *Global) validate() error {
	switch g.GitProtocol {
	case GitProtocolSSH, GitProtocolHTTPS:
	default:
		return fmt.Errorf("gitProtocol must be ssh or https, got %q", g.GitProtocol)
	}
	// opencode has no usable built-in model, so a configured opencode
	// section must name one.
	if oc, ok := g.Agents["opencode"]; ok && oc.DefaultModel == "" {
		return fmt.Errorf("agents.opencode.defaultModel is required when an opencode section exists")
	}
	return nil
}

// AgentDefaultsFor returns the defaults block for an agent provider,
// zero-valued when absent.
func (g *Global) AgentDefaultsFor(provider string) AgentDefaults {
	return g.Agents[provider]
}
