package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RepoConfig describes one repository managed by the workspace.
type RepoConfig struct {
	// Name is the repository's short name (directory under repos/).
	Name string `yaml:"name"`
	// URL is the clone URL of the repository.
	URL string `yaml:"url,omitempty"`
	// DefaultBranch is the repository's default branch. Defaults to main.
	DefaultBranch string `yaml:"default_branch,omitempty"`
}

// AgentConfig names one orchestrated agent in the workspace.
type AgentConfig struct {
	// Name is the agent's routing key (matches tasks' agent_name).
	Name string `yaml:"name"`
	// Provider overrides the agent CLI for this agent (claude, goose, ...).
	Provider string `yaml:"provider,omitempty"`
}

// SandboxConfig is the workspace-level sandbox override block.
type SandboxConfig struct {
	Enabled        bool     `yaml:"enabled,omitempty"`
	NetworkPolicy  string   `yaml:"network_policy,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
	WritablePaths  []string `yaml:"writable_paths,omitempty"`
	DenyReadPaths  []string `yaml:"deny_read_paths,omitempty"`
	ProcessLimit   int      `yaml:"process_limit,omitempty"`
}

// Workspace is the parsed form of bloom.config.yaml.
type Workspace struct {
	// Repos lists the repositories the task graph may reference.
	Repos []RepoConfig `yaml:"repos,omitempty"`
	// Agents lists the named agents `bloom run` starts loops for.
	Agents []AgentConfig `yaml:"agents,omitempty"`
	// ReposDir overrides where bare repos and worktrees are kept.
	ReposDir string `yaml:"reposDir,omitempty"`
	// AutoDetect discovers repos already present under reposDir.
	AutoDetect bool `yaml:"autoDetect,omitempty"`
	// Sandbox holds workspace-level sandbox overrides.
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
}

// LoadWorkspace parses bloom.config.yaml at path with strict decoding.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	cfg := &Workspace{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, r := range cfg.Repos {
		if r.Name == "" {
			return nil, fmt.Errorf("%s: repos[%d] has no name", path, i)
		}
	}
	for i, a := range cfg.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("%s: agents[%d] has no name", path, i)
		}
	}
	return cfg, nil
}

// Repo returns the config block for the named repository, or nil.
func (w *Workspace) Repo(name string) *RepoConfig {
	for i := range w.Repos {
		if w.Repos[i].Name == name {
			return &w.Repos[i]
		}
	}
	return nil
}

// DefaultBranchFor returns the configured default branch for a repository,
// falling back to main.
func (w *Workspace) DefaultBranchFor(name string) string {
	if r := w.Repo(name); r != nil && r.DefaultBranch != "" {
		return r.DefaultBranch
	}
	return "main"
}
