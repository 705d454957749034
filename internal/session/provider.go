package session

import (
	"fmt"
	"strings"

	"github.com/bloom-sh/bloom/internal/config"
)

// CommandSpec carries the Bloom-level parameters a provider translates into
// its CLI invocation.
type CommandSpec struct {
	SystemPrompt    string
	UserPrompt      string
	ResumeSessionID string
	Model           string
	AllowedTools    []string
	DeniedTools     []string
}

// Provider knows how to invoke one agent CLI.
type Provider interface {
	// Name is the provider's registry key.
	Name() string
	// Command translates the spec into an argv for the agent CLI.
	Command(spec CommandSpec) (name string, args []string)
}

// Providers returns the registry of known agent providers.
func Providers() map[string]Provider {
	return map[string]Provider{
		"claude":   claudeProvider{},
		"copilot":  copilotProvider{},
		"goose":    gooseProvider{},
		"opencode": opencodeProvider{},
		"codex":    codexProvider{},
		"cursor":   cursorProvider{},
	}
}

// ProviderByName resolves a provider, applying per-agent defaults from the
// global config to the spec builder.
func ProviderByName(name string) (Provider, error) {
	p, ok := Providers()[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent provider %q", name)
	}
	return p, nil
}

// ApplyDefaults fills spec gaps from the per-agent defaults block.
func ApplyDefaults(spec CommandSpec, defaults config.AgentDefaults) CommandSpec {
	if spec.Model == "" {
		spec.Model = defaults.DefaultModel
	}
	if len(spec.AllowedTools) == 0 {
		spec.AllowedTools = defaults.AllowedTools
	}
	if len(spec.DeniedTools) == 0 {
		spec.DeniedTools = defaults.DeniedTools
	}
	return spec
}

type claudeProvider struct{}

func (claudeProvider) Name() string { return "claude" }

func (claudeProvider) Command(spec CommandSpec) (string, []string) {
	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
	}
	if len(spec.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(spec.AllowedTools, ","))
	}
	if len(spec.DeniedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(spec.DeniedTools, ","))
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	args = append(args, "-p", spec.UserPrompt)
	return "claude", args
}

type copilotProvider struct{}

func (copilotProvider) Name() string { return "copilot" }

func (copilotProvider) Command(spec CommandSpec) (string, []string) {
	args := []string{"--allow-all-tools", "--log-level", "none"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	args = append(args, "-p", spec.UserPrompt)
	return "copilot", args
}

type gooseProvider struct{}

func (gooseProvider) Name() string { return "goose" }

func (gooseProvider) Command(spec CommandSpec) (string, []string) {
	args := []string{"run", "--quiet"}
	if spec.ResumeSessionID != "" {
		args = append(args, "--name", spec.ResumeSessionID, "--resume")
	}
	args = append(args, "--text", spec.UserPrompt)
	return "goose", args
}

type opencodeProvider struct{}

func (opencodeProvider) Name() string { return "opencode" }

func (opencodeProvider) Command(spec CommandSpec) (string, []string) {
	args := []string{"run", "--print-logs"}
	// opencode has no usable built-in default; config validation
	// guarantees a model is present when the provider is configured.
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--session", spec.ResumeSessionID)
	}
	args = append(args, spec.UserPrompt)
	return "opencode", args
}

type codexProvider struct{}

func (codexProvider) Name() string { return "codex" }

func (codexProvider) Command(spec CommandSpec) (string, []string) {
	args := []string{"exec", "--json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "resume", spec.ResumeSessionID)
	}
	args = append(args, spec.UserPrompt)
	return "codex", args
}

type cursorProvider struct{}

func (cursorProvider) Name() string { return "cursor" }

func (cursorProvider) Command(spec CommandSpec) (string, []string) {
	args := []string{"--output-format", "stream-json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	args = append(args, "-p", spec.UserPrompt)
	return "cursor-agent", args
}
