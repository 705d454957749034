package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloom-sh/bloom/internal/event"
)

func TestNetworkSection(t *testing.T) {
	tests := []struct {
		name       string
		policy     NetworkPolicy
		domains    []string
		want       []string
		restricted bool
	}{
		{"deny-all exports an empty explicit list", NetworkDenyAll, []string{"ignored.dev"}, []string{}, true},
		{"allow-list exports its domains", NetworkAllowList, []string{"api.github.com"}, []string{"api.github.com"}, true},
		{"monitor omits the section", NetworkMonitor, []string{"x"}, nil, false},
		{"disabled omits the section", NetworkDisabled, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{NetworkPolicy: tt.policy, AllowedDomains: tt.domains}
			domains, restricted := cfg.NetworkSection()
			assert.Equal(t, tt.want, domains)
			assert.Equal(t, tt.restricted, restricted)
		})
	}
}

func TestWritableSet(t *testing.T) {
	cfg := Config{
		WorkspacePath: "/ws",
		WritablePaths: []string{"/var/cache/agent"},
	}
	assert.Equal(t, []string{"/ws", "/var/cache/agent"}, cfg.WritableSet(), "workspace always leads")
}

func TestDefaultConfigMasksCredentials(t *testing.T) {
	cfg := DefaultConfig("/ws")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, NetworkDenyAll, cfg.NetworkPolicy)
	require.Len(t, cfg.DenyReadPaths, 3)
	for _, p := range cfg.DenyReadPaths {
		assert.True(t,
			strings.HasSuffix(p, ".ssh") || strings.HasSuffix(p, ".aws") || strings.HasSuffix(p, ".gnupg"),
			"unexpected masked path %s", p)
	}
}

func TestBwrapArgs(t *testing.T) {
	cfg := Config{
		WorkspacePath: "/ws",
		WritablePaths: []string{"/scratch"},
		DenyReadPaths: []string{"/home/u/.ssh"},
		NetworkPolicy: NetworkDenyAll,
	}
	args := strings.Join(bwrapArgs(cfg), " ")

	assert.Contains(t, args, "--ro-bind / /")
	assert.Contains(t, args, "--bind /ws /ws")
	assert.Contains(t, args, "--bind /scratch /scratch")
	assert.Contains(t, args, "--tmpfs /home/u/.ssh")
	assert.Contains(t, args, "--unshare-net")
	assert.Contains(t, args, "--die-with-parent")
}

func TestBwrapArgsKeepsNetworkForAllowList(t *testing.T) {
	cfg := Config{
		WorkspacePath:  "/ws",
		NetworkPolicy:  NetworkAllowList,
		AllowedDomains: []string{"api.github.com"},
	}
	assert.NotContains(t, bwrapArgs(cfg), "--unshare-net",
		"allow-list routes through a proxy, the namespace stays shared")
}

func TestSeatbeltProfile(t *testing.T) {
	cfg := Config{
		WorkspacePath: "/ws",
		DenyReadPaths: []string{"/Users/u/.ssh"},
		NetworkPolicy: NetworkDenyAll,
	}
	profile := seatbeltProfile(cfg)

	assert.Contains(t, profile, "(version 1)")
	assert.Contains(t, profile, "(deny file-write*)")
	assert.Contains(t, profile, `(allow file-write* (subpath "/ws"))`)
	assert.Contains(t, profile, `(deny file-read* (subpath "/Users/u/.ssh"))`)
	assert.Contains(t, profile, "(deny network*)")
}

func TestManagerInstances(t *testing.T) {
	m := NewManager(event.NewBus())

	inst := m.CreateInstance("frontend", "/ws", func(c *Config) {
		c.WritablePaths = []string{"/scratch"}
	})
	require.NotNil(t, inst)
	assert.Equal(t, "frontend", inst.Agent)
	assert.Equal(t, []string{"/ws", "/scratch"}, inst.Config.WritableSet())
	assert.False(t, inst.Sandboxed, "disabled config never wraps")

	assert.Same(t, inst, m.Instance("frontend"))
	assert.Nil(t, m.Instance("backend"))

	m.DestroyInstance("frontend")
	assert.Nil(t, m.Instance("frontend"))
}

func TestManagerWarnsOnceWhenRuntimeMissing(t *testing.T) {
	// Force the degraded path regardless of what is on PATH by pointing
	// PATH at an empty directory.
	t.Setenv("PATH", t.TempDir())

	bus := event.NewBus()
	var warnings int
	bus.Subscribe(func(e event.Event) {
		if e.Type == event.Log {
			warnings++
		}
	})

	m := NewManager(bus)
	m.CreateInstance("a", "/ws", func(c *Config) { c.Enabled = true })
	m.CreateInstance("b", "/ws", func(c *Config) { c.Enabled = true })

	assert.Equal(t, 1, warnings, "degraded sandbox warns once per process")
}

func TestInstanceCommandPassthrough(t *testing.T) {
	m := NewManager(event.NewBus())
	inst := m.CreateInstance("a", "/ws", nil)

	cmd := inst.Command(context.Background(), "echo", []string{"hi"}, "/tmp")
	assert.Equal(t, "/tmp", cmd.Dir)
	require.NotEmpty(t, cmd.Args)
	assert.Contains(t, cmd.Args[0], "echo", "unsandboxed spawns run the program directly")
}

func TestInstanceTracking(t *testing.T) {
	m := NewManager(event.NewBus())
	inst := m.CreateInstance("a", "/ws", nil)

	assert.Equal(t, 0, inst.LiveCount())
	inst.Track(nil)
	assert.Equal(t, 0, inst.LiveCount(), "nil processes are ignored")
}
