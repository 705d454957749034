package sandbox

import (
	"fmt"
	"strings"
)

// bwrapArgs builds the bubblewrap argument list for a config. The root
// filesystem is bound read-only, the writable set read-write, and the
// deny-read paths masked with empty tmpfs mounts. Networking is cut with
// --unshare-net under deny-all; allow-list relies on a proxy the runtime
// config points the agent at, so the namespace stays shared.
func bwrapArgs(cfg Config) []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--die-with-parent",
	}

	for _, p := range cfg.WritableSet() {
		args = append(args, "--bind", p, p)
	}
	for _, p := range cfg.DenyReadPaths {
		args = append(args, "--tmpfs", p)
	}

	if domains, restricted := cfg.NetworkSection(); restricted && len(domains) == 0 {
		args = append(args, "--unshare-net")
	}

	return args
}

// seatbeltProfile renders a Seatbelt policy for sandbox-exec -p.
func seatbeltProfile(cfg Config) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(allow default)\n")

	b.WriteString("(deny file-write*)\n")
	for _, p := range cfg.WritableSet() {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", p)
	}
	b.WriteString("(allow file-write* (subpath \"/tmp\") (subpath \"/private/tmp\") (subpath \"/dev\"))\n")

	for _, p := range cfg.DenyReadPaths {
		fmt.Fprintf(&b, "(deny file-read* (subpath %q))\n", p)
	}

	if domains, restricted := cfg.NetworkSection(); restricted && len(domains) == 0 {
		b.WriteString("(deny network*)\n")
	}

	return b.String()
}
