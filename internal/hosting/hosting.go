// Package hosting creates pull requests on the hosted platform behind a
// repository's origin remote. Provider detection is by remote URL; the
// clients shell out to the platform CLIs.
package hosting

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Provider identifies a hosted git platform.
type Provider string

const (
	ProviderGitHub  Provider = "github"
	ProviderForgejo Provider = "forgejo"
)

// knownForgejoHosts are hosts that run Forgejo without "forgejo" in the URL.
var knownForgejoHosts = []string{
	"codeberg.org",
	"git.disroot.org",
}

// Detect picks the provider for an origin remote URL. A "forgejo" substring
// or a known Forgejo host selects Forgejo; everything else is GitHub.
func Detect(remoteURL string) Provider {
	lower := strings.ToLower(remoteURL)
	if strings.Contains(lower, "forgejo") {
		return ProviderForgejo
	}
	for _, host := range knownForgejoHosts {
		if strings.Contains(lower, host) {
			return ProviderForgejo
		}
	}
	return ProviderGitHub
}

// PullRequestSpec describes the pull request to open.
type PullRequestSpec struct {
	Title      string
	Body       string
	BaseBranch string
	HeadBranch string
	// Cwd is the worktree the platform CLI runs in.
	Cwd string
}

// Result reports the outcome of a pull request creation.
type Result struct {
	Success bool
	// URL is the created pull request's URL when the CLI reports one.
	URL string
	// AlreadyExists is set when a PR for the branch already existed;
	// this still counts as success.
	AlreadyExists bool
	// Error is the human-readable failure, when not successful.
	Error string
}

// CreatePullRequest opens a PR for the spec using the provider detected
// from the origin remote of spec.Cwd.
func CreatePullRequest(ctx context.Context, spec PullRequestSpec) Result {
	remote, err := remoteURL(ctx, spec.Cwd)
	if err != nil {
		return Result{Error: "resolve origin remote: " + err.Error()}
	}

	switch Detect(remote) {
	case ProviderForgejo:
		return runPRCommand(ctx, spec, "tea", []string{
			"pr", "create",
			"--title", spec.Title,
			"--description", spec.Body,
			"--base", spec.BaseBranch,
			"--head", spec.HeadBranch,
		})
	default:
		return runPRCommand(ctx, spec, "gh", []string{
			"pr", "create",
			"--title", spec.Title,
			"--body", spec.Body,
			"--base", spec.BaseBranch,
			"--head", spec.HeadBranch,
		})
	}
}

// runPRCommand shells out to a platform CLI and normalises the outcome.
// An "already exists" message on stderr is treated as success.
func runPRCommand(ctx context.Context, spec PullRequestSpec, name string, args []string) Result {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.Cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if err != nil {
		if strings.Contains(strings.ToLower(errOut), "already exists") {
			return Result{Success: true, AlreadyExists: true, URL: firstURL(errOut)}
		}
		msg := errOut
		if msg == "" {
			msg = err.Error()
		}
		return Result{Error: name + " pr create: " + msg}
	}

	return Result{Success: true, URL: firstURL(out)}
}

// firstURL extracts the first http(s) URL from CLI output.
func firstURL(s string) string {
	for _, field := range strings.Fields(s) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}

// remoteURL reads the origin remote of the repository at dir.
func remoteURL(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
