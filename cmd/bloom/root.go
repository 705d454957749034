package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bloom-sh/bloom/internal/config"
	"github.com/bloom-sh/bloom/internal/workspace"
)

// Exit codes: 0 success, 1 user-visible error, 2 config/validation error,
// 128+N for signal exits (handled in run.go).
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

// configErr marks errors that should exit with the config/validation code.
type configErr struct{ err error }

func (e configErr) Error() string { return e.err.Error() }
func (e configErr) Unwrap() error { return e.err }

// asConfigErr wraps an error as a configuration error.
func asConfigErr(err error) error {
	if err == nil {
		return nil
	}
	return configErr{err: err}
}

var rootCmd = &cobra.Command{
	Use:   "bloom",
	Short: "Multi-agent task orchestrator",
	Long: `Bloom drives a fleet of AI coding agents against the repositories of a
workspace. Tasks live in tasks.yaml; each named agent polls for runnable
tasks, works them step by step in isolated git worktrees, and publishes
finished branches: push, pull request, and a serialised merge into the
integration branch.

Agents report progress back through this same CLI (bloom step done,
bloom done, bloom block, bloom ask), which mutates tasks.yaml atomically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ce configErr
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

// findWorkspace resolves the workspace containing the working directory and
// its bloom.config.yaml.
func findWorkspace() (*workspace.Workspace, *config.Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	ws, err := workspace.Find(cwd)
	if err != nil {
		return nil, nil, asConfigErr(err)
	}
	wcfg, err := config.LoadWorkspace(ws.ConfigPath())
	if err != nil {
		return nil, nil, asConfigErr(err)
	}
	if wcfg.ReposDir != "" {
		ws.ReposDir = wcfg.ReposDir
	}
	return ws, wcfg, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(waitAnswerCmd)
	rootCmd.AddCommand(interjectCmd)
	rootCmd.AddCommand(interjectionsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
