package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bloom-sh/bloom/internal/config"
	"github.com/bloom-sh/bloom/internal/event"
	"github.com/bloom-sh/bloom/internal/orchestrator"
	"github.com/bloom-sh/bloom/internal/render"
)

var (
	runStream       bool
	runPollInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start all agents in the current workspace",
	Long: `Run starts one work loop per agent named in bloom.config.yaml and blocks
until interrupted. Each loop polls tasks.yaml for runnable tasks, drives
them through agent sessions, and publishes completed branches.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, wcfg, err := findWorkspace()
		if err != nil {
			return err
		}
		global, err := config.LoadGlobal()
		if err != nil {
			return asConfigErr(err)
		}

		bus := event.NewBus()
		console := render.NewConsole(os.Stdout, runStream)
		bus.Subscribe(console.Handle)

		fleet := orchestrator.NewFleet(ws, wcfg, global, bus)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		var got os.Signal
		go func() {
			got = <-sigs
			cancel()
		}()

		if runPollInterval > 0 {
			fleet.SetPollInterval(runPollInterval)
		}

		err = fleet.Run(ctx)
		if s, ok := got.(syscall.Signal); ok {
			os.Exit(128 + int(s))
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Stream agent output to the console")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 0, "Override the idle poll interval")
}
