package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bloom-sh/bloom/internal/queue"
)

var interjectCmd = &cobra.Command{
	Use:   "interject <agent> <message>...",
	Short: "Interrupt a live agent session with a message",
	Long: `Records an interjection for the agent. The running orchestrator notices
the record, stamps it with the live session's id and working directory,
stops the subprocess, and folds the message into the prompt when the task
resumes on the next poll.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		store := queue.NewInterjectionStore(ws.InterjectionsDir())
		in := &queue.Interjection{
			Agent:   args[0],
			Message: strings.Join(args[1:], " "),
		}
		if err := store.Create(in); err != nil {
			return err
		}
		fmt.Println(in.ID)
		return nil
	},
}

var interjectionsCmd = &cobra.Command{
	Use:   "interjections",
	Short: "List interjection records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		store := queue.NewInterjectionStore(ws.InterjectionsDir())
		all, err := store.List("")
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("no interjections")
			return nil
		}
		for _, in := range all {
			fmt.Printf("%s  %-9s  %-12s  %s\n", in.ID, in.Status, in.Agent, in.Message)
		}
		return nil
	},
}

var interjectResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Mark an interjection consumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		store := queue.NewInterjectionStore(ws.InterjectionsDir())
		if err := store.MarkResumed(args[0]); err != nil {
			return err
		}
		fmt.Printf("interjection %s resumed\n", args[0])
		return nil
	},
}

var interjectDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss an interjection without resuming",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		store := queue.NewInterjectionStore(ws.InterjectionsDir())
		if err := store.Dismiss(args[0]); err != nil {
			return err
		}
		fmt.Printf("interjection %s dismissed\n", args[0])
		return nil
	},
}

func init() {
	interjectCmd.AddCommand(interjectResumeCmd)
	interjectCmd.AddCommand(interjectDismissCmd)
}
