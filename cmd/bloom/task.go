package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bloom-sh/bloom/internal/task"
)

// These commands are the agent-facing half of the task protocol: sessions
// run them from inside worktrees to report progress, so they resolve the
// workspace by walking up from the current directory.

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Step-level task operations",
}

var stepDoneCmd = &cobra.Command{
	Use:   "done <step-id>",
	Short: "Mark a step done",
	Long: `Marks the step done in tasks.yaml. When it is the task's last remaining
step the whole task completes: it moves to done_pending_merge when the task
has a merge_into branch, otherwise straight to done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		if err := task.MarkStepDone(ws.TasksPath(), args[0]); err != nil {
			return err
		}
		fmt.Printf("step %s done\n", args[0])
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		if err := task.MarkDone(ws.TasksPath(), args[0]); err != nil {
			return err
		}
		fmt.Printf("task %s done\n", args[0])
		return nil
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <task-id>",
	Short: "Mark a task blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		if err := task.MarkBlocked(ws.TasksPath(), args[0]); err != nil {
			return err
		}
		fmt.Printf("task %s blocked\n", args[0])
		return nil
	},
}

var noteCmd = &cobra.Command{
	Use:   "note <task-id> <text>...",
	Short: "Append a note to a task's ai_notes",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		if err := task.AppendNote(ws.TasksPath(), args[0], text); err != nil {
			return err
		}
		fmt.Printf("noted on %s\n", args[0])
		return nil
	},
}

func init() {
	stepCmd.AddCommand(stepDoneCmd)
}
