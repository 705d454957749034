package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bloom-sh/bloom/internal/queue"
	"github.com/bloom-sh/bloom/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the task graph and pending questions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		f, err := task.Load(ws.TasksPath())
		if err != nil {
			return asConfigErr(err)
		}

		counts := make(map[task.Status]int)
		for _, t := range f.Flatten() {
			counts[t.EffectiveStatus()]++
			printTask(t)
		}

		fmt.Println()
		fmt.Printf("%d todo, %d ready, %d in progress, %d blocked, %d pending merge, %d done\n",
			counts[task.StatusTodo],
			counts[task.StatusReady],
			counts[task.StatusAssigned]+counts[task.StatusInProgress],
			counts[task.StatusBlocked],
			counts[task.StatusDonePendingMerge],
			counts[task.StatusDone])

		questions, err := queue.NewStore(ws.QueueDir(), ws.TasksPath()).List(queue.QuestionPending)
		if err != nil {
			return err
		}
		for _, q := range questions {
			color.Yellow("question %s (%s): %s", q.ID, q.Agent, q.Prompt)
		}
		return nil
	},
}

func printTask(t *task.Task) {
	status := t.EffectiveStatus()
	line := fmt.Sprintf("%-24s  %-18s  %-12s", t.ID, status, t.AgentName)
	if t.Repo != "" {
		line += fmt.Sprintf("  %s@%s", t.Repo, t.Branch)
	}
	switch status {
	case task.StatusDone:
		color.Green("%s", line)
	case task.StatusBlocked:
		color.Red("%s", line)
	case task.StatusInProgress, task.StatusAssigned:
		color.Cyan("%s", line)
	default:
		fmt.Println(line)
	}
	for _, s := range t.Steps {
		marker := " "
		if s.Status == task.StepDone {
			marker = "x"
		}
		fmt.Printf("  [%s] %s\n", marker, s.ID)
	}
}
