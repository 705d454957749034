package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bloom-sh/bloom/internal/queue"
	"github.com/bloom-sh/bloom/internal/task"
)

var (
	askAgent   string
	askTask    string
	askKind    string
	askChoices []string
	askOnYes   string
	askOnNo    string
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>...",
	Short: "Ask the operator a question",
	Long: `Records a question in the workspace queue and prints its id. Follow with
bloom wait-answer <id> to block until a human answers.

Yes/no questions may carry --on-yes / --on-no task status transitions that
are applied automatically when the answer arrives.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}

		kind := queue.QuestionKind(askKind)
		switch kind {
		case queue.KindYesNo, queue.KindChoice, queue.KindOpen:
		default:
			return asConfigErr(fmt.Errorf("kind must be yes_no, choice, or open, got %q", askKind))
		}
		if kind == queue.KindChoice && len(askChoices) == 0 {
			return asConfigErr(fmt.Errorf("choice questions need at least one --choice"))
		}
		if (askOnYes != "" || askOnNo != "") && askTask == "" {
			return asConfigErr(fmt.Errorf("--on-yes/--on-no require --task"))
		}

		q := &queue.Question{
			Agent:   askAgent,
			TaskID:  askTask,
			Kind:    kind,
			Prompt:  strings.Join(args, " "),
			Choices: askChoices,
			OnYes:   task.Status(askOnYes),
			OnNo:    task.Status(askOnNo),
		}
		store := queue.NewStore(ws.QueueDir(), ws.TasksPath())
		if err := store.Create(q); err != nil {
			return err
		}
		fmt.Println(q.ID)
		return nil
	},
}

// answerPollInterval is the fallback poll cadence while waiting for an
// answer; the filesystem watcher usually fires first.
const answerPollInterval = 2 * time.Second

var waitAnswerCmd = &cobra.Command{
	Use:   "wait-answer <question-id>",
	Short: "Block until a question is answered, then print the answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		store := queue.NewStore(ws.QueueDir(), ws.TasksPath())

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		changed := make(chan struct{}, 1)
		// The watcher is an optimisation; polling alone is correct.
		_ = store.Watch(ctx, func(queue.Change) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		ticker := time.NewTicker(answerPollInterval)
		defer ticker.Stop()

		for {
			q, err := store.Get(args[0])
			if err != nil {
				return err
			}
			switch q.Status {
			case queue.QuestionAnswered:
				fmt.Println(q.Answer)
				return nil
			case queue.QuestionDismissed:
				return fmt.Errorf("question %s was dismissed", args[0])
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			case <-ticker.C:
			}
		}
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <answer>...",
	Short: "Answer a pending question",
	Long: `Records the answer on a pending question. Yes/no questions carrying
--on-yes/--on-no apply their task status transition before the question is
marked answered, so a blocked bloom wait-answer sees a consistent state.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, _, err := findWorkspace()
		if err != nil {
			return err
		}
		store := queue.NewStore(ws.QueueDir(), ws.TasksPath())
		q, err := store.Answer(args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("answered %s\n", q.ID)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askAgent, "agent", "", "Agent asking the question")
	askCmd.Flags().StringVar(&askTask, "task", "", "Task the question is about")
	askCmd.Flags().StringVar(&askKind, "kind", string(queue.KindOpen), "Question kind: yes_no, choice, or open")
	askCmd.Flags().StringArrayVar(&askChoices, "choice", nil, "Option for choice questions (repeatable)")
	askCmd.Flags().StringVar(&askOnYes, "on-yes", "", "Task status applied on a yes answer")
	askCmd.Flags().StringVar(&askOnNo, "on-no", "", "Task status applied on a no answer")
}
