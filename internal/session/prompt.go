package session

import (
	"fmt"
	"strings"

	"github.com/bloom-sh/bloom/internal/task"
)

// SystemPrompt is appended to every session so agents report completion
// through the task CLI instead of free text.
const SystemPrompt = `You are an autonomous coding agent working on one task inside a git worktree.

Rules:
- Work only on the task described in the prompt. Do not expand scope.
- Commit your changes with clear messages as you go.
- When a step is complete, run: bloom step done <step-id>
- When the whole task is complete, run: bloom done <task-id>
- If you are blocked and cannot proceed, run: bloom block <task-id>
- To leave a note for the operator, run: bloom note <task-id> "<text>"
- To ask the operator a question, run: bloom ask --task <task-id> "<question>" and then: bloom wait-answer <question-id>
`

// BuildStepPrompt renders the user prompt for one step of a task. The
// Summary and Acceptance Criteria headings are load-bearing: the pull
// request body is derived from them later.
func BuildStepPrompt(t *task.Task, step *task.Step) string {
	var sb strings.Builder

	sb.WriteString("You are working on a task.\n\n")
	sb.WriteString("Task ID: ")
	sb.WriteString(t.ID)
	sb.WriteString("\n")
	sb.WriteString("Title: ")
	sb.WriteString(t.Title)
	sb.WriteString("\n")

	sb.WriteString("\n## Summary\n\n")
	if t.Instructions != "" {
		sb.WriteString(strings.TrimSpace(t.Instructions))
		sb.WriteString("\n")
	} else {
		sb.WriteString(t.Title)
		sb.WriteString("\n")
	}

	if step != nil {
		sb.WriteString("\n## Current Step\n\n")
		sb.WriteString("Step ID: ")
		sb.WriteString(step.ID)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(step.Instruction))
		sb.WriteString("\n")
	}

	criteria := t.AcceptanceCriteria
	if step != nil && step.AcceptanceCriteria != "" {
		criteria = step.AcceptanceCriteria
	}
	if criteria != "" {
		sb.WriteString("\n## Acceptance Criteria\n\n")
		sb.WriteString(strings.TrimSpace(criteria))
		sb.WriteString("\n")
	}

	if t.AINotes != "" {
		sb.WriteString("\n## Notes From Previous Sessions\n\n")
		sb.WriteString(strings.TrimSpace(t.AINotes))
		sb.WriteString("\n")
	}

	if step != nil {
		fmt.Fprintf(&sb, "\nWhen this step is complete, run: bloom step done %s\n", step.ID)
	} else {
		fmt.Fprintf(&sb, "\nWhen the task is complete, run: bloom done %s\n", t.ID)
	}

	return sb.String()
}

// WithInterjection folds an operator interjection into a prompt. Used when
// resuming a session that was interrupted mid-step.
func WithInterjection(prompt, message string) string {
	var sb strings.Builder
	sb.WriteString("## Operator Interjection\n\n")
	sb.WriteString("The operator interrupted your previous session with this message:\n\n")
	sb.WriteString(strings.TrimSpace(message))
	sb.WriteString("\n\nTake it into account, then continue the step below.\n\n")
	sb.WriteString(prompt)
	return sb.String()
}

// CommitRetryPrompt instructs the agent to commit leftover changes on its
// branch. Used when the worktree is dirty after a task completes.
func CommitRetryPrompt(branch string) string {
	var sb strings.Builder
	sb.WriteString("Your working tree has uncommitted changes.\n\n")
	fmt.Fprintf(&sb, "Review the output of `git status`, then commit all intended changes to the current branch (%s) with a clear message. ", branch)
	sb.WriteString("Discard files that should not be committed. Do not push.\n")
	return sb.String()
}

// ConflictPrompt instructs the agent to resolve a merge conflict in the
// target worktree. The merge is already in progress when the session starts.
func ConflictPrompt(sourceBranch, targetBranch string, conflicted []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A merge of %s into %s stopped on conflicts.\n\n", sourceBranch, targetBranch)
	sb.WriteString("Conflicted files:\n\n")
	for _, f := range conflicted {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	sb.WriteString("\nResolve every conflict, preserving the intent of both branches. ")
	sb.WriteString("Stage the resolved files with `git add`, then run `git commit --no-edit` to complete the merge. Do not push.\n")
	return sb.String()
}

// PRBody derives a pull request body from a step prompt: the Summary and
// Acceptance Criteria sections are carried over verbatim.
func PRBody(prompt string) string {
	var sb strings.Builder
	for _, heading := range []string{"## Summary", "## Acceptance Criteria"} {
		section := extractSection(prompt, heading)
		if section == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(heading)
		sb.WriteString("\n\n")
		sb.WriteString(section)
		sb.WriteString("\n")
	}
	return sb.String()
}

// extractSection returns the body of a markdown section, up to the next
// heading of the same or higher level.
func extractSection(text, heading string) string {
	idx := strings.Index(text, heading)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(heading):]
	if end := strings.Index(rest, "\n## "); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
