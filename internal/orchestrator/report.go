package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

const (
	signalTailLen     = 100
	messagePreviewLen = 200
)

// systemPrompt is the fixed instruction given to the oracle.
const systemPrompt = `You are the orchestrator of a team of coding agents working on one git repository.
Each worker is a coding agent running in its own git worktree on a worker/<name> branch.
Every tick you receive a status report of the fleet and any messages from the human operator.
Decide what to do next using the available tools: create workers for new pieces of work,
send follow-up instructions to workers, merge finished work, answer or notify the operator,
or take no action when nothing needs attention. Prefer few, deliberate actions per tick.`

// RenderReport renders a tick context as the oracle's user turn.
func RenderReport(tc *TickContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tick #%d at %s\n\n", tc.TickNumber, tc.Timestamp.UTC().Format(time.RFC3339))

	fmt.Fprintf(&sb, "Unread operator messages: %d\n", tc.UnreadMessages)
	for _, m := range tc.Messages {
		fmt.Fprintf(&sb, "  - %q\n", head(m.Content, messagePreviewLen))
	}

	fmt.Fprintf(&sb, "\nWorkers (%d):\n", len(tc.Agents))
	if len(tc.Agents) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, a := range tc.Agents {
		presence := "no session"
		if a.HasSession {
			presence = "session active"
		}
		fmt.Fprintf(&sb, "  - %s (%s): %s, %s\n", a.Branch, a.WorkerID, a.State, presence)
	}

	sb.WriteString("\nDead sessions: ")
	if len(tc.DeadSessions) == 0 {
		sb.WriteString("none\n")
	} else {
		sb.WriteString(strings.Join(tc.DeadSessions, ", ") + "\n")
	}

	writeSignals(&sb, "Completions", tc.Completions, func(s string) string { return s })
	writeSignals(&sb, "Questions", tc.Questions, tailText)
	writeSignals(&sb, "Errors", tc.Errors, tailText)

	sb.WriteString("\nWhat actions should be taken?")
	return sb.String()
}

func writeSignals(sb *strings.Builder, title string, sigs []WorkerSignal, format func(string) string) {
	if len(sigs) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, s := range sigs {
		fmt.Fprintf(sb, "  - %s: %s\n", s.WorkerID, format(s.Text))
	}
}

// tailText keeps the final characters of s.
func tailText(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= signalTailLen {
		return string(r)
	}
	return "..." + string(r[len(r)-signalTailLen:])
}

func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
