// Package minutes renders the final human-readable record of a debate,
// either programmatically from the event log or by asking a dedicated
// minutes-taker agent (with a programmatic fallback when the agent fails).
package minutes

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/roundtable/internal/event"
)

// Modes for producing final minutes.
const (
	ModeProgrammatic = "programmatic"
	ModeAgent        = "agent"
)

// Sources reported alongside the resolved minutes.
const (
	SourceProgrammatic = "programmatic"
	SourceAgent        = "agent"
	SourceFallback     = "programmatic_fallback"
)

const (
	turnPreviewChars     = 280
	feedbackPreviewChars = 180
)

// AskFunc sends a prompt to the minutes-taker agent and returns its reply.
type AskFunc func(ctx context.Context, prompt string) (string, error)

// Build renders minutes directly from the summary and event log.
func Build(task string, summary event.Summary, events []event.Event) string {
	lines := []string{
		"FINAL MEETING MINUTES",
		"",
		"Task: " + strings.TrimSpace(task),
		"Status: " + summary.Status,
		"Close reason: " + summary.Reason,
		fmt.Sprintf("Rounds with responses: %d", summary.Rounds),
		fmt.Sprintf("Estimated cost EUR: %.4f", summary.CostEUR),
		"",
		"Key points per turn:",
	}

	hasRounds := false
	for _, ev := range events {
		if ev.Kind != event.KindRoundResponse {
			continue
		}
		hasRounds = true
		role := strings.TrimSpace(ev.Role)
		if role == "" {
			role = "role"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", role, preview(ev.Response, turnPreviewChars)))
	}
	if !hasRounds {
		lines = append(lines, "- No responses recorded.")
	}

	lines = append(lines, "", "Conductor interventions:")
	hasInterventions := false
	for _, ev := range events {
		if ev.Kind != event.KindChiefAction || strings.TrimSpace(ev.Action) == "" {
			continue
		}
		hasInterventions = true
		if msg := strings.TrimSpace(ev.Message); msg != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", ev.Action, preview(msg, feedbackPreviewChars)))
		} else {
			lines = append(lines, "- "+ev.Action)
		}
	}
	if !hasInterventions {
		lines = append(lines, "- No conductor interventions.")
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// AgentPrompt builds the request sent to a minutes-taker agent.
func AgentPrompt(task string, summary event.Summary, events []event.Event) string {
	var b strings.Builder
	b.WriteString("Write the final meeting minutes for this debate.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", strings.TrimSpace(task))
	fmt.Fprintf(&b, "Outcome: %s", summary.Status)
	if summary.Reason != "" {
		fmt.Fprintf(&b, " (%s)", summary.Reason)
	}
	b.WriteString("\n\nTurn responses:\n")
	for _, ev := range events {
		if ev.Kind != event.KindRoundResponse {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", ev.Role, preview(ev.Response, turnPreviewChars))
	}
	b.WriteString("\nProduce a concise minutes document: decisions taken, open points, and next steps.")
	return b.String()
}

// Resolve produces the final minutes for the requested mode. Agent mode asks
// the minutes-taker; an empty reply or an error falls back to the
// programmatic builder, marked as such.
func Resolve(ctx context.Context, mode, task string, summary event.Summary, events []event.Event, ask AskFunc) (text, source string) {
	if mode != ModeAgent || ask == nil {
		return Build(task, summary, events), SourceProgrammatic
	}

	reply, err := ask(ctx, AgentPrompt(task, summary, events))
	if err == nil {
		if reply = strings.TrimSpace(reply); reply != "" {
			return reply, SourceAgent
		}
	}
	return "PROGRAMMATIC FALLBACK\n\n" + Build(task, summary, events), SourceFallback
}

func preview(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
