package minutes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tjfontaine/roundtable/internal/event"
)

func sampleEvents() []event.Event {
	return []event.Event{
		{Kind: event.KindDebateStarted},
		{Kind: event.KindRoundResponse, Role: "Architect", Response: "We should use a queue."},
		{Kind: event.KindChiefAction, Action: "feedback", Message: "focus on latency"},
		{Kind: event.KindDebateFinished, Status: "completed"},
	}
}

func TestBuild_IncludesTurnsAndInterventions(t *testing.T) {
	got := Build("Design the pipeline", event.Summary{Status: "completed", Rounds: 1, CostEUR: 0.01}, sampleEvents())

	for _, want := range []string{
		"FINAL MEETING MINUTES",
		"Task: Design the pipeline",
		"Status: completed",
		"- Architect: We should use a queue.",
		"- feedback: focus on latency",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("minutes missing %q:\n%s", want, got)
		}
	}
}

func TestBuild_EmptyDebate(t *testing.T) {
	got := Build("Task", event.Summary{Status: "error"}, nil)
	if !strings.Contains(got, "- No responses recorded.") {
		t.Errorf("minutes missing empty-rounds marker:\n%s", got)
	}
	if !strings.Contains(got, "- No conductor interventions.") {
		t.Errorf("minutes missing empty-interventions marker:\n%s", got)
	}
}

func TestBuild_TruncatesLongResponses(t *testing.T) {
	events := []event.Event{
		{Kind: event.KindRoundResponse, Role: "Critic", Response: strings.Repeat("x", 400)},
	}
	got := Build("Task", event.Summary{}, events)
	if !strings.Contains(got, strings.Repeat("x", 280)+"...") {
		t.Errorf("long response not previewed:\n%s", got)
	}
	if strings.Contains(got, strings.Repeat("x", 281)) {
		t.Error("preview exceeds limit")
	}
}

func TestResolve_ProgrammaticMode(t *testing.T) {
	text, source := Resolve(context.Background(), ModeProgrammatic, "Task", event.Summary{Status: "completed"}, nil, nil)
	if source != SourceProgrammatic {
		t.Errorf("source = %q, want %q", source, SourceProgrammatic)
	}
	if !strings.Contains(text, "FINAL MEETING MINUTES") {
		t.Errorf("unexpected minutes:\n%s", text)
	}
}

func TestResolve_AgentMode(t *testing.T) {
	ask := func(ctx context.Context, prompt string) (string, error) {
		if !strings.Contains(prompt, "Task: Task") {
			t.Errorf("prompt missing task:\n%s", prompt)
		}
		return "Minutes written by the agent.", nil
	}
	text, source := Resolve(context.Background(), ModeAgent, "Task", event.Summary{}, sampleEvents(), ask)
	if source != SourceAgent {
		t.Errorf("source = %q, want %q", source, SourceAgent)
	}
	if text != "Minutes written by the agent." {
		t.Errorf("text = %q", text)
	}
}

func TestResolve_AgentFailureFallsBack(t *testing.T) {
	ask := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("agent unavailable")
	}
	text, source := Resolve(context.Background(), ModeAgent, "Task", event.Summary{Status: "completed"}, nil, ask)
	if source != SourceFallback {
		t.Errorf("source = %q, want %q", source, SourceFallback)
	}
	if !strings.Contains(text, "PROGRAMMATIC FALLBACK") {
		t.Errorf("fallback marker missing:\n%s", text)
	}
}
