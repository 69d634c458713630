package event

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClip(t *testing.T) {
	if got := Clip("short", 10); got != "short" {
		t.Errorf("Clip() = %q, want unchanged", got)
	}
	got := Clip(strings.Repeat("a", 15), 10)
	want := strings.Repeat("a", 10) + "... [truncated 5 chars]"
	if got != want {
		t.Errorf("Clip() = %q, want %q", got, want)
	}
	if got := Clip("anything", 0); got != "anything" {
		t.Errorf("Clip(limit=0) = %q, want unchanged", got)
	}
}

func TestSink_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := NewSink(path, true, nil)

	sink.Write(New(KindDebateStarted, "deb-1"))
	sink.Write(New(KindDebateFinished, "deb-1"))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != KindDebateStarted || kinds[1] != KindDebateFinished {
		t.Errorf("sink lines = %v", kinds)
	}
}

func TestSink_DisabledWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := NewSink(path, false, nil)
	sink.Write(New(KindDebateStarted, "deb-1"))

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("disabled sink created %s", path)
	}
}

func TestSummarize_CompletedDebate(t *testing.T) {
	events := []Event{
		{TS: "2026-01-01T10:00:00Z", Kind: KindDebateStarted, DebateID: "deb-1"},
		{Kind: KindRoundStarted, Round: 1},
		{Kind: KindRoundResponse, Round: 1, Role: "Architect", Response: "ok"},
		{Kind: KindRoundStarted, Round: 2},
		{TS: "2026-01-01T10:05:00Z", Kind: KindDebateFinished, Status: "completed", Rounds: 2, CostEUR: 0.01},
	}

	got := Summarize(events)
	want := Summary{
		Status:     "completed",
		StartedAt:  "2026-01-01T10:00:00Z",
		FinishedAt: "2026-01-01T10:05:00Z",
		Rounds:     2,
		CostEUR:    0.01,
	}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}

func TestSummarize_StoppedDebateKeepsReason(t *testing.T) {
	events := []Event{
		{Kind: KindDebateStarted},
		{Kind: KindRoundStarted, Round: 1},
		{Kind: KindDebateStopped, Reason: "budget_exceeded"},
		{Kind: KindDebateFinished, Status: "stopped", Reason: "budget_exceeded", Rounds: 1},
	}
	got := Summarize(events)
	if got.Status != "stopped" || got.Reason != "budget_exceeded" {
		t.Errorf("Summarize() = %+v", got)
	}
}

func TestSummarize_NoTerminalEventIsRunning(t *testing.T) {
	events := []Event{
		{Kind: KindDebateStarted},
		{Kind: KindRoundStarted, Round: 0},
		{Kind: KindRoundResponse, Round: 0, Role: "Architect", Response: "ok"},
	}
	got := Summarize(events)
	if got.Status != "running" || got.Rounds != 1 {
		t.Errorf("Summarize() = %+v", got)
	}
}

func TestSummarize_IsDeterministic(t *testing.T) {
	events := []Event{
		{Kind: KindDebateStarted},
		{Kind: KindRoundStarted, Round: 1},
		{Kind: KindRoundError, Role: "Critic", Error: "timeout"},
		{Kind: KindDebateFinished, Status: "error", Reason: "timeout"},
	}
	first := Summarize(events)
	second := Summarize(events)
	if first != second {
		t.Errorf("Summarize() not deterministic: %+v vs %+v", first, second)
	}
	if first.Status != "error" {
		t.Errorf("status = %q, want error", first.Status)
	}
}
