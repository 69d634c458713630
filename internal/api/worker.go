package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/roundtable/internal/engine"
	"github.com/tjfontaine/roundtable/internal/event"
	"github.com/tjfontaine/roundtable/internal/minutes"
	"github.com/tjfontaine/roundtable/internal/store"
)

// runWorker executes one debate to completion and persists everything it
// produced: the event history, the replay summary, the final minutes, and any
// derived output events. It runs on its own goroutine; failures end up in the
// debate record, never in a crash.
func (a *API) runWorker(debateID string, req CreateRequest, sequence []string) {
	ctx := context.Background()

	a.setRuntime(debateID, func(rt *runtime) {
		rt.Status = engine.StatusRunning
		rt.StartedAt = nowISO()
	})
	if err := a.store.MergeDebate(ctx, debateID, store.Debate{
		"status":     engine.StatusRunning,
		"started_at": nowISO(),
	}); err != nil {
		a.logger.Warn("debate record update failed",
			slog.String("debate_id", debateID), slog.String("error", err.Error()))
	}

	if req.bootstrap() {
		for _, role := range sequence {
			if _, err := a.sessions.EnsureSession(ctx, role, ""); err != nil {
				a.finalizeError(ctx, debateID, err)
				return
			}
		}
	}

	result, err := a.engine.Run(ctx, engine.Spec{
		DebateID:       debateID,
		Task:           req.Task,
		Sequence:       sequence,
		ParallelGroups: req.ParallelGroups,
	})
	if err != nil {
		a.finalizeError(ctx, debateID, err)
		return
	}

	if err := a.store.ReplaceEvents(ctx, debateID, eventsToMaps(result.Events)); err != nil {
		a.logger.Warn("event persistence failed",
			slog.String("debate_id", debateID), slog.String("error", err.Error()))
	}
	summary := event.Summarize(result.Events)

	finalMinutes, minutesSource := minutes.Resolve(ctx, req.MinutesMode, req.Task, summary, result.Events,
		func(ctx context.Context, prompt string) (string, error) {
			return a.engine.Ask(ctx, a.minutesRole(), prompt)
		})

	if a.outputs {
		if err := a.deriveOutputEvents(ctx, debateID, eventsToMaps(result.Events), finalMinutes); err != nil {
			a.logger.Warn("output-event derivation failed",
				slog.String("debate_id", debateID), slog.String("error", err.Error()))
		}
	}

	finishedAt := nowISO()
	a.setRuntime(debateID, func(rt *runtime) {
		rt.Status = result.Status
		rt.FinishedAt = finishedAt
	})
	if err := a.store.MergeDebate(ctx, debateID, store.Debate{
		"status":         result.Status,
		"finished_at":    finishedAt,
		"reason":         result.Reason,
		"rounds":         result.Rounds,
		"cost_eur":       result.CostEUR,
		"summary":        summaryToMap(summary),
		"final_minutes":  finalMinutes,
		"minutes_source": minutesSource,
		"error":          "",
	}); err != nil {
		a.logger.Warn("debate record update failed",
			slog.String("debate_id", debateID), slog.String("error", err.Error()))
	}
}

func (a *API) finalizeError(ctx context.Context, debateID string, runErr error) {
	finishedAt := nowISO()
	a.setRuntime(debateID, func(rt *runtime) {
		rt.Status = engine.StatusError
		rt.Error = runErr.Error()
		rt.FinishedAt = finishedAt
	})
	if err := a.store.MergeDebate(ctx, debateID, store.Debate{
		"status":      engine.StatusError,
		"finished_at": finishedAt,
		"error":       runErr.Error(),
	}); err != nil {
		a.logger.Warn("debate record update failed",
			slog.String("debate_id", debateID), slog.String("error", err.Error()))
	}
}

// minutesRole is the role asked to write agent-mode minutes. The summarizer
// already exists for condensation, so it doubles as the minutes taker.
func (a *API) minutesRole() string {
	return "Summarizer"
}

// deriveOutputEvents merges newly extracted commands into the stored
// output-event set, keyed by idempotency key.
func (a *API) deriveOutputEvents(ctx context.Context, debateID string, events []map[string]any, finalMinutes string) error {
	existing, err := a.store.GetOutputEvents(ctx, debateID, 0, false)
	if err != nil {
		return err
	}
	existingKeys := map[string]bool{}
	for _, item := range existing {
		if key, _ := item["idempotency_key"].(string); key != "" {
			existingKeys[key] = true
		}
	}

	derived := a.extractor.Derive(debateID, events, finalMinutes, existingKeys)
	if len(derived) == 0 {
		return nil
	}

	merged := existing
	for _, item := range derived {
		doc, err := toMap(item)
		if err != nil {
			return err
		}
		merged = append(merged, doc)
	}
	return a.store.ReplaceOutputEvents(ctx, debateID, merged)
}

func (a *API) deriveOutputEventsFromStore(r *http.Request, debateID string) error {
	ctx := r.Context()
	events, err := a.store.GetEvents(ctx, debateID, 0, false)
	if err != nil {
		return err
	}
	finalMinutes := ""
	if debate, err := a.store.GetDebate(ctx, debateID); err == nil {
		finalMinutes, _ = debate["final_minutes"].(string)
	}
	return a.deriveOutputEvents(ctx, debateID, events, finalMinutes)
}

func eventsToMaps(events []event.Event) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		if doc, err := toMap(ev); err == nil {
			out = append(out, doc)
		}
	}
	return out
}

func summaryToMap(s event.Summary) map[string]any {
	doc, _ := toMap(s)
	return doc
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
