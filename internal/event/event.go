// Package event defines the append-only debate event record, the JSONL file
// sink, and the deterministic replay that derives a debate summary from its
// events.
package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event kinds emitted over a debate's lifetime. debate_finished is always the
// final event, whatever the outcome.
const (
	KindDebateStarted     = "debate_started"
	KindRoundStarted      = "round_started"
	KindRoundResponse     = "round_response"
	KindRoundError        = "round_error"
	KindChiefAction       = "chief_action"
	KindParallelStarted   = "parallel_started"
	KindParallelCompleted = "parallel_completed"
	KindDebateStopped     = "debate_stopped"
	KindDebateFinished    = "debate_finished"
)

// Chief actions recorded in chief_action events.
const (
	ChiefQueuedStop     = "queued_stop"
	ChiefQueuedFeedback = "queued_feedback"
	ChiefAutoContinue   = "auto_continue"
	ChiefContinue       = "continue"
	ChiefFeedback       = "feedback"
	ChiefStop           = "stop"
	ChiefInvalidInput   = "invalid_input"
)

// ClipLimit is the maximum stored length of a response preview.
const ClipLimit = 4000

// Event is one immutable record in a debate's history. Only the fields
// relevant to the kind are populated.
type Event struct {
	TS       string `json:"ts"`
	Kind     string `json:"event"`
	DebateID string `json:"debate_id"`

	Task     string   `json:"task,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Round    int      `json:"round_num,omitempty"`
	Role     string   `json:"role,omitempty"`
	Response string   `json:"response,omitempty"`
	Error    string   `json:"error,omitempty"`
	Action   string   `json:"action,omitempty"`
	Message  string   `json:"message,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Status   string   `json:"status,omitempty"`
	Rounds   int      `json:"rounds,omitempty"`
	CostUSD  float64  `json:"cost_usd,omitempty"`
	CostEUR  float64  `json:"cost_eur,omitempty"`
	Count    int      `json:"count,omitempty"`

	Results  map[string]string `json:"results,omitempty"`
	Duration float64           `json:"duration_seconds,omitempty"`
}

// New returns a stamped event of the given kind.
func New(kind, debateID string) Event {
	return Event{
		TS:       time.Now().UTC().Format(time.RFC3339),
		Kind:     kind,
		DebateID: debateID,
	}
}

// Clip truncates text to limit characters, appending a marker with the count
// of characters removed. Text at or under the limit is returned unchanged.
func Clip(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + fmt.Sprintf("... [truncated %d chars]", len(text)-limit)
}

// Sink appends events as JSONL to a file, one line per event. A disabled sink
// silently discards. Sink errors are logged, never propagated: the event log
// file is a convenience mirror, the store is the record.
type Sink struct {
	path    string
	enabled bool
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewSink returns a file sink. An empty path or enabled=false yields a
// discarding sink.
func NewSink(path string, enabled bool, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{path: path, enabled: enabled && path != "", logger: logger}
}

// Write appends one event line.
func (s *Sink) Write(e Event) {
	if !s.enabled {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("event not serializable", slog.String("kind", e.Kind))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("event log unavailable", slog.String("path", s.path), slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("event log write failed", slog.String("path", s.path), slog.String("error", err.Error()))
	}
}

// Summary is the replay-derived state of a debate.
type Summary struct {
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	StartedAt  string  `json:"started_at,omitempty"`
	FinishedAt string  `json:"finished_at,omitempty"`
	Rounds     int     `json:"rounds"`
	CostEUR    float64 `json:"cost_eur"`
}

// Summarize replays a debate's events in order and returns its summary. The
// same events always produce the same summary. A debate with events but no
// terminal record is still running.
func Summarize(events []Event) Summary {
	s := Summary{Status: "queued"}
	for _, e := range events {
		switch e.Kind {
		case KindDebateStarted:
			s.Status = "running"
			s.StartedAt = e.TS
		case KindRoundResponse:
			s.Rounds++
		case KindRoundError:
			s.Status = "error"
			s.Reason = e.Error
		case KindDebateStopped:
			s.Status = "stopped"
			s.Reason = e.Reason
		case KindDebateFinished:
			if s.Status == "running" {
				s.Status = "completed"
			}
			s.FinishedAt = e.TS
			if e.Status != "" {
				s.Status = e.Status
			}
			if e.Reason != "" {
				s.Reason = e.Reason
			}
			s.CostEUR = e.CostEUR
			if e.Rounds > 0 {
				s.Rounds = e.Rounds
			}
		}
	}
	return s
}
