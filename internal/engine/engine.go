// Package engine drives debates: it sequences turns over a role list,
// enforces round and budget ceilings, condenses oversized context through a
// summarizer role, applies queued operator interventions, fans out parallel
// sub-rounds, and emits the full lifecycle event stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/roundtable/internal/event"
	"github.com/tjfontaine/roundtable/internal/governor"
	"github.com/tjfontaine/roundtable/internal/intervention"
	"github.com/tjfontaine/roundtable/internal/roles"
	"github.com/tjfontaine/roundtable/internal/tokens"
	"github.com/tjfontaine/roundtable/internal/transport"
)

// Debate statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Stop reasons beyond the governor's.
const (
	ReasonQueuedStop = "queued_stop"
	ReasonRoleError  = "role_error"
)

const maxParallelCalls = 5

// Agent is the transport slice the engine drives turns with.
type Agent interface {
	AppendMessage(ctx context.Context, sessionID, content string) error
	ListMessages(ctx context.Context, sessionID string) ([]transport.Message, error)
	AwaitReply(ctx context.Context, sessionID string, baseline int) (string, error)
}

// Sessions resolves a role to a ready remote session.
type Sessions interface {
	EnsureSession(ctx context.Context, role, promptOverride string) (string, error)
	Model(role string) string
}

// Interventions is the operator mailbox the engine drains between turns.
type Interventions interface {
	Drain(debateID string) ([]intervention.Item, error)
}

// Config holds the per-engine debate limits.
type Config struct {
	MaxRounds       int
	MaxBudgetEUR    float64
	MaxContextChars int
	MaxLogChars     int
	ChiefRole       string
	SummarizerRole  string
	Rates           governor.Rates
}

// Spec describes one debate run.
type Spec struct {
	DebateID       string
	Task           string
	Sequence       []string
	ParallelGroups [][]string
}

// Result is the terminal outcome of a debate run, with its full event log.
type Result struct {
	DebateID string
	Status   string
	Reason   string
	Rounds   int
	CostEUR  float64
	Duration float64
	Events   []event.Event
}

// Engine runs debates. One engine serves many debates, possibly concurrently;
// the token counters it aggregates are shared across them.
type Engine struct {
	client   Agent
	sessions Sessions
	queue    Interventions
	sink     *event.Sink
	counter  tokens.Counter
	cfg      Config
	logger   *slog.Logger

	metricsMu    sync.Mutex
	inputTokens  int
	outputTokens int
}

// New builds an engine. A nil counter falls back to the chars/4 estimator; a
// nil sink discards.
func New(client Agent, sessions Sessions, queue Interventions, sink *event.Sink, counter tokens.Counter, cfg Config, logger *slog.Logger) *Engine {
	if counter == nil {
		counter = tokens.NewEstimator()
	}
	if sink == nil {
		sink = event.NewSink("", false, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:   client,
		sessions: sessions,
		queue:    queue,
		sink:     sink,
		counter:  counter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Usage returns the aggregate token counts accumulated so far.
func (e *Engine) Usage() governor.Usage {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return governor.Usage{InputTokens: e.inputTokens, OutputTokens: e.outputTokens}
}

// CostEUR prices the aggregate usage at the configured rates.
func (e *Engine) CostEUR() float64 {
	return governor.CostEUR(e.Usage(), e.cfg.Rates)
}

func (e *Engine) countExchange(model, sent, received string) {
	in := e.counter.CountText(model, sent)
	out := e.counter.CountText(model, received)
	e.metricsMu.Lock()
	e.inputTokens += in
	e.outputTokens += out
	e.metricsMu.Unlock()
}

// run-local state threaded through the turn loop.
type run struct {
	spec    Spec
	status  string
	reason  string
	rounds  int
	events  []event.Event
	started time.Time
}

func (e *Engine) emit(r *run, ev event.Event) {
	r.events = append(r.events, ev)
	e.sink.Write(ev)
}

func (e *Engine) clipLimit() int {
	if e.cfg.MaxLogChars > 0 {
		return e.cfg.MaxLogChars
	}
	return event.ClipLimit
}

// Run executes one debate to a terminal status. Transport failures and turn
// timeouts never escape: they finalize the debate as error. The returned
// error is reserved for invalid input.
func (e *Engine) Run(ctx context.Context, spec Spec) (*Result, error) {
	spec.Task = strings.TrimSpace(spec.Task)
	if spec.Task == "" {
		return nil, errors.New("task must not be empty")
	}
	if len(spec.Sequence) == 0 {
		return nil, errors.New("role sequence must not be empty")
	}
	if spec.DebateID == "" {
		spec.DebateID = "debate-" + uuid.NewString()
	}

	r := &run{spec: spec, status: StatusRunning, started: time.Now()}

	started := event.New(event.KindDebateStarted, spec.DebateID)
	started.Task = event.Clip(spec.Task, e.clipLimit())
	started.Roles = spec.Sequence
	e.emit(r, started)
	e.logger.Info("debate started",
		slog.String("debate_id", spec.DebateID),
		slog.Int("roles", len(spec.Sequence)),
	)

	e.loop(ctx, r)

	if r.status == StatusRunning {
		r.status = StatusCompleted
	}

	usage := e.Usage()
	cost := governor.CostEUR(usage, e.cfg.Rates)
	duration := time.Since(r.started).Seconds()

	finished := event.New(event.KindDebateFinished, spec.DebateID)
	finished.Status = r.status
	finished.Reason = r.reason
	finished.Rounds = r.rounds
	finished.CostUSD = governor.CostUSD(usage, e.cfg.Rates)
	finished.CostEUR = cost
	finished.Duration = duration
	e.emit(r, finished)

	e.logger.Info("cost summary",
		slog.String("debate_id", spec.DebateID),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.Float64("cost_eur", cost),
		slog.String("status", r.status),
	)

	return &Result{
		DebateID: spec.DebateID,
		Status:   r.status,
		Reason:   r.reason,
		Rounds:   r.rounds,
		CostEUR:  cost,
		Duration: duration,
		Events:   r.events,
	}, nil
}

func (e *Engine) loop(ctx context.Context, r *run) {
	current := r.spec.Task

	for roundNum, role := range r.spec.Sequence {
		decision := governor.Decide(
			governor.Usage{
				RoundsCompleted: roundNum,
				InputTokens:     e.Usage().InputTokens,
				OutputTokens:    e.Usage().OutputTokens,
			},
			governor.Limits{MaxRounds: e.cfg.MaxRounds, MaxBudgetEUR: e.cfg.MaxBudgetEUR},
			e.cfg.Rates,
		)
		if !decision.Proceed {
			r.status = StatusStopped
			r.reason = decision.Reason
			stopped := event.New(event.KindDebateStopped, r.spec.DebateID)
			stopped.Round = roundNum
			stopped.Reason = decision.Reason
			stopped.CostEUR = decision.CostEUR
			e.emit(r, stopped)
			return
		}

		startedEv := event.New(event.KindRoundStarted, r.spec.DebateID)
		startedEv.Round = roundNum
		startedEv.Role = role
		e.emit(r, startedEv)

		reply, err := e.turn(ctx, role, current)
		if err != nil {
			e.logger.Error("turn failed",
				slog.String("debate_id", r.spec.DebateID),
				slog.String("role", role),
				slog.String("error", err.Error()),
			)
			r.status = StatusError
			r.reason = ReasonRoleError
			errEv := event.New(event.KindRoundError, r.spec.DebateID)
			errEv.Round = roundNum
			errEv.Role = role
			errEv.Error = err.Error()
			e.emit(r, errEv)
			return
		}
		r.rounds++

		respEv := event.New(event.KindRoundResponse, r.spec.DebateID)
		respEv.Round = roundNum
		respEv.Role = role
		respEv.Response = event.Clip(reply, e.clipLimit())
		e.emit(r, respEv)

		next := fmt.Sprintf("Reply from %s: %s\nNext turn.", role, reply)

		if role != e.cfg.ChiefRole {
			var stopped bool
			next, stopped = e.applyInterventions(r, roundNum, role, next)
			if stopped {
				return
			}
		}
		current = next

		if roundNum < len(r.spec.ParallelGroups) {
			current = e.parallelRound(ctx, r, roundNum, role, reply, current)
		}
	}
}

// turn sends the context to the role's session and awaits the reply,
// condensing the context first when it exceeds the configured threshold.
func (e *Engine) turn(ctx context.Context, role, content string) (string, error) {
	if e.cfg.MaxContextChars > 0 && len(content) > e.cfg.MaxContextChars && role != e.cfg.SummarizerRole {
		condensed, err := e.condense(ctx, content)
		if err != nil {
			return "", fmt.Errorf("condense context: %w", err)
		}
		content = condensed + "\n[Context auto-summarized]"
	}
	return e.exchange(ctx, role, content)
}

func (e *Engine) condense(ctx context.Context, content string) (string, error) {
	return e.exchange(ctx, e.cfg.SummarizerRole, content)
}

// Ask runs a single out-of-band exchange with a role, outside any debate
// loop. Used for one-shot requests such as agent-written minutes.
func (e *Engine) Ask(ctx context.Context, role, content string) (string, error) {
	return e.exchange(ctx, role, content)
}

// exchange is one send-and-await cycle against a role's session.
func (e *Engine) exchange(ctx context.Context, role, content string) (string, error) {
	sessionID, err := e.sessions.EnsureSession(ctx, role, "")
	if err != nil {
		return "", err
	}

	baseline, err := e.client.ListMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := e.client.AppendMessage(ctx, sessionID, content); err != nil {
		return "", err
	}
	reply, err := e.client.AwaitReply(ctx, sessionID, len(baseline))
	if err != nil {
		return "", err
	}

	e.countExchange(e.sessions.Model(role), content, reply)
	return reply, nil
}

// applyInterventions drains the operator mailbox after a non-chief turn. Each
// consumed item emits a chief_action event; with no stop consumed, an
// auto_continue marker closes the round.
func (e *Engine) applyInterventions(r *run, roundNum int, role, next string) (string, bool) {
	items, err := e.queue.Drain(r.spec.DebateID)
	if err != nil {
		e.logger.Warn("intervention queue unavailable",
			slog.String("debate_id", r.spec.DebateID),
			slog.String("error", err.Error()),
		)
	}

	for _, item := range items {
		action := strings.ToLower(strings.TrimSpace(item.Action))
		message := strings.TrimSpace(item.Message)

		chief := event.New(event.KindChiefAction, r.spec.DebateID)
		chief.Round = roundNum
		chief.Role = role

		switch {
		case action == intervention.ActionStop:
			chief.Action = event.ChiefQueuedStop
			e.emit(r, chief)
			r.status = StatusStopped
			r.reason = ReasonQueuedStop
			return next, true
		case message != "":
			chief.Action = event.ChiefQueuedFeedback
			chief.Message = event.Clip(message, e.clipLimit())
			e.emit(r, chief)
			next += fmt.Sprintf("\n\n[CONDUCTOR INTERVENES]\n%s\n[/CONDUCTOR]\n", message)
		default:
			chief.Action = event.ChiefInvalidInput
			e.emit(r, chief)
		}
	}

	auto := event.New(event.KindChiefAction, r.spec.DebateID)
	auto.Round = roundNum
	auto.Role = role
	auto.Action = event.ChiefAutoContinue
	e.emit(r, auto)
	return next, false
}

// parallelRound fans the previous reply out to the round's parallel group
// with bounded concurrency and appends every reply (or per-role error) to the
// context.
func (e *Engine) parallelRound(ctx context.Context, r *run, roundNum int, prevRole, prevReply, current string) string {
	group := roles.NormalizeRoles(r.spec.ParallelGroups[roundNum])
	if len(group) == 0 {
		return current
	}

	startedEv := event.New(event.KindParallelStarted, r.spec.DebateID)
	startedEv.Round = roundNum
	startedEv.Roles = group
	e.emit(r, startedEv)

	prompt := fmt.Sprintf("Previous reply from %s: %s\nRespond from your role.", prevRole, event.Clip(prevReply, 600))

	results := make([]string, len(group))
	var g errgroup.Group
	g.SetLimit(maxParallelCalls)
	for i, role := range group {
		g.Go(func() error {
			reply, err := e.exchange(ctx, role, prompt)
			if err != nil {
				results[i] = fmt.Sprintf("Error: %v", err)
				return nil
			}
			results[i] = reply
			return nil
		})
	}
	g.Wait()

	clipped := make(map[string]string, len(group))
	var lines []string
	for i, role := range group {
		clipped[role] = event.Clip(results[i], e.clipLimit())
		lines = append(lines, fmt.Sprintf("%s: %s", role, results[i]))
	}

	completedEv := event.New(event.KindParallelCompleted, r.spec.DebateID)
	completedEv.Round = roundNum
	completedEv.Results = clipped
	e.emit(r, completedEv)

	return current + "\n\n[PARALLEL RESPONSES]\n" + strings.Join(lines, "\n") + "\n[/PARALLEL RESPONSES]\n"
}
