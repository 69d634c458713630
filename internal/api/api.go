// Package api is the HTTP front door: it accepts debate-creation requests,
// runs each debate on its own worker goroutine, and exposes status, events,
// output events, interventions, and memory export/import.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/roundtable/internal/engine"
	"github.com/tjfontaine/roundtable/internal/extractor"
	"github.com/tjfontaine/roundtable/internal/intervention"
	"github.com/tjfontaine/roundtable/internal/roles"
	"github.com/tjfontaine/roundtable/internal/session"
	"github.com/tjfontaine/roundtable/internal/store"
)

// runtime tracks an in-flight debate alongside its persisted record.
type runtime struct {
	DebateID   string
	Status     string
	CreatedAt  string
	StartedAt  string
	FinishedAt string
	Error      string
}

// API wires the engine, stores, and queue behind HTTP handlers.
type API struct {
	store     *store.Store
	queue     *intervention.Queue
	reg       *roles.Registry
	sessions  *session.Manager
	engine    *engine.Engine
	extractor *extractor.Extractor
	outputs   bool
	logger    *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// New builds the front door. The extractor may be nil when the output-event
// feature is disabled.
func New(st *store.Store, queue *intervention.Queue, reg *roles.Registry, sessions *session.Manager, eng *engine.Engine, ext *extractor.Extractor, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:     st,
		queue:     queue,
		reg:       reg,
		sessions:  sessions,
		engine:    eng,
		extractor: ext,
		outputs:   ext != nil,
		logger:    logger,
		runtimes:  map[string]*runtime{},
	}
}

// Mount registers all routes on the router.
func (a *API) Mount(r chi.Router) {
	r.Get("/health", a.health)
	r.Get("/discussion-profiles", a.listProfiles)
	r.Post("/debates", a.createDebate)
	r.Get("/debates", a.listDebates)
	r.Get("/debates/{debateID}", a.getDebate)
	r.Get("/debates/{debateID}/events", a.getEvents)
	r.Get("/debates/{debateID}/output-events", a.getOutputEvents)
	r.Get("/debates/{debateID}/memory", a.getMemory)
	r.Get("/debates/{debateID}/export", a.exportDebate)
	r.Post("/debates/{debateID}/interventions", a.enqueueIntervention)
	r.Get("/memory/export", a.exportMemory)
	r.Post("/memory/import", a.importMemory)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listProfiles(w http.ResponseWriter, r *http.Request) {
	names := a.reg.ProfileNames()
	profiles := make([]map[string]any, 0, len(names))
	for _, name := range names {
		profile, _ := a.reg.Profile(name)
		profiles = append(profiles, map[string]any{
			"name":        name,
			"description": profile.Description,
			"rules":       roles.CleanRules(profile.Rules),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(profiles),
		"profiles": profiles,
	})
}

// RoleSpec is a participant definition in a create request.
type RoleSpec struct {
	Name   string `json:"name"`
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// CreateRequest is the body of POST /debates.
type CreateRequest struct {
	Task               string     `json:"task"`
	Roles              []RoleSpec `json:"roles"`
	Sequence           []string   `json:"sequence,omitempty"`
	ParallelGroups     [][]string `json:"parallel_groups,omitempty"`
	DiscussionProfile  string     `json:"discussion_profile,omitempty"`
	GlobalInstructions string     `json:"global_instructions,omitempty"`
	GlobalRules        []string   `json:"global_rules,omitempty"`
	MinutesMode        string     `json:"minutes_mode,omitempty"`
	Bootstrap          *bool      `json:"bootstrap,omitempty"`
}

func (r CreateRequest) bootstrap() bool {
	return r.Bootstrap == nil || *r.Bootstrap
}

func (a *API) createDebate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		writeError(w, http.StatusUnprocessableEntity, "task must not be empty")
		return
	}
	if len(req.Roles) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "roles must not be empty")
		return
	}

	seen := map[string]bool{}
	var roleNames []string
	for _, role := range req.Roles {
		name := strings.TrimSpace(role.Name)
		if name == "" {
			writeError(w, http.StatusUnprocessableEntity, "role name must not be empty")
			return
		}
		if seen[name] {
			writeError(w, http.StatusBadRequest, "roles contains duplicate names")
			return
		}
		seen[name] = true
		roleNames = append(roleNames, name)
	}

	sequence := roles.NormalizeRoles(req.Sequence)
	if len(sequence) == 0 {
		sequence = roleNames
	}
	for _, name := range sequence {
		if !seen[name] {
			writeError(w, http.StatusUnprocessableEntity, "sequence includes undefined role: "+name)
			return
		}
	}

	var profile roles.Profile
	if req.DiscussionProfile != "" {
		var ok bool
		if profile, ok = a.reg.Profile(req.DiscussionProfile); !ok {
			writeError(w, http.StatusBadRequest, "discussion_profile not found: "+req.DiscussionProfile)
			return
		}
	}

	globalRules := roles.CleanRules(req.GlobalRules)
	for _, role := range req.Roles {
		name := strings.TrimSpace(role.Name)
		base := role.Prompt
		if base == "" {
			base = a.reg.ResolvePrompt(name, "")
		}
		composed := roles.ComposePrompt(name, base, req.DiscussionProfile, profile, req.GlobalInstructions, globalRules)
		a.sessions.SetPrompt(name, composed)
		if role.Model != "" {
			a.sessions.SetModel(name, role.Model)
		}
	}

	debateID := "debate-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	rt := &runtime{DebateID: debateID, Status: engine.StatusQueued, CreatedAt: nowISO()}
	a.mu.Lock()
	a.runtimes[debateID] = rt
	a.mu.Unlock()

	roleDocs := make([]map[string]any, 0, len(req.Roles))
	for _, role := range req.Roles {
		roleDocs = append(roleDocs, map[string]any{
			"name":   strings.TrimSpace(role.Name),
			"model":  role.Model,
			"prompt": role.Prompt,
		})
	}
	record := store.Debate{
		"debate_id":           debateID,
		"status":              engine.StatusQueued,
		"reason":              "",
		"created_at":          rt.CreatedAt,
		"started_at":          "",
		"finished_at":         "",
		"rounds":              0,
		"cost_eur":            nil,
		"error":               "",
		"task":                req.Task,
		"discussion_profile":  req.DiscussionProfile,
		"global_instructions": req.GlobalInstructions,
		"global_rules":        globalRules,
		"roles":               roleDocs,
		"sequence":            sequence,
		"parallel_groups":     req.ParallelGroups,
		"final_minutes":       "",
		"summary":             map[string]any{},
	}
	if err := a.store.UpsertDebate(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, "persist debate: "+err.Error())
		return
	}

	go a.runWorker(debateID, req, sequence)

	writeJSON(w, http.StatusOK, map[string]string{
		"debate_id": debateID,
		"status":    engine.StatusQueued,
	})
}

func (a *API) setRuntime(debateID string, update func(*runtime)) *runtime {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt := a.runtimes[debateID]
	if rt != nil && update != nil {
		update(rt)
	}
	return rt
}

func (a *API) lookupRuntime(debateID string) (runtime, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, ok := a.runtimes[debateID]
	if !ok {
		return runtime{}, false
	}
	return *rt, true
}

func (a *API) getDebate(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateID")
	rt, hasRuntime := a.lookupRuntime(debateID)

	persisted, err := a.store.GetDebate(r.Context(), debateID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !hasRuntime && persisted == nil {
		writeError(w, http.StatusNotFound, "debate_id not found")
		return
	}

	resp := map[string]any{
		"debate_id":   debateID,
		"status":      "unknown",
		"reason":      "",
		"created_at":  "",
		"started_at":  "",
		"finished_at": "",
		"rounds":      0,
		"cost_eur":    nil,
		"error":       "",
	}
	for _, key := range []string{"status", "reason", "created_at", "started_at", "finished_at", "rounds", "cost_eur", "error", "task"} {
		if v, ok := persisted[key]; ok {
			resp[key] = v
		}
	}
	if hasRuntime {
		resp["status"] = rt.Status
		resp["created_at"] = rt.CreatedAt
		if rt.StartedAt != "" {
			resp["started_at"] = rt.StartedAt
		}
		if rt.FinishedAt != "" {
			resp["finished_at"] = rt.FinishedAt
		}
		if rt.Error != "" {
			resp["error"] = rt.Error
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listDebates(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	persisted, err := a.store.ListDebates(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byID := map[string]store.Debate{}
	for _, item := range persisted {
		if id, _ := item["debate_id"].(string); id != "" {
			byID[id] = item
		}
	}
	a.mu.Lock()
	for _, rt := range a.runtimes {
		item, ok := byID[rt.DebateID]
		if !ok {
			item = store.Debate{"debate_id": rt.DebateID}
		}
		item["status"] = rt.Status
		item["created_at"] = rt.CreatedAt
		if rt.Error != "" {
			item["error"] = rt.Error
		}
		byID[rt.DebateID] = item
	}
	a.mu.Unlock()

	items := make([]store.Debate, 0, len(byID))
	for _, item := range byID {
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(items),
		"items": items,
	})
}

func (a *API) getEvents(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateID")
	events, err := a.store.GetEvents(r.Context(), debateID, queryInt(r, "limit", 5000), queryBool(r, "reverse"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(events) == 0 && !a.debateKnown(r, debateID) {
		writeError(w, http.StatusNotFound, "no events for that debate_id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debate_id": debateID,
		"count":     len(events),
		"events":    events,
	})
}

func (a *API) getOutputEvents(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateID")
	if !a.debateKnown(r, debateID) {
		writeError(w, http.StatusNotFound, "debate_id not found")
		return
	}
	events, err := a.store.GetOutputEvents(r.Context(), debateID, queryInt(r, "limit", 5000), queryBool(r, "reverse"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debate_id": debateID,
		"count":     len(events),
		"events":    events,
	})
}

func (a *API) getMemory(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateID")
	persisted, err := a.store.GetDebate(r.Context(), debateID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no persisted memory for that debate_id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, persisted)
}

func (a *API) exportDebate(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateID")
	snap, err := a.store.ExportDebate(r.Context(), debateID, true, true)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no memory to export for that debate_id")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) exportMemory(w http.ResponseWriter, r *http.Request) {
	archive, err := a.store.ExportMany(r.Context(),
		queryInt(r, "limit", 50),
		queryBool(r, "include_events"),
		queryBool(r, "include_output_events"),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

// ImportRequest is the body of POST /memory/import.
type ImportRequest struct {
	Snapshot  *store.Snapshot `json:"snapshot"`
	Overwrite bool            `json:"overwrite"`
}

func (a *API) importMemory(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := a.store.ImportSnapshot(r.Context(), req.Snapshot, req.Overwrite)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Imported histories can carry trigger commands; derive their output
	// events now so they are queryable without a re-run.
	if a.outputs && result.Status == store.ImportStatusImported {
		if err := a.deriveOutputEventsFromStore(r, result.DebateID); err != nil {
			a.logger.Warn("output-event derivation failed",
				slog.String("debate_id", result.DebateID),
				slog.String("error", err.Error()),
			)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// InterventionRequest is the body of POST /debates/{id}/interventions.
type InterventionRequest struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

func (a *API) enqueueIntervention(w http.ResponseWriter, r *http.Request) {
	debateID := chi.URLParam(r, "debateID")

	var req InterventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" {
		req.Action = intervention.ActionFeedback
	}
	if req.Action != intervention.ActionFeedback && req.Action != intervention.ActionStop {
		writeError(w, http.StatusBadRequest, "action must be feedback or stop")
		return
	}
	message := strings.TrimSpace(req.Message)
	if req.Action == intervention.ActionFeedback && message == "" {
		writeError(w, http.StatusBadRequest, "message is required for action=feedback")
		return
	}
	if !a.debateKnown(r, debateID) {
		writeError(w, http.StatusNotFound, "debate_id not found")
		return
	}
	if message == "" {
		message = "STOP requested via API"
	}

	if err := a.queue.Enqueue(intervention.Item{
		Action:   req.Action,
		Message:  message,
		DebateID: debateID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"debate_id": debateID,
		"status":    "queued",
		"action":    req.Action,
	})
}

func (a *API) debateKnown(r *http.Request, debateID string) bool {
	if _, ok := a.lookupRuntime(debateID); ok {
		return true
	}
	_, err := a.store.GetDebate(r.Context(), debateID)
	return err == nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	raw := strings.ToLower(r.URL.Query().Get(key))
	return raw == "true" || raw == "1" || raw == "yes"
}
