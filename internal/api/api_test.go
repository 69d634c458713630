package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/roundtable/internal/engine"
	"github.com/tjfontaine/roundtable/internal/extractor"
	"github.com/tjfontaine/roundtable/internal/governor"
	"github.com/tjfontaine/roundtable/internal/intervention"
	"github.com/tjfontaine/roundtable/internal/roles"
	"github.com/tjfontaine/roundtable/internal/session"
	"github.com/tjfontaine/roundtable/internal/store"
	"github.com/tjfontaine/roundtable/internal/tokens"
	"github.com/tjfontaine/roundtable/internal/transport"
)

// fakeAgent answers every appended message immediately, so AwaitReply's first
// poll succeeds.
type fakeAgent struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string][]transport.Message
	reply    string
}

func newFakeAgent(reply string) *fakeAgent {
	return &fakeAgent{sessions: map[string][]transport.Message{}, reply: reply}
}

func (f *fakeAgent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("sess-%d", f.nextID)
		f.sessions[id] = nil
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.sessions[id]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.sessions[id] = append(f.sessions[id],
			transport.Message{Role: "user", Content: body.Content},
			transport.Message{Role: "assistant", Content: f.reply},
		)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		defer f.mu.Unlock()
		msgs, ok := f.sessions[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(msgs)
	})
	return mux
}

func newTestAPI(t *testing.T, reply string) *httptest.Server {
	t.Helper()

	agentSrv := httptest.NewServer(newFakeAgent(reply).handler())
	t.Cleanup(agentSrv.Close)

	client := transport.NewClient(agentSrv.URL,
		transport.WithPollInterval(5*time.Millisecond),
		transport.WithMaxWait(500*time.Millisecond),
	)

	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := &roles.Registry{
		DefaultModel: "test-model",
		Prompts:      map[string]string{},
		Models:       map[string]string{},
		Profiles: map[string]roles.Profile{
			"engineering": {Description: "engineering table"},
		},
	}
	sessions := session.NewManager(client, reg, filepath.Join(dir, "sessions.json"), nil)
	queue := intervention.NewQueue(filepath.Join(dir, "queue.jsonl"), nil)

	eng := engine.New(client, sessions, queue, nil, tokens.NewEstimator(), engine.Config{
		MaxRounds:       15,
		MaxBudgetEUR:    0.50,
		MaxContextChars: 12000,
		ChiefRole:       "Conductor",
		SummarizerRole:  "Summarizer",
		Rates:           governor.Rates{InputUSDPerMTok: 0.59, OutputUSDPerMTok: 0.79, EURPerUSD: 0.92},
	}, nil)

	ext := extractor.New("#task", "task", []string{"Moderator"})
	a := New(st, queue, reg, sessions, eng, ext, nil)

	router := chi.NewRouter()
	a.Mount(router)
	apiSrv := httptest.NewServer(router)
	t.Cleanup(apiSrv.Close)
	return apiSrv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Post(%s) error = %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func waitForTerminal(t *testing.T, baseURL, debateID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := getJSON(t, baseURL+"/debates/"+debateID)
		switch body["status"] {
		case engine.StatusCompleted, engine.StatusStopped, engine.StatusError:
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("debate %s never reached a terminal status", debateID)
	return nil
}

func TestCreateDebate_RunsToCompletion(t *testing.T) {
	srv := newTestAPI(t, "ok")

	resp, body := postJSON(t, srv.URL+"/debates", map[string]any{
		"task":  "design a login flow",
		"roles": []map[string]string{{"name": "A"}, {"name": "B"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
	debateID, _ := body["debate_id"].(string)
	if debateID == "" || body["status"] != "queued" {
		t.Fatalf("create response = %v", body)
	}

	final := waitForTerminal(t, srv.URL, debateID)
	if final["status"] != engine.StatusCompleted {
		t.Fatalf("final status = %v (%v)", final["status"], final["error"])
	}
	if final["rounds"].(float64) != 2 {
		t.Errorf("rounds = %v, want 2", final["rounds"])
	}

	resp, events := getJSON(t, srv.URL+"/debates/"+debateID+"/events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	list, _ := events["events"].([]any)
	if len(list) == 0 {
		t.Fatal("no events persisted")
	}
	first := list[0].(map[string]any)
	last := list[len(list)-1].(map[string]any)
	if first["event"] != "debate_started" || last["event"] != "debate_finished" {
		t.Errorf("event bracket = %v .. %v", first["event"], last["event"])
	}

	resp, memory := getJSON(t, srv.URL+"/debates/"+debateID+"/memory")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("memory status = %d", resp.StatusCode)
	}
	if minutesText, _ := memory["final_minutes"].(string); minutesText == "" {
		t.Error("final_minutes empty in persisted record")
	}
	if memory["minutes_source"] != "programmatic" {
		t.Errorf("minutes_source = %v", memory["minutes_source"])
	}
}

func TestCreateDebate_Validation(t *testing.T) {
	srv := newTestAPI(t, "ok")

	resp, _ := postJSON(t, srv.URL+"/debates", map[string]any{"task": "t", "roles": []any{}})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty roles status = %d, want 422", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/debates", map[string]any{
		"task":     "t",
		"roles":    []map[string]string{{"name": "A"}},
		"sequence": []string{"B"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unknown sequence role status = %d, want 422", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/debates", map[string]any{
		"task":               "t",
		"roles":              []map[string]string{{"name": "A"}},
		"discussion_profile": "missing",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown profile status = %d, want 400", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/debates", map[string]any{
		"task":  "t",
		"roles": []map[string]string{{"name": "A"}, {"name": "A"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate roles status = %d, want 400", resp.StatusCode)
	}
}

func TestInterventionEndpoint(t *testing.T) {
	srv := newTestAPI(t, "ok")

	resp, _ := postJSON(t, srv.URL+"/debates/debate-x/interventions", map[string]any{
		"action": "feedback", "message": "",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty feedback status = %d, want 400", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/debates/debate-x/interventions", map[string]any{
		"action": "stop",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown debate status = %d, want 404", resp.StatusCode)
	}
}

func TestOutputEventsDerivedFromAllowedRole(t *testing.T) {
	srv := newTestAPI(t, `Summary line.
#task create title="Fix bug" owner=Dev`)

	_, body := postJSON(t, srv.URL+"/debates", map[string]any{
		"task":  "triage the bug list",
		"roles": []map[string]string{{"name": "Moderator"}},
	})
	debateID := body["debate_id"].(string)
	waitForTerminal(t, srv.URL, debateID)

	resp, out := getJSON(t, srv.URL+"/debates/"+debateID+"/output-events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("output-events status = %d", resp.StatusCode)
	}
	list, _ := out["events"].([]any)
	if len(list) != 1 {
		t.Fatalf("output events = %d, want 1 (%v)", len(list), out)
	}
	item := list[0].(map[string]any)
	if item["action"] != "create" || item["entity"] != "task" {
		t.Errorf("output event = %v", item)
	}
	payload := item["payload"].(map[string]any)
	if payload["title"] != "Fix bug" || payload["owner"] != "Dev" {
		t.Errorf("payload = %v", payload)
	}
}

func TestMemoryImportExport(t *testing.T) {
	srv := newTestAPI(t, "ok")

	snapshot := map[string]any{
		"schema_version": "1.0",
		"debate": map[string]any{
			"debate_id":     "debate-import-1",
			"status":        "completed",
			"task":          "Imported debate",
			"rounds":        1,
			"final_minutes": "Imported minutes",
		},
		"events": []map[string]any{
			{"ts": "2026-01-01T00:00:01Z", "event": "debate_started", "debate_id": "debate-import-1"},
			{
				"ts": "2026-01-01T00:00:10Z", "event": "round_response", "debate_id": "debate-import-1",
				"role": "Moderator", "response": `#task create title="Configure CI" owner=DevOps`,
			},
			{"ts": "2026-01-01T00:00:20Z", "event": "debate_finished", "debate_id": "debate-import-1", "status": "completed"},
		},
	}

	resp, body := postJSON(t, srv.URL+"/memory/import", map[string]any{"snapshot": snapshot})
	if resp.StatusCode != http.StatusOK || body["status"] != "imported" {
		t.Fatalf("import = %d %v", resp.StatusCode, body)
	}

	_, debate := getJSON(t, srv.URL+"/debates/debate-import-1")
	if debate["status"] != "completed" {
		t.Errorf("imported debate = %v", debate)
	}

	_, events := getJSON(t, srv.URL+"/debates/debate-import-1/events")
	if events["count"].(float64) != 3 {
		t.Errorf("events count = %v, want 3", events["count"])
	}

	_, out := getJSON(t, srv.URL+"/debates/debate-import-1/output-events")
	if out["count"].(float64) < 1 {
		t.Errorf("output events count = %v, want >= 1", out["count"])
	}
	first := out["events"].([]any)[0].(map[string]any)
	if first["payload"].(map[string]any)["title"] != "Configure CI" {
		t.Errorf("output event = %v", first)
	}

	resp, body = postJSON(t, srv.URL+"/memory/import", map[string]any{"snapshot": snapshot})
	if resp.StatusCode != http.StatusOK || body["status"] != "skipped_exists" {
		t.Fatalf("second import = %d %v", resp.StatusCode, body)
	}

	resp, single := getJSON(t, srv.URL+"/debates/debate-import-1/export")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if len(single["events"].([]any)) != 3 {
		t.Errorf("export events = %v", single["events"])
	}

	resp, all := getJSON(t, srv.URL+"/memory/export?limit=10&include_events=true")
	if resp.StatusCode != http.StatusOK || all["count"].(float64) < 1 {
		t.Errorf("export all = %d %v", resp.StatusCode, all)
	}
}

func TestHealthAndProfiles(t *testing.T) {
	srv := newTestAPI(t, "ok")

	resp, body := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}

	resp, profiles := getJSON(t, srv.URL+"/discussion-profiles")
	if resp.StatusCode != http.StatusOK || profiles["count"].(float64) != 1 {
		t.Errorf("profiles = %d %v", resp.StatusCode, profiles)
	}
}
