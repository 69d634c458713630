// Package session owns the durable role→session-id mapping and the lazy
// creation / validation / recreation of remote agent sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tjfontaine/roundtable/internal/roles"
	"github.com/tjfontaine/roundtable/internal/transport"
)

// Transport is the slice of the agent client the manager needs.
type Transport interface {
	CreateSession(ctx context.Context, model, systemPrompt string) (string, error)
	ListMessages(ctx context.Context, sessionID string) ([]transport.Message, error)
}

// Manager maps role names to remote session ids. The map is persisted to a
// JSON file, rewritten wholesale after every change, and is safe for use by
// multiple concurrent debates.
type Manager struct {
	client Transport
	reg    *roles.Registry
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]string
}

// NewManager loads the persisted map (ignoring a missing or corrupt file)
// and returns a ready manager.
func NewManager(client Transport, reg *roles.Registry, path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client:   client,
		reg:      reg,
		path:     path,
		logger:   logger,
		sessions: map[string]string{},
	}
	m.load()
	return m
}

func (m *Manager) load() {
	if m.path == "" {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		m.logger.Warn("session map unreadable, starting fresh", slog.String("path", m.path))
		return
	}
	m.sessions = stored
}

// persist must be called with mu held.
func (m *Manager) persist() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session map: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write session map %s: %w", m.path, err)
	}
	return nil
}

// Lookup returns the stored session id for a role without touching the
// remote API.
func (m *Manager) Lookup(role string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessions[role]
	return id, ok
}

// EnsureSession returns a valid session id for the role. An existing mapping
// is validated with a lightweight history read; a gone session is dropped and
// recreated, any other transport failure propagates. New sessions are created
// with the role's resolved model and system prompt (promptOverride wins when
// non-empty) and the updated map is persisted.
func (m *Manager) EnsureSession(ctx context.Context, role, promptOverride string) (string, error) {
	m.mu.Lock()
	existing, ok := m.sessions[role]
	m.mu.Unlock()

	if ok {
		_, err := m.client.ListMessages(ctx, existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, transport.ErrSessionNotFound) {
			return "", fmt.Errorf("validate session for %s: %w", role, err)
		}

		m.logger.Warn("stale session dropped", slog.String("role", role), slog.String("session_id", existing))
		m.mu.Lock()
		// Only drop if nobody replaced it while we were validating.
		if m.sessions[role] == existing {
			delete(m.sessions, role)
			if err := m.persist(); err != nil {
				m.mu.Unlock()
				return "", err
			}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	model := m.reg.Model(role)
	prompt := m.reg.ResolvePrompt(role, promptOverride)
	m.mu.Unlock()

	id, err := m.client.CreateSession(ctx, model, prompt)
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", role, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[role] = id
	if err := m.persist(); err != nil {
		return "", err
	}
	m.logger.Info("session created",
		slog.String("role", role),
		slog.String("session_id", id),
		slog.String("model", model),
	)
	return id, nil
}

// SetPrompt registers a composed prompt for a role so later EnsureSession
// calls use it instead of the file-configured one.
func (m *Manager) SetPrompt(role, prompt string) {
	if prompt == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reg.Prompts[role] = prompt
}

// SetModel registers a per-role model override.
func (m *Manager) SetModel(role, model string) {
	if model == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reg.Models[role] = model
}

// Model reports the model that would be used for a role's session.
func (m *Manager) Model(role string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Model(role)
}
