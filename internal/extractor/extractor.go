// Package extractor derives structured output events from debate text. Agent
// replies, conductor feedback, and the final minutes are scanned for trigger
// commands like
//
//	#task create title="Fix bug" owner=Dev
//
// and each parsed command becomes one idempotent output event.
package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Canonical actions a command can request.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// verbs maps localized action words to canonical actions.
var verbs = map[string]string{
	"create": ActionCreate, "add": ActionCreate, "crear": ActionCreate,
	"crea": ActionCreate, "añadir": ActionCreate, "nueva": ActionCreate,
	"update": ActionUpdate, "edit": ActionUpdate, "modificar": ActionUpdate,
	"actualizar": ActionUpdate, "actualiza": ActionUpdate, "editar": ActionUpdate,
	"delete": ActionDelete, "remove": ActionDelete, "borrar": ActionDelete,
	"eliminar": ActionDelete, "elimina": ActionDelete,
}

// Command is one parsed trigger command.
type Command struct {
	Action  string
	Payload map[string]any
	Raw     string
}

// OutputEvent is a derived side-effect request. The idempotency key is a
// deterministic hash of the source occurrence so re-derivation never
// duplicates it.
type OutputEvent struct {
	DebateID       string         `json:"debate_id"`
	TS             string         `json:"ts"`
	Entity         string         `json:"entity"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload"`
	SourceEvent    string         `json:"source_event"`
	SourceRole     string         `json:"source_role,omitempty"`
	Raw            string         `json:"raw"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Extractor scans debate events for trigger commands.
type Extractor struct {
	Trigger      string
	Entity       string
	AllowedRoles []string
}

// New returns an extractor for the given trigger token and entity name.
func New(trigger, entity string, allowedRoles []string) *Extractor {
	if trigger == "" {
		trigger = "#task"
	}
	if entity == "" {
		entity = "task"
	}
	return &Extractor{Trigger: trigger, Entity: entity, AllowedRoles: allowedRoles}
}

// ParseCommand parses one line of text. It returns nil when the line carries
// no trigger, an unknown verb, or an empty payload.
func (x *Extractor) ParseCommand(line string) *Command {
	idx := strings.Index(line, x.Trigger)
	if idx < 0 {
		return nil
	}
	raw := strings.TrimSpace(line[idx:])
	rest := strings.TrimSpace(raw[len(x.Trigger):])
	if rest == "" {
		return nil
	}

	verb := rest
	args := ""
	if sp := strings.IndexAny(rest, " \t"); sp >= 0 {
		verb, args = rest[:sp], strings.TrimSpace(rest[sp+1:])
	}
	action, ok := verbs[strings.ToLower(verb)]
	if !ok {
		return nil
	}

	payload := parsePayload(args)
	if len(payload) == 0 {
		return nil
	}
	return &Command{Action: action, Payload: payload, Raw: raw}
}

// parsePayload accepts either an embedded JSON object literal or inline
// key=value tokens with optionally quoted values.
func parsePayload(args string) map[string]any {
	if strings.HasPrefix(args, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(args), &payload); err == nil {
			return payload
		}
		return nil
	}

	payload := map[string]any{}
	for args != "" {
		key, value, rest := nextPair(args)
		if key == "" {
			break
		}
		payload[key] = value
		args = rest
	}
	return payload
}

// nextPair consumes one key=value token from the front of args. Quoted values
// may contain spaces.
func nextPair(args string) (key, value, rest string) {
	args = strings.TrimSpace(args)
	eq := strings.Index(args, "=")
	if eq <= 0 {
		return "", "", ""
	}
	key = strings.TrimSpace(args[:eq])
	if strings.ContainsAny(key, " \t") {
		return "", "", ""
	}
	rem := args[eq+1:]
	if strings.HasPrefix(rem, `"`) {
		if end := strings.Index(rem[1:], `"`); end >= 0 {
			return key, rem[1 : end+1], rem[end+2:]
		}
		return key, rem[1:], ""
	}
	if sp := strings.IndexAny(rem, " \t"); sp >= 0 {
		return key, rem[:sp], rem[sp:]
	}
	return key, rem, ""
}

// Derive scans the debate's events (and the final minutes text) and returns
// the output events whose idempotency keys are not already in existing.
// Sources, in priority order: round replies from allow-listed roles,
// conductor feedback, the final minutes.
func (x *Extractor) Derive(debateID string, events []map[string]any, finalMinutes string, existing map[string]bool) []OutputEvent {
	var out []OutputEvent
	seen := map[string]bool{}
	for k := range existing {
		seen[k] = true
	}
	// A command re-quoted by a later source (the minutes echo round replies)
	// is the same command, not a new one.
	seenRaw := map[string]bool{}

	emit := func(sourceEvent, sourceRole, ts, text string) {
		for _, line := range strings.Split(text, "\n") {
			cmd := x.ParseCommand(line)
			if cmd == nil {
				continue
			}
			if seenRaw[cmd.Raw] {
				continue
			}
			seenRaw[cmd.Raw] = true
			key := idempotencyKey(debateID, sourceEvent, sourceRole, ts, cmd.Raw)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, OutputEvent{
				DebateID:       debateID,
				TS:             ts,
				Entity:         x.Entity,
				Action:         cmd.Action,
				Payload:        cmd.Payload,
				SourceEvent:    sourceEvent,
				SourceRole:     sourceRole,
				Raw:            cmd.Raw,
				IdempotencyKey: key,
			})
		}
	}

	for _, ev := range events {
		kind, _ := ev["event"].(string)
		ts, _ := ev["ts"].(string)
		role, _ := ev["role"].(string)
		switch kind {
		case "round_response":
			if !x.roleAllowed(role) {
				continue
			}
			text, _ := ev["response"].(string)
			emit(kind, role, ts, text)
		case "chief_action":
			action, _ := ev["action"].(string)
			if action != "feedback" && action != "queued_feedback" {
				continue
			}
			text, _ := ev["message"].(string)
			emit(kind, role, ts, text)
		}
	}
	if finalMinutes != "" {
		emit("final_minutes", "", "", finalMinutes)
	}
	return out
}

func (x *Extractor) roleAllowed(role string) bool {
	if len(x.AllowedRoles) == 0 {
		return false
	}
	for _, allowed := range x.AllowedRoles {
		if strings.EqualFold(allowed, role) {
			return true
		}
	}
	return false
}

func idempotencyKey(debateID, sourceEvent, sourceRole, ts, raw string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%s", debateID, sourceEvent, sourceRole, ts, raw))
	return hex.EncodeToString(sum[:])
}
