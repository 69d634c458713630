// Package intervention implements the operator mailbox a running debate
// consumes between turns. The queue is a JSONL file: one pending item per
// line, drained destructively so each item is handled exactly once.
package intervention

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Actions an operator can queue against a debate.
const (
	ActionStop     = "stop"
	ActionFeedback = "feedback"
)

// Item is a single queued intervention. DebateID empty means "whichever
// debate drains next".
type Item struct {
	TS       string `json:"ts"`
	Action   string `json:"action"`
	Message  string `json:"message,omitempty"`
	DebateID string `json:"debate_id,omitempty"`
}

// Queue is a file-backed intervention mailbox shared between the HTTP front
// door (producers) and debate workers (consumers).
type Queue struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewQueue returns a queue backed by the given JSONL file. The file is
// created lazily on the first enqueue.
func NewQueue(path string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{path: path, logger: logger}
}

// Enqueue appends one item to the mailbox, stamping it if the caller left the
// timestamp empty.
func (q *Queue) Enqueue(item Item) error {
	if item.TS == "" {
		item.TS = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal intervention: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open intervention queue %s: %w", q.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append intervention: %w", err)
	}
	return nil
}

// Drain removes and returns every pending item addressed to the debate:
// items whose DebateID matches, plus unaddressed items. Everything else is
// written back. Lines that fail to parse are dropped with a warning. A
// missing file means an empty queue.
func (q *Queue) Drain(debateID string) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read intervention queue %s: %w", q.path, err)
	}

	var taken []Item
	var kept [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			q.logger.Warn("dropping malformed intervention line", slog.String("line", string(line)))
			continue
		}
		if item.DebateID == "" || item.DebateID == debateID {
			taken = append(taken, item)
		} else {
			kept = append(kept, append([]byte{}, line...))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan intervention queue: %w", err)
	}

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(q.path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("rewrite intervention queue %s: %w", q.path, err)
	}
	return taken, nil
}
