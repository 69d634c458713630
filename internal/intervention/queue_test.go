package intervention

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(filepath.Join(t.TempDir(), "queue.jsonl"), nil)
}

func TestDrain_MissingFileIsEmpty(t *testing.T) {
	q := newTestQueue(t)
	items, err := q.Drain("deb-1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Drain() = %v, want empty", items)
	}
}

func TestDrain_TakesAddressedAndWildcard(t *testing.T) {
	q := newTestQueue(t)
	must(t, q.Enqueue(Item{Action: ActionFeedback, Message: "focus", DebateID: "deb-1"}))
	must(t, q.Enqueue(Item{Action: ActionStop}))
	must(t, q.Enqueue(Item{Action: ActionFeedback, Message: "other", DebateID: "deb-2"}))

	items, err := q.Drain("deb-1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Drain() returned %d items, want 2", len(items))
	}
	if items[0].Message != "focus" || items[1].Action != ActionStop {
		t.Errorf("Drain() = %+v", items)
	}

	// The deb-2 item survives for its own debate.
	rest, err := q.Drain("deb-2")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(rest) != 1 || rest[0].Message != "other" {
		t.Errorf("Drain(deb-2) = %+v", rest)
	}
}

func TestDrain_IsDestructive(t *testing.T) {
	q := newTestQueue(t)
	must(t, q.Enqueue(Item{Action: ActionStop, DebateID: "deb-1"}))

	first, err := q.Drain("deb-1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first Drain() returned %d items, want 1", len(first))
	}

	second, err := q.Drain("deb-1")
	if err != nil {
		t.Fatalf("second Drain() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second Drain() = %v, want empty", second)
	}
}

func TestDrain_SkipsMalformedLines(t *testing.T) {
	q := newTestQueue(t)
	if err := os.WriteFile(q.path, []byte("{broken\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	must(t, q.Enqueue(Item{Action: ActionStop, DebateID: "deb-1"}))

	items, err := q.Drain("deb-1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(items) != 1 || items[0].Action != ActionStop {
		t.Errorf("Drain() = %+v, want the one valid item", items)
	}
}

func TestEnqueue_StampsTimestamp(t *testing.T) {
	q := newTestQueue(t)
	must(t, q.Enqueue(Item{Action: ActionFeedback, Message: "hi"}))

	items, err := q.Drain("deb-1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(items) != 1 || items[0].TS == "" {
		t.Errorf("Drain() = %+v, want stamped item", items)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}
