package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"spark/internal/types"
)

func testEvent(session, trace string, kind types.EventKind) *types.Event {
	return &types.Event{
		V:         1,
		Source:    "openclaw",
		Kind:      kind,
		TS:        time.Now().UTC(),
		SessionID: session,
		TraceID:   trace,
		Payload:   map[string]interface{}{"tool_name": "Bash"},
	}
}

func TestAppendAndReadFrom(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue", "events.jsonl"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer q.Close()

	for i := 0; i < 5; i++ {
		if err := q.Append(testEvent("s1", "t1", types.KindPreTool)); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}

	events, cursor, err := q.ReadFrom(0, 3)
	if err != nil {
		t.Fatalf("ReadFrom error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if cursor <= 0 {
		t.Fatalf("cursor = %d, want > 0", cursor)
	}

	rest, next, err := q.ReadFrom(cursor, 10)
	if err != nil {
		t.Fatalf("ReadFrom error = %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("remaining events = %d, want 2", len(rest))
	}
	if next <= cursor {
		t.Fatalf("cursor did not advance: %d -> %d", cursor, next)
	}

	// Cursor is monotone: reading again at the end returns nothing and the
	// same cursor.
	again, same, err := q.ReadFrom(next, 10)
	if err != nil {
		t.Fatalf("ReadFrom error = %v", err)
	}
	if len(again) != 0 || same != next {
		t.Fatalf("read past end: events=%d cursor=%d want 0,%d", len(again), same, next)
	}
}

func TestTailRecentReturnsAppendOrder(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer q.Close()

	for _, trace := range []string{"t1", "t2", "t3", "t4"} {
		if err := q.Append(testEvent("s1", trace, types.KindPostTool)); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}

	tail, err := q.TailRecent(2)
	if err != nil {
		t.Fatalf("TailRecent error = %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail = %d events, want 2", len(tail))
	}
	if tail[0].TraceID != "t3" || tail[1].TraceID != "t4" {
		t.Fatalf("tail order = %s,%s want t3,t4", tail[0].TraceID, tail[1].TraceID)
	}
}

func TestPartialTrailingLineIsNotConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer q.Close()

	if err := q.Append(testEvent("s1", "t1", types.KindPreTool)); err != nil {
		t.Fatalf("Append error = %v", err)
	}

	// Simulate a writer crash mid-line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"v":1,"source":"open`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	events, cursor, err := q.ReadFrom(0, 10)
	if err != nil {
		t.Fatalf("ReadFrom error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (partial line must be discarded)", len(events))
	}

	stats := q.Stats()
	if stats.PartialDiscards == 0 {
		t.Fatalf("PartialDiscards = 0, want > 0")
	}

	// The next append completes after the partial line; the cursor from the
	// earlier read stays before it.
	if cursor <= 0 {
		t.Fatalf("cursor = %d, want > 0", cursor)
	}
}

func TestCorruptLineIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer q.Close()

	if err := q.Append(testEvent("s1", "t1", types.KindPreTool)); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString("not json at all\n")
	f.Close()
	if err := q.Append(testEvent("s1", "t2", types.KindPreTool)); err != nil {
		t.Fatalf("Append error = %v", err)
	}

	events, _, err := q.ReadFrom(0, 10)
	if err != nil {
		t.Fatalf("ReadFrom error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (corrupt line skipped)", len(events))
	}
	if events[1].TraceID != "t2" {
		t.Fatalf("second event trace = %s, want t2", events[1].TraceID)
	}
}

func TestRotateStartsFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer q.Close()

	if err := q.Append(testEvent("s1", "t1", types.KindPreTool)); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := q.Rotate(); err != nil {
		t.Fatalf("Rotate error = %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if err := q.Append(testEvent("s1", "t2", types.KindPreTool)); err != nil {
		t.Fatalf("Append after rotate error = %v", err)
	}
	events, _, err := q.ReadFrom(0, 10)
	if err != nil {
		t.Fatalf("ReadFrom error = %v", err)
	}
	if len(events) != 1 || events[0].TraceID != "t2" {
		t.Fatalf("post-rotation read = %+v, want single t2 event", events)
	}
}
