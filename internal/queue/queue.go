// Package queue implements Spark's durable event log: an append-only
// newline-delimited JSON file with offset-based cursors. Writers take an
// OS-level advisory lock around append; readers are lock-free and never
// block writers.
package queue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"spark/internal/logging"
	"spark/internal/types"
)

// Cursor is a byte offset into the event log. Cursors only move forward.
type Cursor int64

// Stats summarizes the queue for diagnostics and backpressure.
type Stats struct {
	PendingEstimate int       `json:"pending_estimate"`
	Appended        int64     `json:"appended"`
	Overflow        int64     `json:"overflow"`
	PartialDiscards int64     `json:"partial_discards"`
	OldestTS        time.Time `json:"oldest_ts,omitempty"`
	NewestTS        time.Time `json:"newest_ts,omitempty"`
	SizeBytes       int64     `json:"size_bytes"`
}

// Queue is the append-only event log. Single-writer in-process; the advisory
// flock covers cross-process appends from adapters that bypass the daemon.
type Queue struct {
	path string
	log  *zap.Logger

	mu        sync.Mutex // guards the writer
	file      *os.File
	unsynced  int // appends since last fsync
	batchSize int

	statsMu         sync.Mutex
	appended        int64
	overflow        int64
	partialDiscards int64
	readCursor      Cursor // last cursor handed back by ReadFrom; pending estimate only
	oldestTS        time.Time
	newestTS        time.Time
}

// Open creates or opens the event log at path.
func Open(path string) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("queue path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	return &Queue{
		path:      path,
		file:      f,
		batchSize: 16,
		log:       logging.Named("queue"),
	}, nil
}

// Close syncs and closes the writer.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file == nil {
		return nil
	}
	_ = q.file.Sync()
	err := q.file.Close()
	q.file = nil
	return err
}

// Path returns the backing file path.
func (q *Queue) Path() string { return q.path }

// Append durably writes one event. The fsync boundary is at batch ends: one
// sync every batchSize appends plus whenever SyncNow is called.
func (q *Queue) Append(ev *types.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file == nil {
		return fmt.Errorf("queue closed")
	}

	if err := flock(q.file); err != nil {
		return fmt.Errorf("failed to lock queue: %w", err)
	}
	defer funlock(q.file)

	if _, err := q.file.Write(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	q.unsynced++
	if q.unsynced >= q.batchSize {
		if err := q.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync queue: %w", err)
		}
		q.unsynced = 0
	}

	q.statsMu.Lock()
	q.appended++
	q.newestTS = ev.TS
	if q.oldestTS.IsZero() {
		q.oldestTS = ev.TS
	}
	q.statsMu.Unlock()
	return nil
}

// SyncNow forces an fsync; callers invoke it at batch boundaries.
func (q *Queue) SyncNow() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file == nil || q.unsynced == 0 {
		return nil
	}
	q.unsynced = 0
	return q.file.Sync()
}

// ReadFrom returns up to limit events starting at cursor plus the cursor one
// past the last complete line consumed. A truncated trailing line is
// discarded and counted; the cursor never lands inside it.
func (q *Queue) ReadFrom(cursor Cursor, limit int) ([]types.Event, Cursor, error) {
	if limit <= 0 {
		limit = 256
	}
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cursor, nil
		}
		return nil, cursor, fmt.Errorf("failed to open queue for read: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(cursor), 0); err != nil {
		return nil, cursor, fmt.Errorf("failed to seek queue: %w", err)
	}

	events := make([]types.Event, 0, limit)
	next := cursor
	reader := bufio.NewReaderSize(f, 256*1024)
	for len(events) < limit {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Partial trailing line: leave the cursor before it so a later
			// read picks it up once the writer completes it. If the file was
			// truncated mid-line it is discarded on the next rotation.
			if len(bytes.TrimSpace(line)) > 0 {
				q.statsMu.Lock()
				q.partialDiscards++
				q.statsMu.Unlock()
			}
			break
		}
		advance := Cursor(int64(next) + int64(len(line)))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			next = advance
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			// Corrupt line: count it and move past so one bad record cannot
			// wedge the bridge cycle.
			q.statsMu.Lock()
			q.partialDiscards++
			q.statsMu.Unlock()
			q.log.Warn("discarding corrupt queue line", zap.Int64("offset", int64(next)))
			next = advance
			continue
		}
		events = append(events, ev)
		next = advance
	}

	q.statsMu.Lock()
	if next > q.readCursor {
		q.readCursor = next
	}
	q.statsMu.Unlock()
	return events, next, nil
}

// TailRecent returns the last n events in append order.
func (q *Queue) TailRecent(n int) ([]types.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	events := make([]types.Event, 0, n)
	for i := len(lines) - 1; i >= 0 && len(events) < n; i-- {
		trimmed := bytes.TrimSpace(lines[i])
		if len(trimmed) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	// Reverse back into append order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// EndCursor returns the cursor at the current end of the log.
func (q *Queue) EndCursor() (Cursor, error) {
	info, err := os.Stat(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return Cursor(info.Size()), nil
}

// Stats returns queue statistics. The pending estimate is the byte distance
// between the end of the log and the furthest read cursor, scaled by an
// average record size guess when no reads have happened yet.
func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()

	var size int64
	if info, err := os.Stat(q.path); err == nil {
		size = info.Size()
	}
	pendingBytes := size - int64(q.readCursor)
	if pendingBytes < 0 {
		pendingBytes = 0
	}
	const avgRecordBytes = 256
	return Stats{
		PendingEstimate: int(pendingBytes / avgRecordBytes),
		Appended:        q.appended,
		Overflow:        q.overflow,
		PartialDiscards: q.partialDiscards,
		OldestTS:        q.oldestTS,
		NewestTS:        q.newestTS,
		SizeBytes:       size,
	}
}

// RecordOverflow counts an event rejected for backpressure.
func (q *Queue) RecordOverflow() {
	q.statsMu.Lock()
	q.overflow++
	q.statsMu.Unlock()
}

// Rotate atomically renames the current log aside (events.jsonl.1) and
// starts a fresh file. Readers holding cursors into the rotated file must
// reset; the bridge cycle does this when ReadFrom returns nothing at a
// cursor past the new end.
func (q *Queue) Rotate() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file == nil {
		return fmt.Errorf("queue closed")
	}
	_ = q.file.Sync()
	if err := q.file.Close(); err != nil {
		return fmt.Errorf("failed to close queue for rotation: %w", err)
	}
	if err := os.Rename(q.path, q.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate queue: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen queue after rotation: %w", err)
	}
	q.file = f
	q.unsynced = 0
	q.statsMu.Lock()
	q.readCursor = 0
	q.statsMu.Unlock()
	return nil
}
