// Package bridge runs the learning cycle: it drains the event queue on a
// timer and pushes what it finds through capture, pattern detection, the
// write gate, chips, the outcome loop, and the optional Mind sync. Every
// step is fail-open; one broken step degrades the cycle, never aborts it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"spark/internal/chips"
	"spark/internal/config"
	"spark/internal/contentlearn"
	"spark/internal/contextfile"
	"spark/internal/insight"
	"spark/internal/logging"
	"spark/internal/mind"
	"spark/internal/outcome"
	"spark/internal/queue"
	"spark/internal/retrieval"
	"spark/internal/types"
)

// batchLimit is the most events one cycle drains.
const batchLimit = 512

// Cycle holds everything one bridge pass needs.
type Cycle struct {
	Queue      *queue.Queue
	CursorPath string

	Store    *insight.Store
	Gate     *insight.Gate
	Distills *insight.Distillations
	Semantic *retrieval.SemanticIndex

	Chips   *chips.Processor
	Learner *contentlearn.Learner
	Outcome *outcome.Loop
	Mind    *mind.Client

	Holder        *config.TuneablesHolder
	ContextPath   string
	HeartbeatPath string

	log    *zap.Logger
	cycles int64
}

// NewCycle wires the cycle. Chips, Learner, Outcome, Mind, Semantic, and
// ContextPath may each be nil/empty; the matching steps become no-ops.
func NewCycle(c Cycle) *Cycle {
	c.log = logging.Named("bridge")
	return &c
}

// StepStatus is one step's result in the heartbeat.
type StepStatus struct {
	OK    bool   `json:"ok"`
	Count int    `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}

// Heartbeat is the liveness document written after every cycle, degraded or
// not.
type Heartbeat struct {
	TS         time.Time             `json:"ts"`
	Cycle      int64                 `json:"cycle"`
	DurationMS int64                 `json:"duration_ms"`
	Events     int                   `json:"events"`
	Degraded   bool                  `json:"degraded"`
	Steps      map[string]StepStatus `json:"steps"`
}

// Run executes one full cycle. The cursor advances only when every step
// succeeded; a degraded cycle reprocesses the same batch next time, which
// is safe because every store write is idempotent by key.
func (c *Cycle) Run(ctx context.Context) Heartbeat {
	start := time.Now()
	c.cycles++
	hb := Heartbeat{TS: start.UTC(), Cycle: c.cycles, Steps: make(map[string]StepStatus)}

	if reloaded, err := c.Holder.ReloadIfDirty(); err != nil {
		c.log.Warn("tuneables reload failed, keeping previous", zap.Error(err))
	} else if reloaded {
		c.log.Info("tuneables reloaded")
	}
	tun := c.Holder.Current()

	cursor := c.loadCursor()
	if end, err := c.Queue.EndCursor(); err == nil && cursor > end {
		// Log rotated underneath us.
		cursor = 0
	}
	events, next, err := c.Queue.ReadFrom(cursor, batchLimit)
	if err != nil {
		c.log.Error("queue read failed", zap.Error(err))
		hb.Degraded = true
		hb.Steps["read_queue"] = StepStatus{Error: err.Error()}
		c.finish(&hb, start)
		return hb
	}
	hb.Events = len(events)
	hb.Steps["read_queue"] = StepStatus{OK: true, Count: len(events)}

	c.Store.BeginBatch()
	run := func(name string, fn func() (int, error)) {
		select {
		case <-ctx.Done():
			hb.Steps[name] = StepStatus{Error: ctx.Err().Error()}
			hb.Degraded = true
			return
		default:
		}
		count, err := fn()
		if err != nil {
			c.log.Warn("bridge step failed", zap.String("step", name), zap.Error(err))
			hb.Steps[name] = StepStatus{Count: count, Error: err.Error()}
			hb.Degraded = true
			return
		}
		hb.Steps[name] = StepStatus{OK: true, Count: count}
	}

	run("render_context", func() (int, error) { return c.renderContext() })
	run("memory_capture", func() (int, error) { return c.storeCandidates(CaptureMemories(events), tun) })
	run("taste_parse", func() (int, error) { return c.storeCandidates(ParseTaste(events), tun) })
	run("pattern_detection", func() (int, error) { return c.recordPatterns(events) })
	run("validation_loop", func() (int, error) { return c.validateSignals(events) })
	run("prediction_loop", func() (int, error) { return c.storeCandidates(PredictFailures(events), tun) })
	run("content_learner", func() (int, error) { return c.learnContent(ctx, events, tun) })
	run("outcome_reporting", func() (int, error) { return c.reportOutcomes(events) })
	run("chip_processing", func() (int, error) { return c.processChips(events) })
	run("chip_merge", func() (int, error) { return c.mergeChips(tun) })
	run("semantic_sync", func() (int, error) { return c.syncSemantic(ctx) })
	run("mind_sync", func() (int, error) { return c.syncMind(ctx) })

	if err := c.Store.EndBatch(); err != nil {
		c.log.Error("insight store flush failed", zap.Error(err))
		hb.Degraded = true
	}

	if !hb.Degraded {
		if err := c.saveCursor(next); err != nil {
			c.log.Error("cursor save failed", zap.Error(err))
			hb.Degraded = true
		}
	}

	c.finish(&hb, start)
	return hb
}

func (c *Cycle) finish(hb *Heartbeat, start time.Time) {
	hb.DurationMS = time.Since(start).Milliseconds()
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}
	tmp := c.HeartbeatPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Warn("heartbeat write failed", zap.Error(err))
		return
	}
	_ = os.Rename(tmp, c.HeartbeatPath)
}

// =============================================================================
// STEPS
// =============================================================================

func (c *Cycle) renderContext() (int, error) {
	if c.ContextPath == "" {
		return 0, nil
	}
	body := contextfile.Render(c.Store.Snapshot(), c.Distills.Snapshot())
	if err := contextfile.Write(c.ContextPath, body); err != nil {
		return 0, err
	}
	return 1, nil
}

// storeCandidates pushes captured candidates through the write gate.
func (c *Cycle) storeCandidates(candidates []types.Insight, tun *config.Tuneables) (int, error) {
	if !tun.Flow.ValidateAndStoreEnabled {
		return 0, nil
	}
	stored := 0
	var firstErr error
	for i := range candidates {
		res, err := c.Gate.ValidateAndStore(&candidates[i])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if res.Stored {
			stored++
		}
	}
	return stored, firstErr
}

func (c *Cycle) recordPatterns(events []types.Event) (int, error) {
	patterns := DetectPatterns(events)
	for i := range patterns {
		if err := c.Distills.Upsert(&patterns[i]); err != nil {
			return i, err
		}
	}
	return len(patterns), nil
}

// validateSignals checks standing failure-signal insights against what the
// batch actually shows: a clean run of the tool contradicts the signal, a
// fresh failure confirms it.
func (c *Cycle) validateSignals(events []types.Event) (int, error) {
	succeeded := make(map[string]bool)
	failed := make(map[string]bool)
	for i := range events {
		ev := &events[i]
		switch ev.Kind {
		case types.KindPostTool:
			succeeded[ev.ToolName()] = true
		case types.KindPostToolFailure:
			failed[ev.ToolName()] = true
		}
	}
	observed := make(map[string]bool, len(succeeded)+len(failed))
	for tool := range succeeded {
		observed[tool] = true
	}
	for tool := range failed {
		observed[tool] = true
	}
	updated := 0
	for tool := range observed {
		key := fmt.Sprintf("signal:failing:%s", slugify(tool))
		if _, ok := c.Store.Get(key); !ok {
			continue
		}
		// A fresh failure confirms the signal even when the batch also holds
		// a clean run; only an all-clean batch contradicts it.
		positive := failed[tool]
		if _, ok := c.Store.UpdateReliability(key, positive); ok {
			updated++
		}
	}
	return updated, nil
}

func (c *Cycle) learnContent(ctx context.Context, events []types.Event, tun *config.Tuneables) (int, error) {
	if c.Learner == nil {
		return 0, nil
	}
	return c.storeCandidates(c.Learner.Learn(ctx, events), tun)
}

func (c *Cycle) reportOutcomes(events []types.Event) (int, error) {
	if c.Outcome == nil {
		return 0, nil
	}
	for i := range events {
		c.Outcome.HandleEvent(&events[i])
	}
	return len(events), nil
}

func (c *Cycle) processChips(events []types.Event) (int, error) {
	if c.Chips == nil || config.ChipsDisabled() {
		return 0, nil
	}
	c.Chips.Reload()
	return c.Chips.Process(events), nil
}

func (c *Cycle) mergeChips(tun *config.Tuneables) (int, error) {
	if c.Chips == nil || config.ChipsDisabled() {
		return 0, nil
	}
	return c.Chips.Merge(c.Gate, tun.ChipMerge), nil
}

// syncSemantic upserts recently updated insights into the vector index.
func (c *Cycle) syncSemantic(ctx context.Context) (int, error) {
	if c.Semantic == nil {
		return 0, nil
	}
	synced := 0
	for _, ins := range c.Store.Snapshot() {
		if ins.Quarantined {
			continue
		}
		if err := c.Semantic.Upsert(ctx, ins.Key, ins.Text, string(ins.Category)); err != nil {
			return synced, err
		}
		synced++
		if synced >= 64 {
			break
		}
	}
	return synced, nil
}

// syncMind pushes the most recently updated quality insights to Mind.
func (c *Cycle) syncMind(ctx context.Context) (int, error) {
	if c.Mind == nil || !c.Mind.Enabled() {
		return 0, nil
	}
	snapshot := c.Store.Snapshot()
	batch := make([]types.Insight, 0, 16)
	for _, ins := range snapshot {
		if ins.Quarantined || ins.NeedsRefinement {
			continue
		}
		batch = append(batch, ins)
		if len(batch) == cap(batch) {
			break
		}
	}
	if err := c.Mind.Sync(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// =============================================================================
// CURSOR
// =============================================================================

type cursorDoc struct {
	Offset int64 `json:"offset"`
}

func (c *Cycle) loadCursor() queue.Cursor {
	data, err := os.ReadFile(c.CursorPath)
	if err != nil {
		return 0
	}
	var doc cursorDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Offset < 0 {
		c.log.Warn("corrupt cursor file, restarting from zero")
		return 0
	}
	return queue.Cursor(doc.Offset)
}

func (c *Cycle) saveCursor(cur queue.Cursor) error {
	data, err := json.Marshal(cursorDoc{Offset: int64(cur)})
	if err != nil {
		return err
	}
	tmp := c.CursorPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return os.Rename(tmp, c.CursorPath)
}
