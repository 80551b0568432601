package bridge

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"spark/internal/config"
	"spark/internal/insight"
	"spark/internal/queue"
	"spark/internal/types"
)

type acceptScorer struct{}

func (acceptScorer) Score(c *types.Insight, _ []types.Insight) (insight.Verdict, error) {
	return insight.Verdict{
		Kind: insight.VerdictQuality,
		Scores: types.QualityScores{
			Actionability: 2, Novelty: 1, Reasoning: 2, Specificity: 1, OutcomeLinked: 1,
		},
		Total: 7,
	}, nil
}

type cycleFixture struct {
	cycle *Cycle
	queue *queue.Queue
	store *insight.Store
	paths *config.Paths
}

func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()
	paths, err := config.NewPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewPaths error = %v", err)
	}
	q, err := queue.Open(paths.EventQueue())
	if err != nil {
		t.Fatalf("queue.Open error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	store, err := insight.OpenStore(paths.InsightStore())
	if err != nil {
		t.Fatalf("OpenStore error = %v", err)
	}
	distills, err := insight.OpenDistillations(paths.Distillations())
	if err != nil {
		t.Fatalf("OpenDistillations error = %v", err)
	}
	holder, err := config.NewTuneablesHolder(paths.Tuneables())
	if err != nil {
		t.Fatalf("NewTuneablesHolder error = %v", err)
	}
	cycle := NewCycle(Cycle{
		Queue:         q,
		CursorPath:    paths.QueueCursor(),
		Store:         store,
		Gate:          insight.NewGate(store, acceptScorer{}, paths.InsightQuarantine(), paths.RoastHistory(), true),
		Distills:      distills,
		Holder:        holder,
		HeartbeatPath: paths.BridgeHeartbeat(),
	})
	return &cycleFixture{cycle: cycle, queue: q, store: store, paths: paths}
}

func (f *cycleFixture) append(t *testing.T, ev types.Event) {
	t.Helper()
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	if ev.SessionID == "" {
		ev.SessionID = "s1"
	}
	if err := f.queue.Append(&ev); err != nil {
		t.Fatalf("Append error = %v", err)
	}
}

func prompt(text string) types.Event {
	return types.Event{
		V: 1, Kind: types.KindUserPrompt, Source: "test",
		Payload: map[string]interface{}{"text": text},
	}
}

func toolUse(tool string, failed bool) types.Event {
	kind := types.KindPostTool
	if failed {
		kind = types.KindPostToolFailure
	}
	return types.Event{
		V: 1, Kind: kind, Source: "test",
		Payload: map[string]interface{}{
			"tool_name":  tool,
			"tool_input": map[string]interface{}{"command": "make build"},
		},
	}
}

func TestCycleCapturesMarkedMemory(t *testing.T) {
	f := newCycleFixture(t)
	f.append(t, prompt("REMEMBER: always run gofmt before committing because CI rejects unformatted files"))
	if err := f.queue.SyncNow(); err != nil {
		t.Fatalf("SyncNow error = %v", err)
	}

	hb := f.cycle.Run(context.Background())
	if hb.Degraded {
		t.Fatalf("cycle degraded: %+v", hb.Steps)
	}
	if hb.Events != 1 {
		t.Fatalf("events = %d, want 1", hb.Events)
	}
	if f.store.Len() != 1 {
		t.Fatalf("store len = %d, want 1", f.store.Len())
	}

	// Cursor advanced: a second run sees nothing new.
	hb2 := f.cycle.Run(context.Background())
	if hb2.Events != 0 {
		t.Fatalf("second cycle reprocessed %d events", hb2.Events)
	}
}

func TestCycleWritesHeartbeatEvenWhenDegraded(t *testing.T) {
	f := newCycleFixture(t)
	// A context file with half a marker pair makes render_context fail.
	f.cycle.ContextPath = f.paths.StateDir + "/CONTEXT.md"
	if err := os.WriteFile(f.cycle.ContextPath, []byte("<!-- SPARK:BEGIN -->\norphan\n"), 0o644); err != nil {
		t.Fatalf("seed context file: %v", err)
	}
	f.append(t, prompt("PREFERENCE: use table-driven tests because cases stay readable"))
	_ = f.queue.SyncNow()

	hb := f.cycle.Run(context.Background())
	if !hb.Degraded {
		t.Fatalf("cycle not degraded despite failing step")
	}
	if hb.Steps["render_context"].OK {
		t.Fatalf("render_context reported ok")
	}

	data, err := os.ReadFile(f.paths.BridgeHeartbeat())
	if err != nil {
		t.Fatalf("heartbeat missing: %v", err)
	}
	var onDisk Heartbeat
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("heartbeat unparseable: %v", err)
	}
	if !onDisk.Degraded {
		t.Fatalf("persisted heartbeat not marked degraded")
	}

	// Degraded cycle must not advance the cursor (the batch is retried).
	if _, err := os.Stat(f.paths.QueueCursor()); !os.IsNotExist(err) {
		t.Fatalf("cursor advanced on degraded cycle")
	}
}

func TestCyclePredictsRepeatedFailures(t *testing.T) {
	f := newCycleFixture(t)
	for i := 0; i < 4; i++ {
		f.append(t, toolUse("Bash", true))
	}
	_ = f.queue.SyncNow()

	hb := f.cycle.Run(context.Background())
	if hb.Degraded {
		t.Fatalf("cycle degraded: %+v", hb.Steps)
	}
	if _, ok := f.store.Get("signal:failing:bash"); !ok {
		t.Fatalf("failure signal not stored")
	}
}

func TestValidationConfirmsSignalOnFailureOnlyBatch(t *testing.T) {
	f := newCycleFixture(t)
	if _, err := f.cycle.Gate.ValidateAndStore(&types.Insight{
		Key:        "signal:failing:bash",
		Text:       "Bash invocations of make build have been failing repeatedly",
		Category:   types.CategorySignal,
		Confidence: 0.7,
	}); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	before, ok := f.store.Get("signal:failing:bash")
	if !ok {
		t.Fatalf("seed signal missing")
	}

	// A batch holding only failures must confirm the standing signal.
	f.append(t, toolUse("Bash", true))
	_ = f.queue.SyncNow()
	hb := f.cycle.Run(context.Background())
	if hb.Degraded {
		t.Fatalf("cycle degraded: %+v", hb.Steps)
	}
	after, _ := f.store.Get("signal:failing:bash")
	if after.Validations != before.Validations+1 {
		t.Fatalf("validations = %d, want %d", after.Validations, before.Validations+1)
	}
	if after.Reliability <= before.Reliability {
		t.Fatalf("reliability did not rise: %v -> %v", before.Reliability, after.Reliability)
	}

	// A failure alongside a clean run still confirms; only an all-clean
	// batch contradicts.
	f.append(t, toolUse("Bash", false))
	f.append(t, toolUse("Bash", true))
	_ = f.queue.SyncNow()
	f.cycle.Run(context.Background())
	mixed, _ := f.store.Get("signal:failing:bash")
	if mixed.Validations != after.Validations+1 {
		t.Fatalf("mixed batch validations = %d, want %d", mixed.Validations, after.Validations+1)
	}
}

func TestWorkerStopsCleanly(t *testing.T) {
	// opencensus starts a background worker in package init (via transitive
	// dependencies); it is not spawned by the code under test.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	f := newCycleFixture(t)
	w := NewWorker(f.cycle, 0)
	if w.interval != DefaultInterval {
		t.Fatalf("interval = %v, want default", w.interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Trigger()
	w.Trigger() // coalesces with the pending trigger

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestIntervalClamping(t *testing.T) {
	if w := NewWorker(nil, time.Second); w.interval != minInterval {
		t.Fatalf("short interval not clamped: %v", w.interval)
	}
	if w := NewWorker(nil, time.Hour); w.interval != maxInterval {
		t.Fatalf("long interval not clamped: %v", w.interval)
	}
}

func TestCaptureMemoriesMarkers(t *testing.T) {
	events := []types.Event{
		prompt("DECISION: store state as JSON documents because sqlite is out of scope"),
		prompt("no markers here"),
	}
	got := CaptureMemories(events)
	if len(got) != 1 {
		t.Fatalf("captured = %d, want 1: %+v", len(got), got)
	}
	if got[0].Category != types.CategoryDecision {
		t.Fatalf("category = %s, want decision", got[0].Category)
	}
}

func TestParseTaste(t *testing.T) {
	got := ParseTaste([]types.Event{prompt("I prefer small focused commits over big batches")})
	if len(got) != 1 || got[0].Category != types.CategoryPreference {
		t.Fatalf("taste parse = %+v", got)
	}
}

func TestDetectPatterns(t *testing.T) {
	var events []types.Event
	for i := 0; i < 3; i++ {
		events = append(events, toolUse("Edit", false), toolUse("Bash", false))
	}
	got := DetectPatterns(events)
	found := false
	for _, d := range got {
		if d.Type == types.DistillHeuristic {
			found = true
		}
	}
	if !found {
		t.Fatalf("repeated Edit>Bash sequence not detected: %+v", got)
	}
}
