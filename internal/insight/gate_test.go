package insight

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"spark/internal/types"
)

func newTestGate(t *testing.T, scorer Scorer) (*Gate, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "cognitive_insights.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	gate := NewGate(store, scorer,
		filepath.Join(dir, "insight_quarantine.jsonl"),
		filepath.Join(dir, "meta_ralph_roasts.jsonl"),
		true)
	return gate, dir
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Text()) > 0 {
			n++
		}
	}
	return n
}

func TestNoiseCandidateIsRoastedNotStored(t *testing.T) {
	gate, dir := newTestGate(t, nil)

	res, err := gate.ValidateAndStore(&types.Insight{
		Key:      "signal:bash_usage",
		Text:     "Heavy Bash usage (42 calls)",
		Category: types.CategorySignal,
	})
	if err != nil {
		t.Fatalf("ValidateAndStore error = %v", err)
	}
	if res.Verdict.Kind != VerdictPrimitive {
		t.Fatalf("verdict = %s, want PRIMITIVE", res.Verdict.Kind)
	}
	if res.Stored {
		t.Fatalf("noise candidate was stored")
	}
	if gate.Store().Len() != 0 {
		t.Fatalf("store mutated by noise candidate: %d entries", gate.Store().Len())
	}
	if n := countLines(t, filepath.Join(dir, "meta_ralph_roasts.jsonl")); n != 1 {
		t.Fatalf("roast rows = %d, want 1", n)
	}
}

type failingScorer struct{}

func (failingScorer) Score(*types.Insight, []types.Insight) (Verdict, error) {
	return Verdict{}, fmt.Errorf("synthetic scorer failure")
}

func TestScorerFailureQuarantinesAndStores(t *testing.T) {
	gate, dir := newTestGate(t, failingScorer{})

	res, err := gate.ValidateAndStore(&types.Insight{
		Key:        "preference:snake_case",
		Text:       "User prefers snake_case in Python because team convention",
		Category:   types.CategoryPreference,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("ValidateAndStore error = %v", err)
	}
	if res.Verdict.Kind != VerdictGateError {
		t.Fatalf("verdict = %s, want GATE_ERROR", res.Verdict.Kind)
	}
	if !res.Stored || !res.Quarantined {
		t.Fatalf("fail-open result = %+v, want stored and quarantined", res)
	}

	ins, ok := gate.Store().Get("preference:snake_case")
	if !ok {
		t.Fatalf("insight not stored on gate failure")
	}
	if !ins.Quarantined {
		t.Fatalf("stored insight not marked quarantined")
	}
	if n := countLines(t, filepath.Join(dir, "insight_quarantine.jsonl")); n != 1 {
		t.Fatalf("quarantine rows = %d, want 1", n)
	}
}

func TestQualityCandidateStoredAndReinforced(t *testing.T) {
	gate, _ := newTestGate(t, nil)

	candidate := &types.Insight{
		Key:        "preference:snake_case",
		Text:       "Prefer snake_case names in Python modules because the team convention enforces it in review",
		Category:   types.CategoryPreference,
		Confidence: 0.8,
		Evidence:   []string{"outcome validated trace:t1"},
	}
	res, err := gate.ValidateAndStore(candidate)
	if err != nil {
		t.Fatalf("ValidateAndStore error = %v", err)
	}
	if res.Verdict.Kind != VerdictQuality {
		t.Fatalf("verdict = %s (scores %+v), want QUALITY", res.Verdict.Kind, res.Verdict.Scores)
	}

	// Same key again: reinforcement, not duplication.
	if _, err := gate.ValidateAndStore(candidate); err != nil {
		t.Fatalf("ValidateAndStore error = %v", err)
	}
	if gate.Store().Len() != 1 {
		t.Fatalf("store len = %d, want 1", gate.Store().Len())
	}
	ins, _ := gate.Store().Get("preference:snake_case")
	if ins.Reinforced != 1 {
		t.Fatalf("reinforced = %d, want 1", ins.Reinforced)
	}
}

func TestLongCandidateTextTruncatedOnRuneBoundary(t *testing.T) {
	gate, _ := newTestGate(t, nil)

	candidate := &types.Insight{
		Key:      "preference:arrows",
		Text:     "Prefer the arrow notation in diagrams " + strings.Repeat("→", 300),
		Category: types.CategoryPreference,
	}
	if _, err := gate.ValidateAndStore(candidate); err != nil {
		t.Fatalf("ValidateAndStore error = %v", err)
	}
	if !utf8.ValidString(candidate.Text) {
		t.Fatalf("truncation split a multibyte character")
	}
	if n := utf8.RuneCountInString(candidate.Text); n != 280 {
		t.Fatalf("truncated length = %d runes, want 280", n)
	}
}

func TestEveryCandidateLandsSomewhere(t *testing.T) {
	// Write-gate totality: every routed candidate is stored, quarantined, or
	// roasted; never silently dropped.
	gate, dir := newTestGate(t, nil)

	texts := []string{
		"Heavy Edit usage (10 calls)",
		"Use go test -race before pushing because the scheduler hides data races locally",
		"ok",
	}
	for i, text := range texts {
		if _, err := gate.ValidateAndStore(&types.Insight{
			Key:  fmt.Sprintf("k%d", i),
			Text: text,
		}); err != nil {
			t.Fatalf("ValidateAndStore(%q) error = %v", text, err)
		}
	}

	stored := gate.Store().Len()
	roasted := countLines(t, filepath.Join(dir, "meta_ralph_roasts.jsonl"))
	quarantined := countLines(t, filepath.Join(dir, "insight_quarantine.jsonl"))
	if stored+roasted+quarantined != len(texts) {
		t.Fatalf("stored=%d roasted=%d quarantined=%d, want total %d",
			stored, roasted, quarantined, len(texts))
	}
}

func TestStoreReliabilityUpdate(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "cognitive_insights.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	store.upsert(&types.Insight{Key: "preference:retry_jitter", Text: "x", Reliability: 0.5})

	rel, ok := store.UpdateReliability("preference:retry_jitter", true)
	if !ok {
		t.Fatalf("UpdateReliability: key not found")
	}
	if rel <= 0.5 || rel > 1.0 {
		t.Fatalf("reliability = %v, want in (0.5, 1.0]", rel)
	}

	rel2, _ := store.UpdateReliability("preference:retry_jitter", false)
	if rel2 >= rel {
		t.Fatalf("reliability after contradiction = %v, want < %v", rel2, rel)
	}
}

func TestBatchPersistsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cognitive_insights.json")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	store.BeginBatch()
	store.upsert(&types.Insight{Key: "a", Text: "alpha"})
	store.upsert(&types.Insight{Key: "b", Text: "beta"})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("store persisted mid-batch")
	}
	if err := store.EndBatch(); err != nil {
		t.Fatalf("EndBatch error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store not persisted after batch: %v", err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("reopened len = %d, want 2", reopened.Len())
	}
}
