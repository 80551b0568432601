package outcome

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spark/internal/advisor"
	"spark/internal/config"
	"spark/internal/insight"
	"spark/internal/types"
)

type acceptScorer struct{}

func (acceptScorer) Score(c *types.Insight, _ []types.Insight) (insight.Verdict, error) {
	return insight.Verdict{
		Kind: insight.VerdictQuality,
		Scores: types.QualityScores{
			Actionability: 1, Novelty: 1, Reasoning: 1, Specificity: 1, OutcomeLinked: 1,
		},
		Total: 5,
	}, nil
}

type fixture struct {
	loop  *Loop
	store *insight.Store
	eff   *advisor.Effectiveness
	links string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := insight.OpenStore(filepath.Join(dir, "insights.json"))
	if err != nil {
		t.Fatalf("OpenStore error = %v", err)
	}
	gate := insight.NewGate(store, acceptScorer{}, "", "", true)
	if _, err := gate.ValidateAndStore(&types.Insight{
		Key:        "preference:quoting",
		Text:       "quote shell variables in Bash scripts because unquoted expansion splits words",
		Category:   types.CategoryPreference,
		Confidence: 0.8,
	}); err != nil {
		t.Fatalf("seed insight: %v", err)
	}
	distills, err := insight.OpenDistillations(filepath.Join(dir, "distillations.json"))
	if err != nil {
		t.Fatalf("OpenDistillations error = %v", err)
	}
	eff, err := advisor.OpenEffectiveness(filepath.Join(dir, "effectiveness.json"))
	if err != nil {
		t.Fatalf("OpenEffectiveness error = %v", err)
	}
	links := filepath.Join(dir, "outcome_links.jsonl")
	recent := filepath.Join(dir, "recent_advice.jsonl")
	return &fixture{
		loop:  NewLoop(store, distills, eff, links, recent),
		store: store,
		eff:   eff,
		links: links,
	}
}

func (f *fixture) recordAdvice(t *testing.T, session string, ts time.Time, item types.AdviceItem) {
	t.Helper()
	row := advisor.RecentAdviceRow{TS: ts, SessionID: session, Phase: types.PhaseImplementation, Item: item}
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal row: %v", err)
	}
	fh, err := os.OpenFile(f.loop.recentAdvicePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open recent advice: %v", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(data, '\n')); err != nil {
		t.Fatalf("write row: %v", err)
	}
}

func TestDetectPhraseTable(t *testing.T) {
	cases := []struct {
		text string
		kind types.OutcomeKind
		ok   bool
	}{
		{"that worked, thanks", types.OutcomeSuccess, true},
		{"hmm, still failing on the same test", types.OutcomeFailure, true},
		{"please refactor the parser", "", false},
	}
	for _, tc := range cases {
		sig, ok := Detect(&types.Event{
			Kind:    types.KindUserPrompt,
			Payload: map[string]interface{}{"text": tc.text},
		})
		if ok != tc.ok {
			t.Fatalf("Detect(%q) ok = %v, want %v", tc.text, ok, tc.ok)
		}
		if ok && sig.Kind != tc.kind {
			t.Fatalf("Detect(%q) kind = %s, want %s", tc.text, sig.Kind, tc.kind)
		}
	}
}

func TestDetectToolFailure(t *testing.T) {
	sig, ok := Detect(&types.Event{
		Kind: types.KindPostToolFailure,
		Payload: map[string]interface{}{
			"tool_name":  "Bash",
			"tool_input": map[string]interface{}{"command": "go build ./..."},
		},
	})
	if !ok || sig.Kind != types.OutcomeFailure {
		t.Fatalf("tool failure not detected: %+v ok=%v", sig, ok)
	}
	if sig.Tool != "Bash" {
		t.Fatalf("tool = %q, want Bash", sig.Tool)
	}
}

func TestDetectToolSuccess(t *testing.T) {
	sig, ok := Detect(&types.Event{
		Kind: types.KindPostTool,
		Payload: map[string]interface{}{
			"tool_name":  "Bash",
			"tool_input": map[string]interface{}{"command": "go build ./..."},
		},
	})
	if !ok || sig.Kind != types.OutcomeSuccess {
		t.Fatalf("clean tool result not detected: %+v ok=%v", sig, ok)
	}
	if sig.Tool != "Bash" {
		t.Fatalf("tool = %q, want Bash", sig.Tool)
	}
	if sig.Confidence >= 0.8 {
		t.Fatalf("confidence = %v, a clean completion is a weak signal", sig.Confidence)
	}
}

func TestToolSuccessLinksAndRaisesReliability(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.recordAdvice(t, "s1", now.Add(-2*time.Minute), types.AdviceItem{
		ID:         "adv-1",
		Text:       "Note: quote shell variables in Bash scripts",
		Source:     types.SourceCognitive,
		Tool:       "Bash",
		TraceID:    "trace-1",
		InsightKey: "preference:quoting",
	})
	before, _ := f.store.Get("preference:quoting")

	// The tool completing cleanly is itself the positive signal; no user
	// phrase needed.
	f.loop.HandleEvent(&types.Event{
		Kind:      types.KindPostTool,
		TS:        now,
		SessionID: "s1",
		Payload: map[string]interface{}{
			"tool_name":  "Bash",
			"tool_input": map[string]interface{}{"command": `grep "$pattern" file.txt`},
		},
	})

	links, err := ReadLinks(f.links)
	if err != nil {
		t.Fatalf("ReadLinks error = %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].Kind != types.OutcomeSuccess || links[0].AdviceID != "adv-1" {
		t.Fatalf("link malformed: %+v", links[0])
	}
	if links[0].ContextMatch != 1.0 {
		t.Fatalf("context match = %v, want 1.0 for the same tool", links[0].ContextMatch)
	}

	after, _ := f.store.Get("preference:quoting")
	if after.Reliability <= before.Reliability {
		t.Fatalf("reliability did not rise: %v -> %v", before.Reliability, after.Reliability)
	}
	rec := f.eff.Record("adv-1")
	if rec.Followed != 1 || rec.Helpful != 1 {
		t.Fatalf("effectiveness = %+v, want followed and helpful counted", rec)
	}
}

func TestSuccessSignalLinksAndRaisesReliability(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.recordAdvice(t, "s1", now.Add(-2*time.Minute), types.AdviceItem{
		ID:         "adv-1",
		Text:       "Note: quote shell variables in Bash scripts",
		Source:     types.SourceCognitive,
		Tool:       "Bash",
		TraceID:    "trace-1",
		InsightKey: "preference:quoting",
	})

	before, ok := f.store.Get("preference:quoting")
	if !ok {
		t.Fatalf("seed insight missing")
	}

	f.loop.HandleEvent(&types.Event{
		Kind:      types.KindUserPrompt,
		TS:        now,
		SessionID: "s1",
		Payload:   map[string]interface{}{"text": "that worked, the quoting fixed the script"},
	})

	links, err := ReadLinks(f.links)
	if err != nil {
		t.Fatalf("ReadLinks error = %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	link := links[0]
	if link.Kind != types.OutcomeSuccess || link.AdviceID != "adv-1" || link.InsightKey != "preference:quoting" {
		t.Fatalf("link malformed: %+v", link)
	}
	if link.Confidence <= 0 || link.Recency <= 0 {
		t.Fatalf("link missing confidence components: %+v", link)
	}

	after, _ := f.store.Get("preference:quoting")
	if after.Reliability <= before.Reliability {
		t.Fatalf("reliability did not rise: %v -> %v", before.Reliability, after.Reliability)
	}
}

func TestSignalOutsideWindowIsIgnored(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.recordAdvice(t, "s1", now.Add(-45*time.Minute), types.AdviceItem{
		ID: "adv-old", Text: "Note: old advice", Source: types.SourceCognitive, Tool: "Bash",
	})
	f.loop.HandleEvent(&types.Event{
		Kind:      types.KindUserPrompt,
		TS:        now,
		SessionID: "s1",
		Payload:   map[string]interface{}{"text": "that worked"},
	})
	links, _ := ReadLinks(f.links)
	if len(links) != 0 {
		t.Fatalf("stale advice linked: %+v", links)
	}
}

func TestRepeatedFailuresClampBoostAtFloor(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	for i := 0; i < 6; i++ {
		id := "adv-" + string(rune('a'+i))
		f.eff.RecordGiven(id, types.SourceBaseline)
		f.recordAdvice(t, "s1", now.Add(-time.Minute), types.AdviceItem{
			ID: id, Text: "Note: review the command for destructive flags", Source: types.SourceBaseline, Tool: "Bash",
		})
		f.loop.HandleEvent(&types.Event{
			Kind:      types.KindPostToolFailure,
			TS:        now,
			SessionID: "s1",
			Payload: map[string]interface{}{
				"tool_name":  "Bash",
				"tool_input": map[string]interface{}{"command": "rm -rf build"},
			},
		})
	}

	boost := f.eff.BoostFor(types.SourceBaseline)
	if boost != config.SourceBoostMin {
		t.Fatalf("boost = %v, want clamped floor %v", boost, config.SourceBoostMin)
	}
}
