package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spark/internal/config"
	"spark/internal/insight"
	"spark/internal/types"
)

func seedStore(t *testing.T, texts map[string]string) *insight.Store {
	t.Helper()
	store, err := insight.OpenStore(filepath.Join(t.TempDir(), "insights.json"))
	if err != nil {
		t.Fatalf("OpenStore error = %v", err)
	}
	gate := insight.NewGate(store, passScorer{}, "", "", true)
	for key, text := range texts {
		if _, err := gate.ValidateAndStore(&types.Insight{
			Key:        key,
			Text:       text,
			Category:   types.CategoryPreference,
			Confidence: 0.8,
		}); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	return store
}

// passScorer accepts everything so tests control store contents directly.
type passScorer struct{}

func (passScorer) Score(c *types.Insight, _ []types.Insight) (insight.Verdict, error) {
	return insight.Verdict{
		Kind: insight.VerdictQuality,
		Scores: types.QualityScores{
			Actionability: 1, Novelty: 1, Reasoning: 1, Specificity: 1, OutcomeLinked: 1,
		},
		Total: 5,
	}, nil
}

func TestLexicalSearchRanksByRelevance(t *testing.T) {
	insights := []types.Insight{
		{Key: "a", Text: "quote shell variables in Bash scripts to avoid word splitting"},
		{Key: "b", Text: "prefer table-driven tests in Go packages"},
		{Key: "c", Text: "Bash pipefail catches errors in pipelines"},
	}
	hits := LexicalSearch(insights, Tokenize("Bash shell command quoting"), 10)
	if len(hits) == 0 {
		t.Fatalf("no lexical hits")
	}
	if hits[0].Insight.Key != "a" {
		t.Fatalf("top hit = %s, want a", hits[0].Insight.Key)
	}
	for _, hit := range hits {
		if hit.Insight.Key == "b" {
			t.Fatalf("unrelated insight ranked")
		}
	}
}

func TestRetrieveDegradesWithoutSemanticIndex(t *testing.T) {
	store := seedStore(t, map[string]string{
		"preference:quoting": "quote shell variables in Bash scripts because unquoted expansion splits words",
	})
	r := New(store, nil, nil, nil, nil, nil)
	tun := config.DefaultTuneables()

	got := r.Retrieve(context.Background(), Query{
		Tool:      "Bash",
		ToolInput: "shell variables quoting",
		Phase:     types.PhaseImplementation,
	}, tun)
	if len(got) == 0 {
		t.Fatalf("lexical-only retrieval returned nothing")
	}
	if got[0].Source != types.SourceCognitive {
		t.Fatalf("source = %s, want cognitive", got[0].Source)
	}
	if got[0].Rationale == "" {
		t.Fatalf("candidate missing rationale")
	}
}

func TestRetrieveEmptyStoreReturnsNothing(t *testing.T) {
	store := seedStore(t, nil)
	r := New(store, nil, nil, nil, nil, nil)
	got := r.Retrieve(context.Background(), Query{Tool: "Bash", ToolInput: "rm -rf"}, config.DefaultTuneables())
	if len(got) != 0 {
		t.Fatalf("empty store produced %d candidates", len(got))
	}
}

func TestStrictModeDropsUnreliable(t *testing.T) {
	store := seedStore(t, map[string]string{
		"signal:flaky": "Bash deploy script fails under load because the registry times out",
	})
	// Push reliability below the floor.
	for i := 0; i < 8; i++ {
		store.UpdateReliability("signal:flaky", false)
	}

	r := New(store, nil, nil, nil, nil, nil)
	tun := config.DefaultTuneables()
	strict := r.Retrieve(context.Background(), Query{
		Tool: "Bash", ToolInput: "deploy script registry", Strict: true,
	}, tun)
	if len(strict) != 0 {
		t.Fatalf("strict mode kept unreliable candidate (reliability floor %v)", tun.Retrieval.Overrides.ReliabilityFloor)
	}

	loose := r.Retrieve(context.Background(), Query{
		Tool: "Bash", ToolInput: "deploy script registry",
	}, tun)
	if len(loose) == 0 {
		t.Fatalf("non-strict mode dropped candidate")
	}
}

func TestSourceBoostIsClamped(t *testing.T) {
	store := seedStore(t, map[string]string{
		"preference:quoting": "quote shell variables in Bash scripts because unquoted expansion splits words",
	})
	runaway := func(types.AdviceSource) float64 { return 50.0 }
	clamped := New(store, nil, nil, nil, nil, runaway)
	neutral := New(store, nil, nil, nil, nil, nil)
	q := Query{Tool: "Bash", ToolInput: "shell variables quoting"}
	tun := config.DefaultTuneables()

	a := clamped.Retrieve(context.Background(), q, tun)
	b := neutral.Retrieve(context.Background(), q, tun)
	if len(a) == 0 || len(b) == 0 {
		t.Fatalf("retrieval returned nothing")
	}
	if a[0].Score > b[0].Score*config.SourceBoostMax+1e-9 {
		t.Fatalf("boost not clamped: %v vs %v", a[0].Score, b[0].Score)
	}
}

func TestDomainProfileOverridesLimit(t *testing.T) {
	texts := map[string]string{}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		texts["preference:"+k] = "quote shell variables in Bash " + k + " scripts because expansion splits words"
	}
	store := seedStore(t, texts)
	r := New(store, nil, nil, nil, nil, nil)

	tun := config.DefaultTuneables()
	tun.Retrieval.DomainProfiles = map[string]config.RetrievalOverrides{
		"shell": {Limit: 2},
	}
	got := r.Retrieve(context.Background(), Query{
		Tool: "Bash", ToolInput: "quote shell variables scripts", Domain: "shell",
	}, tun)
	if len(got) > 2 {
		t.Fatalf("domain profile limit ignored: %d candidates", len(got))
	}
}

func TestBaselineTable(t *testing.T) {
	c, ok := Baseline("Bash", types.PhaseDeployment)
	if !ok {
		t.Fatalf("no baseline for Bash/deployment")
	}
	if c.Source != types.SourceBaseline || c.Text == "" {
		t.Fatalf("baseline candidate malformed: %+v", c)
	}
	if _, ok := Baseline("Glob", types.PhaseExploration); ok {
		t.Fatalf("unexpected baseline for Glob/exploration")
	}
}

func TestDistillationCandidates(t *testing.T) {
	store := seedStore(t, nil)
	dist, err := insight.OpenDistillations(filepath.Join(t.TempDir(), "distillations.json"))
	if err != nil {
		t.Fatalf("OpenDistillations error = %v", err)
	}
	if err := dist.Upsert(&types.Distillation{
		ID:        "heur-1",
		Type:      types.DistillHeuristic,
		Statement: "run migrations inside a transaction before deploying schema changes",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Upsert error = %v", err)
	}

	r := New(store, dist, nil, nil, nil, nil)
	got := r.Retrieve(context.Background(), Query{
		Tool: "Bash", ToolInput: "deploy schema migrations transaction",
	}, config.DefaultTuneables())
	found := false
	for _, c := range got {
		if c.Source == types.SourceEidos {
			found = true
		}
	}
	if !found {
		t.Fatalf("distillation candidate missing from %+v", got)
	}
}
