package chips

import (
	"os"
	"path/filepath"
	"testing"

	"spark/internal/config"
	"spark/internal/insight"
	"spark/internal/types"
)

const gitChip = `name: git-hygiene
version: 1
description: watches git usage for risky patterns
cognitive_value: 0.8
actionability: 0.7
transferability: 0.7
activation:
  path_contains: ["myrepo"]
triggers:
  - tool: Bash
    pattern: 'git push --force'
    insight:
      key: "signal:force-push"
      text: "force pushes rewrite shared history; prefer --force-with-lease so concurrent work survives"
      category: signal
`

func writeChip(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write chip: %v", err)
	}
}

func newProcessor(t *testing.T) (*Processor, string) {
	t.Helper()
	dir := t.TempDir()
	writeChip(t, dir, "git.yaml", gitChip)
	p, err := NewProcessor(dir, filepath.Join(dir, "chip_insights.json"))
	if err != nil {
		t.Fatalf("NewProcessor error = %v", err)
	}
	return p, dir
}

func bashEvent(command string) types.Event {
	return types.Event{
		Kind: types.KindPreTool,
		Payload: map[string]interface{}{
			"tool_name":  "Bash",
			"cwd":        "/home/dev/myrepo",
			"tool_input": map[string]interface{}{"command": command},
		},
	}
}

func TestProcessorMatchesTrigger(t *testing.T) {
	p, _ := newProcessor(t)
	if p.Len() != 1 {
		t.Fatalf("chips loaded = %d, want 1", p.Len())
	}

	produced := p.Process([]types.Event{
		bashEvent("git push --force origin main"),
		bashEvent("git status"),
	})
	if produced != 1 {
		t.Fatalf("produced = %d, want 1", produced)
	}

	insights := p.ActiveInsights("/home/dev/myrepo/sub")
	if len(insights) != 1 || insights[0].Key != "signal:force-push" {
		t.Fatalf("active insights = %+v", insights)
	}
	if insights[0].SourceChip != "git-hygiene" {
		t.Fatalf("source chip = %q", insights[0].SourceChip)
	}
}

func TestActiveInsightsRespectsActivationPath(t *testing.T) {
	p, _ := newProcessor(t)
	p.Process([]types.Event{bashEvent("git push --force origin main")})

	if got := p.ActiveInsights("/home/dev/otherproject"); len(got) != 0 {
		t.Fatalf("chip active outside its path: %+v", got)
	}
}

func TestProcessSkipsEventsOutsideActivationPath(t *testing.T) {
	p, _ := newProcessor(t)

	ev := bashEvent("git push --force origin main")
	ev.Payload["cwd"] = "/home/dev/otherproject"
	if produced := p.Process([]types.Event{ev}); produced != 0 {
		t.Fatalf("produced = %d from an event outside the chip's paths", produced)
	}
}

func TestProcessCapsInsightsPerBatch(t *testing.T) {
	p, _ := newProcessor(t)

	events := make([]types.Event, processInsightCap+10)
	for i := range events {
		events[i] = bashEvent("git push --force origin main")
	}
	if produced := p.Process(events); produced != processInsightCap {
		t.Fatalf("produced = %d, want the per-batch cap %d", produced, processInsightCap)
	}
}

func TestInvalidChipIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeChip(t, dir, "good.yaml", gitChip)
	writeChip(t, dir, "bad.yaml", "name: broken\ntriggers:\n  - pattern: '['\n")
	p, err := NewProcessor(dir, filepath.Join(dir, "chip_insights.json"))
	if err != nil {
		t.Fatalf("NewProcessor error = %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("chips loaded = %d, want the valid one only", p.Len())
	}
}

type mergeScorer struct{}

func (mergeScorer) Score(c *types.Insight, _ []types.Insight) (insight.Verdict, error) {
	return insight.Verdict{
		Kind: insight.VerdictQuality,
		Scores: types.QualityScores{
			Actionability: 2, Novelty: 1, Reasoning: 2, Specificity: 2, OutcomeLinked: 1,
		},
		Total: 8,
	}, nil
}

func TestMergePromotesOnlyAboveThresholds(t *testing.T) {
	p, _ := newProcessor(t)
	p.Process([]types.Event{bashEvent("git push --force origin main")})

	global, err := insight.OpenStore(filepath.Join(t.TempDir(), "insights.json"))
	if err != nil {
		t.Fatalf("OpenStore error = %v", err)
	}
	gate := insight.NewGate(global, mergeScorer{}, "", "", true)

	tun := config.DefaultTuneables().ChipMerge
	if promoted := p.Merge(gate, tun); promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}
	if _, ok := global.Get("signal:force-push"); !ok {
		t.Fatalf("promoted insight missing from global store")
	}

	// Raising the floor above the chip's hints blocks promotion.
	strict := tun
	strict.MinCognitiveValue = 0.95
	empty, err := insight.OpenStore(filepath.Join(t.TempDir(), "insights2.json"))
	if err != nil {
		t.Fatalf("OpenStore error = %v", err)
	}
	if promoted := p.Merge(insight.NewGate(empty, mergeScorer{}, "", "", true), strict); promoted != 0 {
		t.Fatalf("promotion ignored cognitive-value floor")
	}
}
