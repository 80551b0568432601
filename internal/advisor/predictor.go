package advisor

import (
	"sync"

	"spark/internal/types"
)

// OutcomePredictor maintains a smoothed failure-probability table keyed by
// (tool, intent family). It is feature-gated by SPARK_OUTCOME_PREDICTOR; when
// off it observes nothing and predicts the neutral prior.
type OutcomePredictor struct {
	mu      sync.Mutex
	enabled bool
	table   map[predictorKey]*predictorCell
}

type predictorKey struct {
	Tool   string
	Intent string
}

type predictorCell struct {
	Attempts int
	Failures int
}

// NewOutcomePredictor creates the table. enabled=false yields a predictor
// that always returns the prior.
func NewOutcomePredictor(enabled bool) *OutcomePredictor {
	return &OutcomePredictor{enabled: enabled, table: make(map[predictorKey]*predictorCell)}
}

// Enabled reports the feature gate.
func (p *OutcomePredictor) Enabled() bool { return p.enabled }

// Observe updates the table from a post-tool event.
func (p *OutcomePredictor) Observe(ev *types.Event) {
	if !p.enabled || ev == nil {
		return
	}
	if ev.Kind != types.KindPostTool && ev.Kind != types.KindPostToolFailure {
		return
	}
	key := predictorKey{Tool: ev.ToolName(), Intent: InferIntentFamily(ev)}
	p.mu.Lock()
	cell, ok := p.table[key]
	if !ok {
		cell = &predictorCell{}
		p.table[key] = cell
	}
	cell.Attempts++
	if ev.Kind == types.KindPostToolFailure {
		cell.Failures++
	}
	p.mu.Unlock()
}

// FailureProbability returns the Laplace-smoothed failure rate for the
// (tool, intent) bucket. The prior is 0.5 with one virtual observation each
// way, so sparse buckets stay near neutral.
func (p *OutcomePredictor) FailureProbability(tool, intent string) float64 {
	if !p.enabled {
		return 0.5
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cell, ok := p.table[predictorKey{Tool: tool, Intent: intent}]
	if !ok {
		return 0.5
	}
	return float64(cell.Failures+1) / float64(cell.Attempts+2)
}

// AuthorityBump returns the additive score bump for a bucket whose predicted
// failure probability is high enough to warrant louder advice. Buckets below
// the risk line contribute nothing.
func (p *OutcomePredictor) AuthorityBump(tool, intent string, bump float64) float64 {
	const riskLine = 0.65
	if p.FailureProbability(tool, intent) >= riskLine {
		return bump
	}
	return 0
}
