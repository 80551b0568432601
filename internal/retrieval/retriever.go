package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"spark/internal/config"
	"spark/internal/insight"
	"spark/internal/logging"
	"spark/internal/types"
)

// Query describes one retrieval request from the advisory engine.
type Query struct {
	Tool       string
	ToolInput  string
	RecentText string
	Phase      types.Phase
	Cwd        string
	Domain     string
	Strict     bool
}

// Text joins the query parts into one searchable string.
func (q Query) Text() string {
	parts := make([]string, 0, 3)
	if q.Tool != "" {
		parts = append(parts, q.Tool)
	}
	if q.ToolInput != "" {
		parts = append(parts, q.ToolInput)
	}
	if q.RecentText != "" {
		parts = append(parts, q.RecentText)
	}
	return strings.Join(parts, " ")
}

// MindSource is the narrow view of the optional external Mind service.
type MindSource interface {
	Query(ctx context.Context, text string, k int) []types.Candidate
}

// ChipSource supplies chip-scoped insights for chips active in the query's
// working directory.
type ChipSource interface {
	ActiveInsights(cwd string) []types.Insight
}

// BoostFunc returns the clamped auto-tuner multiplier for a source.
type BoostFunc func(types.AdviceSource) float64

// Retriever fuses lexical, semantic, chip, distillation, and Mind candidates
// into one ranked list.
type Retriever struct {
	store    *insight.Store
	distills *insight.Distillations
	semantic *SemanticIndex
	mind     MindSource
	chips    ChipSource
	boost    BoostFunc
	log      *zap.Logger
}

// New creates a retriever. semantic, mind, and chips may be nil; each nil
// source simply contributes nothing.
func New(store *insight.Store, distills *insight.Distillations, semantic *SemanticIndex, mind MindSource, chips ChipSource, boost BoostFunc) *Retriever {
	if boost == nil {
		boost = func(types.AdviceSource) float64 { return 1.0 }
	}
	return &Retriever{
		store:    store,
		distills: distills,
		semantic: semantic,
		mind:     mind,
		chips:    chips,
		boost:    boost,
		log:      logging.Named("retrieval"),
	}
}

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60.0

// Retrieve runs the full pipeline and returns the top-k fused candidates
// with score, source, and a short "why" string.
func (r *Retriever) Retrieve(ctx context.Context, q Query, tun *config.Tuneables) []types.Candidate {
	ov := r.resolveOverrides(q, tun)
	queryTokens := Tokenize(q.Text())
	if len(queryTokens) == 0 {
		return nil
	}

	snapshot := r.store.Snapshot()

	// 1. Lexical candidate set.
	lexical := LexicalSearch(snapshot, queryTokens, ov.Limit*3)

	// 2. Semantic candidate set, when the index is enabled and non-empty.
	var semantic []SemanticMatch
	if tun.Semantic.Enabled && r.semantic != nil {
		matches, err := r.semantic.Query(ctx, q.Text(), ov.Limit*3,
			tun.Semantic.MinSimilarity, tun.Semantic.ExcludeCategories)
		if err != nil {
			r.log.Warn("semantic query failed, degrading to lexical", zap.Error(err))
		} else {
			semantic = matches
		}
	}

	// 3. Fusion: RRF of the two ranked lists plus additive signals.
	byKey := make(map[string]*fusedCandidate)
	insightByKey := make(map[string]types.Insight, len(snapshot))
	for _, ins := range snapshot {
		insightByKey[ins.Key] = ins
	}

	for rank, hit := range lexical {
		fc := getFused(byKey, hit.Insight.Key, hit.Insight.Text, types.SourceCognitive)
		fc.score += ov.LexicalWeight / (rrfK + float64(rank+1))
		fc.matched = append(fc.matched, hit.Matched...)
		fc.lists++
	}
	for rank, m := range semantic {
		source := types.SourceSemantic
		if _, ok := insightByKey[m.Key]; ok {
			source = types.SourceCognitive
		}
		fc := getFused(byKey, m.Key, m.Text, source)
		fc.score += ov.SemanticWeight / (rrfK + float64(rank+1))
		fc.similarity = m.Similarity
		fc.lists++
	}

	queryTokenSet := make(map[string]bool, len(queryTokens))
	for _, tok := range queryTokens {
		queryTokenSet[tok] = true
	}

	candidates := make([]types.Candidate, 0, len(byKey))
	for key, fc := range byKey {
		ins, isInsight := insightByKey[key]

		// Intent coverage: fraction of query intent tokens present.
		coverage := tokenCoverage(queryTokenSet, fc.text)
		fc.score += 0.1 * coverage

		// Support boost: candidate surfaced by both retrieval lists.
		if fc.lists > 1 {
			fc.score += 0.05
		}

		reliability := 0.5
		if isInsight {
			reliability = ins.Reliability
			fc.score += 0.1 * reliability
			if ins.NeedsRefinement || ins.Quarantined {
				fc.score *= 0.6
			}
		}

		fc.score *= config.ClampSourceBoost(r.boost(fc.source))

		// 4. Strict filter.
		if fc.score < ov.MinFusedScore {
			continue
		}
		if insight.IsNoise(fc.text) {
			continue
		}
		if q.Strict && isInsight && reliability < ov.ReliabilityFloor {
			continue
		}

		candidates = append(candidates, types.Candidate{
			Source:    fc.source,
			Key:       key,
			Text:      fc.text,
			Score:     fc.score,
			Rationale: fc.why(coverage),
		})
	}

	// Distillations: lexically matched against the query.
	candidates = append(candidates, r.distillCandidates(queryTokens, ov)...)

	// Chip-scoped insights for chips active in this project.
	if r.chips != nil && !config.ChipsDisabled() {
		candidates = append(candidates, r.chipCandidates(queryTokens, q.Cwd, tun)...)
	}

	// Mind (optional external), top-k by server-side ranking.
	if r.mind != nil {
		candidates = append(candidates, r.mind.Query(ctx, q.Text(), 3)...)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > ov.Limit {
		candidates = candidates[:ov.Limit]
	}
	return candidates
}

// resolveOverrides applies the domain profile when the query's inferred
// domain matches a configured one.
func (r *Retriever) resolveOverrides(q Query, tun *config.Tuneables) config.RetrievalOverrides {
	ov := tun.Retrieval.Overrides
	if ov.Limit <= 0 {
		ov.Limit = 8
	}
	if ov.LexicalWeight == 0 {
		ov.LexicalWeight = 1.0
	}
	if ov.SemanticWeight == 0 {
		ov.SemanticWeight = 1.0
	}
	if !tun.Retrieval.DomainProfileEnabled || q.Domain == "" {
		return ov
	}
	profile, ok := tun.Retrieval.DomainProfiles[q.Domain]
	if !ok {
		return ov
	}
	if profile.Limit > 0 {
		ov.Limit = profile.Limit
	}
	if profile.MinFusedScore > 0 {
		ov.MinFusedScore = profile.MinFusedScore
	}
	if profile.ReliabilityFloor > 0 {
		ov.ReliabilityFloor = profile.ReliabilityFloor
	}
	if profile.LexicalWeight > 0 {
		ov.LexicalWeight = profile.LexicalWeight
	}
	if profile.SemanticWeight > 0 {
		ov.SemanticWeight = profile.SemanticWeight
	}
	return ov
}

func (r *Retriever) distillCandidates(queryTokens []string, ov config.RetrievalOverrides) []types.Candidate {
	if r.distills == nil {
		return nil
	}
	all := r.distills.Snapshot()
	if len(all) == 0 {
		return nil
	}
	docs := make([]types.Insight, len(all))
	for i, d := range all {
		docs[i] = types.Insight{Key: d.ID, Text: d.Statement, Reliability: 0.5}
	}
	queryTokenSet := make(map[string]bool, len(queryTokens))
	for _, tok := range queryTokens {
		queryTokenSet[tok] = true
	}
	hits := LexicalSearch(docs, queryTokens, 3)
	out := make([]types.Candidate, 0, len(hits))
	var ids []string
	for rank, hit := range hits {
		score := 1/(rrfK+float64(rank+1)) + 0.1*tokenCoverage(queryTokenSet, hit.Insight.Text)
		score *= config.ClampSourceBoost(r.boost(types.SourceEidos))
		if score < ov.MinFusedScore {
			continue
		}
		out = append(out, types.Candidate{
			Source:    types.SourceEidos,
			Key:       hit.Insight.Key,
			Text:      hit.Insight.Text,
			Score:     score,
			Rationale: "distilled heuristic",
		})
		ids = append(ids, hit.Insight.Key)
	}
	r.distills.RecordRetrieved(ids...)
	return out
}

func (r *Retriever) chipCandidates(queryTokens []string, cwd string, tun *config.Tuneables) []types.Candidate {
	active := r.chips.ActiveInsights(cwd)
	if len(active) == 0 {
		return nil
	}
	queryTokenSet := make(map[string]bool, len(queryTokens))
	for _, tok := range queryTokens {
		queryTokenSet[tok] = true
	}
	hits := LexicalSearch(active, queryTokens, tun.Advisor.ChipAdviceLimit)
	out := make([]types.Candidate, 0, len(hits))
	for rank, hit := range hits {
		score := (1/(rrfK+float64(rank+1)) + 0.1*tokenCoverage(queryTokenSet, hit.Insight.Text)) *
			config.ClampSourceBoost(r.boost(types.SourceChip)) * tun.Advisor.ChipSourceBoost
		if score < tun.Advisor.ChipAdviceMinScore*0.01 {
			continue
		}
		out = append(out, types.Candidate{
			Source:    types.SourceChip,
			Key:       hit.Insight.Key,
			Text:      hit.Insight.Text,
			Score:     score,
			Rationale: fmt.Sprintf("chip %s", hit.Insight.SourceChip),
		})
	}
	return out
}

// =============================================================================
// FUSION HELPERS
// =============================================================================

type fusedCandidate struct {
	text       string
	source     types.AdviceSource
	score      float64
	similarity float64
	matched    []string
	lists      int
}

func getFused(byKey map[string]*fusedCandidate, key, text string, source types.AdviceSource) *fusedCandidate {
	if fc, ok := byKey[key]; ok {
		return fc
	}
	fc := &fusedCandidate{text: text, source: source}
	byKey[key] = fc
	return fc
}

func (fc *fusedCandidate) why(coverage float64) string {
	parts := make([]string, 0, 3)
	if len(fc.matched) > 0 {
		parts = append(parts, fmt.Sprintf("matched %s", strings.Join(uniqueStrings(fc.matched), ",")))
	}
	if fc.similarity > 0 {
		parts = append(parts, fmt.Sprintf("sim %.2f", fc.similarity))
	}
	if coverage > 0 {
		parts = append(parts, fmt.Sprintf("coverage %.2f", coverage))
	}
	return strings.Join(parts, "; ")
}

func tokenCoverage(queryTokens map[string]bool, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	present := 0
	docTokens := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		docTokens[tok] = true
	}
	for tok := range queryTokens {
		if docTokens[tok] {
			present++
		}
	}
	return float64(present) / float64(len(queryTokens))
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
