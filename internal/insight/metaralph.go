package insight

import (
	"fmt"
	"regexp"
	"strings"

	"spark/internal/types"
)

// =============================================================================
// META-RALPH - the quality gate for insight writes
// =============================================================================

// VerdictKind is the result variant of scoring a candidate insight.
type VerdictKind string

const (
	VerdictQuality   VerdictKind = "QUALITY"
	VerdictNeedsWork VerdictKind = "NEEDS_WORK"
	VerdictPrimitive VerdictKind = "PRIMITIVE"
	VerdictGateError VerdictKind = "GATE_ERROR"
)

// Verdict carries the scoring outcome. GateError is an explicit branch, not
// an exception: the caller takes the fail-open quarantine path on it.
type Verdict struct {
	Kind   VerdictKind         `json:"kind"`
	Scores types.QualityScores `json:"scores"`
	Total  int                 `json:"total"`
	Reason string              `json:"reason,omitempty"`
}

// Scorer scores a candidate insight against the current store contents.
// It is an interface so the gate's fail-open path is testable.
type Scorer interface {
	Score(candidate *types.Insight, existing []types.Insight) (Verdict, error)
}

// qualityThreshold is the minimum total (of 10) for a QUALITY verdict; any
// zero dimension caps the verdict at NEEDS_WORK regardless of total.
const qualityThreshold = 6

// needsWorkFloor is the minimum total to store-but-flag instead of drop.
const needsWorkFloor = 3

// noisePatterns reject purely operational telemetry before scoring. These
// are never useful learnings.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^heavy\s+\w+\s+usage`),
	regexp.MustCompile(`(?i)\(\d+\s+calls?\)`),
	regexp.MustCompile(`\w+\s*(?:→|->)\s*\w+\s*(?:→|->)`),
	regexp.MustCompile(`(?i)^cycle\s+(summary|completed|stats)`),
	regexp.MustCompile(`(?i)^\d+\s+events?\s+processed`),
	regexp.MustCompile(`(?i)^session\s+(started|ended|stats)`),
	regexp.MustCompile(`(?i)^(tool|command)\s+sequence:`),
}

// MetaRalph is the default scorer: five dimensions, each 0-2.
type MetaRalph struct{}

// NewMetaRalph returns the default scorer.
func NewMetaRalph() *MetaRalph { return &MetaRalph{} }

// IsNoise reports whether text matches the shared operational-telemetry
// filter.
func IsNoise(text string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Score rates the candidate on actionability, novelty, reasoning,
// specificity, and outcome linkage.
func (m *MetaRalph) Score(candidate *types.Insight, existing []types.Insight) (Verdict, error) {
	if candidate == nil {
		return Verdict{}, fmt.Errorf("nil candidate")
	}
	text := strings.TrimSpace(candidate.Text)
	if text == "" {
		return Verdict{Kind: VerdictPrimitive, Reason: "empty text"}, nil
	}
	if IsNoise(text) {
		return Verdict{Kind: VerdictPrimitive, Reason: "operational telemetry"}, nil
	}

	scores := types.QualityScores{
		Actionability: scoreActionability(text),
		Novelty:       scoreNovelty(text, candidate.Key, existing),
		Reasoning:     scoreReasoning(text),
		Specificity:   scoreSpecificity(text),
		OutcomeLinked: scoreOutcomeLinked(candidate),
	}
	total := scores.Total()

	v := Verdict{Scores: scores, Total: total}
	switch {
	case total >= qualityThreshold && !scores.HasZero():
		v.Kind = VerdictQuality
	case total >= needsWorkFloor:
		v.Kind = VerdictNeedsWork
		v.Reason = "low-dimension candidate stored for refinement"
	default:
		v.Kind = VerdictPrimitive
		v.Reason = fmt.Sprintf("total %d below floor", total)
	}
	return v, nil
}

var actionVerbs = regexp.MustCompile(`(?i)\b(prefer|use|avoid|always|never|check|run|set|keep|add|remove|split|name|write|test|pin|lock|quote|escape|retry|validate)\b`)

func scoreActionability(text string) int {
	matches := actionVerbs.FindAllString(text, -1)
	switch {
	case len(matches) >= 2:
		return 2
	case len(matches) == 1:
		return 1
	}
	return 0
}

// scoreNovelty compares the candidate against existing insight texts by
// token overlap. Near-duplicates score 0. The candidate's own key is skipped
// so reinforcement of an existing insight is not penalized as stale.
func scoreNovelty(text, key string, existing []types.Insight) int {
	tokens := tokenSet(text)
	if len(tokens) == 0 {
		return 0
	}
	best := 0.0
	for i := range existing {
		if existing[i].Key == key {
			continue
		}
		overlap := jaccard(tokens, tokenSet(existing[i].Text))
		if overlap > best {
			best = overlap
		}
	}
	switch {
	case best >= 0.8:
		return 0
	case best >= 0.5:
		return 1
	}
	return 2
}

var reasoningMarkers = regexp.MustCompile(`(?i)\b(because|which leads to|so that|otherwise|caused by|due to)\b`)

func scoreReasoning(text string) int {
	matches := reasoningMarkers.FindAllString(text, -1)
	switch {
	case len(matches) >= 2:
		return 2
	case len(matches) == 1:
		return 2 // one explicit causal link is already full reasoning
	}
	return 0
}

var (
	namedToolPattern = regexp.MustCompile(`\b(Bash|Edit|Write|Read|Grep|Glob|WebFetch|Task|pytest|go test|npm|git|docker|kubectl)\b`)
	concreteValue    = regexp.MustCompile(`[a-z0-9_]+_[a-z0-9_]+|--[a-z-]+|\d+|[./][\w./-]+|\x60[^\x60]+\x60`)
)

func scoreSpecificity(text string) int {
	score := 0
	if namedToolPattern.MatchString(text) {
		score++
	}
	if concreteValue.MatchString(text) {
		score++
	}
	return score
}

func scoreOutcomeLinked(candidate *types.Insight) int {
	if candidate.Validations > 0 {
		return 2
	}
	for _, ev := range candidate.Evidence {
		lower := strings.ToLower(ev)
		if strings.Contains(lower, "outcome") || strings.Contains(lower, "validated") ||
			strings.Contains(lower, "post_tool") || strings.Contains(lower, "trace:") {
			return 2
		}
	}
	if len(candidate.Evidence) > 0 {
		return 1
	}
	return 0
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
