package retrieval

import (
	"spark/internal/types"
)

// baselineKey addresses the deterministic safety-net table.
type baselineKey struct {
	Tool  string
	Phase types.Phase
}

// baselineAdvice is the small deterministic set used when nothing better is
// retrievable. Emissions from it are rate-limited by the fallback budget.
var baselineAdvice = map[baselineKey]string{
	{"Bash", types.PhaseDeployment}: "Destructive shell commands during deployment are hard to roll back; dry-run first and double-check paths and flags.",
	{"Bash", types.PhaseDebugging}:  "Capture stderr and exit codes when reproducing a failure so the fix can be verified against the same signal.",
	{"Bash", types.PhaseTesting}:    "Run the narrowest test target first; full suites hide which change broke what.",
	{"Edit", types.PhaseImplementation}: "Re-read the surrounding code before editing; stale line context is the top cause of bad patches.",
	{"Write", types.PhaseImplementation}: "Check whether the file already exists before overwriting it wholesale.",
	{"Edit", types.PhaseDebugging}:  "Change one thing at a time while debugging; batched edits make the bisect useless.",
}

// genericBaseline is used when no (tool, phase) entry exists but the caller
// still allows a fallback for a risky tool.
var genericBaseline = map[string]string{
	"Bash": "Review the command for destructive flags before running it.",
}

// Baseline returns the deterministic advice for (tool, phase) and whether an
// entry exists.
func Baseline(tool string, phase types.Phase) (types.Candidate, bool) {
	if text, ok := baselineAdvice[baselineKey{tool, phase}]; ok {
		return types.Candidate{
			Source:    types.SourceBaseline,
			Text:      text,
			Score:     0.3,
			Rationale: "baseline safety net",
		}, true
	}
	if text, ok := genericBaseline[tool]; ok {
		return types.Candidate{
			Source:    types.SourceBaseline,
			Text:      text,
			Score:     0.2,
			Rationale: "baseline safety net",
		}, true
	}
	return types.Candidate{}, false
}
