package advisor

import (
	"regexp"
	"strings"
	"sync"

	"spark/internal/types"
)

// sessionHistory keeps a bounded ring of recent events per session for phase
// inference. Only the hot path reads it; Observe appends.
type sessionHistory struct {
	mu     sync.Mutex
	size   int
	bySess map[string][]types.Event
}

func newSessionHistory(size int) *sessionHistory {
	if size <= 0 {
		size = 50
	}
	return &sessionHistory{size: size, bySess: make(map[string][]types.Event)}
}

// Observe appends an event to its session ring.
func (h *sessionHistory) Observe(ev *types.Event) {
	if ev == nil || ev.SessionID == "" {
		return
	}
	h.mu.Lock()
	ring := append(h.bySess[ev.SessionID], *ev)
	if len(ring) > h.size {
		ring = ring[len(ring)-h.size:]
	}
	h.bySess[ev.SessionID] = ring
	h.mu.Unlock()
}

// Recent returns a copy of the session's ring.
func (h *sessionHistory) Recent(sessionID string) []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.bySess[sessionID]
	out := make([]types.Event, len(ring))
	copy(out, ring)
	return out
}

// =============================================================================
// PHASE INFERENCE
// =============================================================================

var (
	deployPattern = regexp.MustCompile(`(?i)\b(deploy|kubectl apply|docker push|terraform apply|helm upgrade|release|rollout)\b`)
	testPattern   = regexp.MustCompile(`(?i)\b(go test|pytest|npm test|cargo test|jest|rspec|unittest)\b`)
	planPattern   = regexp.MustCompile(`(?i)\b(plan|design|architect|approach|outline)\b`)
)

// InferPhase classifies the session's workflow state from the current event
// and recent history. Signals are checked strongest-first; the default is
// implementation, the phase where advice is most broadly applicable.
func InferPhase(ev *types.Event, recent []types.Event) types.Phase {
	current := ev.ToolInputString()

	if deployPattern.MatchString(current) {
		return types.PhaseDeployment
	}
	if testPattern.MatchString(current) {
		return types.PhaseTesting
	}

	var failures, reads, edits, tests int
	for i := range recent {
		e := &recent[i]
		switch e.Kind {
		case types.KindPostToolFailure:
			failures++
		case types.KindPreTool, types.KindPostTool, types.KindTool:
			switch e.ToolName() {
			case "Read", "Grep", "Glob", "WebFetch":
				reads++
			case "Edit", "Write":
				edits++
			}
			if testPattern.MatchString(e.ToolInputString()) {
				tests++
			}
		case types.KindUserPrompt:
			if planPattern.MatchString(e.Text()) && edits == 0 {
				return types.PhasePlanning
			}
		}
	}

	switch {
	case failures >= 2:
		return types.PhaseDebugging
	case tests > 0 && tests >= edits:
		return types.PhaseTesting
	case reads > 0 && edits == 0 && reads >= 3:
		return types.PhaseExploration
	default:
		return types.PhaseImplementation
	}
}

// =============================================================================
// INTENT FAMILY
// =============================================================================

var intentFamilies = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"vcs", regexp.MustCompile(`(?i)\bgit\b`)},
	{"deps", regexp.MustCompile(`(?i)\b(npm install|pip install|go get|cargo add|apt|brew)\b`)},
	{"test", testPattern},
	{"deploy", deployPattern},
	{"fs_mutation", regexp.MustCompile(`(?i)\b(rm|mv|cp|mkdir|chmod|chown|truncate)\b`)},
	{"network", regexp.MustCompile(`(?i)\b(curl|wget|ssh|scp|nc)\b`)},
}

// InferIntentFamily buckets the tool call into a coarse intent family used
// in packet fingerprints and the outcome predictor.
func InferIntentFamily(ev *types.Event) string {
	input := ev.ToolInputString()
	for _, fam := range intentFamilies {
		if fam.pattern.MatchString(input) {
			return fam.name
		}
	}
	switch ev.ToolName() {
	case "Edit", "Write":
		return "edit"
	case "Read", "Grep", "Glob":
		return "search"
	case "Bash":
		return "shell"
	default:
		return strings.ToLower(ev.ToolName())
	}
}
