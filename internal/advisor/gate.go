package advisor

import (
	"sync"
	"time"

	"spark/internal/config"
	"spark/internal/types"
)

// Gate decides emit-vs-suppress for a synthesized advisory. It owns every
// suppression channel except the fallback budget, which belongs to the
// engine because it applies before synthesis.
type Gate struct {
	session *sessionDedupe
	global  *globalDedupe

	mu           sync.Mutex
	toolLastEmit map[toolKey]time.Time
	catLastEmit  map[string]time.Time
}

type toolKey struct {
	SessionID string
	Tool      string
}

// NewGate wires the dedupe layers.
func NewGate(session *sessionDedupe, global *globalDedupe) *Gate {
	return &Gate{
		session:      session,
		global:       global,
		toolLastEmit: make(map[toolKey]time.Time),
		catLastEmit:  make(map[string]time.Time),
	}
}

// GateRequest carries everything the gate needs for one decision.
type GateRequest struct {
	SessionID string
	Tool      string
	Phase     types.Phase
	Category  string
	Score     float64
	Text      string
	Now       time.Time

	// Fallback marks a templated baseline. Baselines are rate-limited by the
	// fallback budget instead of the per-tool cooldown and session dedupe, so
	// those two channels are skipped; the global dedupe still applies.
	Fallback bool
}

// GateDecision is the outcome: emit with an authority level, or suppress
// with a reason code.
type GateDecision struct {
	Emit      bool
	Authority string
	Reason    string
}

// Decide runs the suppression chain in fixed order: score floor, phase
// policy, tool cooldown, category cooldown, session dedupe, global dedupe.
// The first channel that fires wins; on emit the gate records cooldowns and
// fingerprints so the next call sees them.
func (g *Gate) Decide(req GateRequest, tun *config.Tuneables) GateDecision {
	gt := tun.AdvisoryGate
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	authority := authorityFor(req.Score, gt)
	if authority == "" {
		return GateDecision{Reason: types.ReasonGateSuppressed}
	}

	if !phaseAllows(req.Phase, authority, gt.PhasePolicy) {
		return GateDecision{Reason: types.ReasonGateSuppressed}
	}

	g.mu.Lock()
	tk := toolKey{req.SessionID, req.Tool}
	if last, ok := g.toolLastEmit[tk]; ok && authority != types.AuthorityWarning && !req.Fallback {
		if now.Sub(last) < time.Duration(gt.ToolCooldownS)*time.Second {
			g.mu.Unlock()
			return GateDecision{Reason: types.ReasonGateSuppressed}
		}
	}
	if req.Category != "" {
		if cooldown, ok := gt.CategoryCooldowns[req.Category]; ok {
			if last, seen := g.catLastEmit[req.Category]; seen {
				if now.Sub(last) < time.Duration(cooldown*float64(time.Second)) {
					g.mu.Unlock()
					return GateDecision{Reason: types.ReasonGateSuppressed}
				}
			}
		}
	}
	g.mu.Unlock()

	hash := Fingerprint(req.Text)
	if !req.Fallback && g.session.SeenAndRecord(req.SessionID, hash) {
		return GateDecision{Reason: types.ReasonDuplicate}
	}

	// A warning is allowed to repeat across sessions; anything quieter that
	// already went out within the global TTL stays suppressed.
	if g.global.Seen(hash, time.Duration(gt.GlobalDedupeTTLS)*time.Second) && authority != types.AuthorityWarning {
		return GateDecision{Reason: types.ReasonLowAuthGlobal}
	}

	g.mu.Lock()
	g.toolLastEmit[tk] = now
	if req.Category != "" {
		g.catLastEmit[req.Category] = now
	}
	g.mu.Unlock()
	_ = g.global.Record(hash, authority)

	return GateDecision{Emit: true, Authority: authority}
}

// authorityFor maps a rank score to an authority level, or "" when the
// score clears no threshold.
func authorityFor(score float64, gt config.AdvisoryGateTuneables) string {
	switch {
	case score >= gt.WarningThreshold:
		return types.AuthorityWarning
	case score >= gt.WhisperThreshold:
		return types.AuthorityWhisper
	case score >= gt.NoteThreshold:
		return types.AuthorityNote
	}
	return ""
}

// phaseAllows applies the per-phase policy. Policies: "all" (default for
// most phases), "high_only" (warnings only, default for exploration), and
// "off".
func phaseAllows(phase types.Phase, authority string, policy map[string]string) bool {
	mode, ok := policy[string(phase)]
	if !ok {
		if phase == types.PhaseExploration {
			mode = "high_only"
		} else {
			mode = "all"
		}
	}
	switch mode {
	case "off":
		return false
	case "high_only":
		return authority == types.AuthorityWarning
	default:
		return true
	}
}
