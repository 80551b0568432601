// Package types provides shared type definitions used across Spark packages.
// This package exists to break import cycles between the queue, bridge, and
// advisor packages. Types here are foundational data structures with no
// complex dependencies.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind classifies an observation coming from an adapter.
type EventKind string

const (
	KindUserPrompt      EventKind = "user_prompt"
	KindPreTool         EventKind = "pre_tool"
	KindPostTool        EventKind = "post_tool"
	KindPostToolFailure EventKind = "post_tool_failure"
	KindMessage         EventKind = "message"
	KindSystem          EventKind = "system"
	KindTool            EventKind = "tool"
	KindCommand         EventKind = "command"
	KindResearch        EventKind = "x_research"
)

// Valid reports whether the kind is one of the recognized event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindUserPrompt, KindPreTool, KindPostTool, KindPostToolFailure,
		KindMessage, KindSystem, KindTool, KindCommand, KindResearch:
		return true
	}
	return false
}

// Event is one observation from an adapter. Immutable once appended to the
// queue; identity is (session id, queue offset).
type Event struct {
	V         int                    `json:"v"`
	Source    string                 `json:"source"`
	Kind      EventKind              `json:"kind"`
	TS        time.Time              `json:"ts"`
	SessionID string                 `json:"session_id"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ToolName extracts the tool name from the payload, if present.
func (e *Event) ToolName() string {
	return e.payloadString("tool_name")
}

// Cwd extracts the working directory from the payload, if present.
func (e *Event) Cwd() string {
	return e.payloadString("cwd")
}

// Text extracts free-form text from the payload (user prompts, messages).
func (e *Event) Text() string {
	if t := e.payloadString("text"); t != "" {
		return t
	}
	return e.payloadString("prompt")
}

// ToolInput returns the tool input object from the payload.
func (e *Event) ToolInput() map[string]interface{} {
	if e.Payload == nil {
		return nil
	}
	if m, ok := e.Payload["tool_input"].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// ToolInputString flattens the tool input to a single searchable string.
func (e *Event) ToolInputString() string {
	in := e.ToolInput()
	if in == nil {
		return ""
	}
	var sb strings.Builder
	for _, k := range []string{"command", "file_path", "pattern", "content", "url", "query"} {
		if v, ok := in[k].(string); ok && v != "" {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(v)
		}
	}
	if sb.Len() == 0 {
		// Fall back to a compact JSON rendering for unknown tool shapes.
		if b, err := json.Marshal(in); err == nil {
			return string(b)
		}
	}
	return sb.String()
}

func (e *Event) payloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// =============================================================================
// PHASES
// =============================================================================

// Phase is the inferred workflow state of the active session.
type Phase string

const (
	PhaseExploration    Phase = "exploration"
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseDebugging      Phase = "debugging"
	PhaseDeployment     Phase = "deployment"
)

// =============================================================================
// INSIGHTS
// =============================================================================

// InsightCategory classifies what kind of learning an insight captures.
type InsightCategory string

const (
	CategoryPreference     InsightCategory = "preference"
	CategoryDecision       InsightCategory = "decision"
	CategoryPrinciple      InsightCategory = "principle"
	CategoryContext        InsightCategory = "context"
	CategorySignal         InsightCategory = "signal"
	CategoryContentPattern InsightCategory = "content-pattern"
)

// QualityScores holds the per-dimension scores assigned by the write gate.
// Each dimension is scored 0-2.
type QualityScores struct {
	Actionability int `json:"actionability"`
	Novelty       int `json:"novelty"`
	Reasoning     int `json:"reasoning"`
	Specificity   int `json:"specificity"`
	OutcomeLinked int `json:"outcome_linked"`
}

// Total returns the sum across all five dimensions.
func (q QualityScores) Total() int {
	return q.Actionability + q.Novelty + q.Reasoning + q.Specificity + q.OutcomeLinked
}

// HasZero reports whether any dimension scored zero.
func (q QualityScores) HasZero() bool {
	return q.Actionability == 0 || q.Novelty == 0 || q.Reasoning == 0 ||
		q.Specificity == 0 || q.OutcomeLinked == 0
}

// Insight is a learned fact or preference. Owned exclusively by the insight
// store; written only through the write gate.
type Insight struct {
	Key             string          `json:"key"`
	Text            string          `json:"text"`
	Category        InsightCategory `json:"category"`
	Confidence      float64         `json:"confidence"`
	Reliability     float64         `json:"reliability"`
	Evidence        []string        `json:"evidence,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SourceChip      string          `json:"source_chip,omitempty"`
	Quality         QualityScores   `json:"quality"`
	Reinforced      int             `json:"reinforced"`
	NeedsRefinement bool            `json:"needs_refinement,omitempty"`
	Quarantined     bool            `json:"quarantined,omitempty"`
	Validations     int             `json:"validations,omitempty"`
	Contradictions  int             `json:"contradictions,omitempty"`
}

// =============================================================================
// DISTILLATIONS
// =============================================================================

// DistillationType classifies a higher-order statement.
type DistillationType string

const (
	DistillHeuristic DistillationType = "heuristic"
	DistillPlaybook  DistillationType = "playbook"
	DistillPrinciple DistillationType = "principle"
)

// Distillation is a higher-order statement summarizing multiple insights or
// episodes.
type Distillation struct {
	ID                 string           `json:"id"`
	Type               DistillationType `json:"type"`
	Statement          string           `json:"statement"`
	TimesRetrieved     int              `json:"times_retrieved"`
	TimesUsed          int              `json:"times_used"`
	TimesHelped        int              `json:"times_helped"`
	ValidationCount    int              `json:"validation_count"`
	ContradictionCount int              `json:"contradiction_count"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// =============================================================================
// ADVICE
// =============================================================================

// AdviceSource identifies where a retrieval candidate or emitted advisory
// came from. All downstream code switches on this enum rather than on the
// shape of the candidate.
type AdviceSource string

const (
	SourceCognitive AdviceSource = "cognitive"
	SourceEidos     AdviceSource = "eidos"
	SourceMind      AdviceSource = "mind"
	SourceChip      AdviceSource = "chip"
	SourceBaseline  AdviceSource = "baseline"
	SourceSemantic  AdviceSource = "semantic"
	SourcePacket    AdviceSource = "packet"
)

// Candidate is the tagged variant shape produced by the retrieval layer.
type Candidate struct {
	Source    AdviceSource `json:"source"`
	Key       string       `json:"key,omitempty"`
	Text      string       `json:"text"`
	Score     float64      `json:"score"`
	Rationale string       `json:"rationale,omitempty"`
}

// AdviceItem is a candidate or emitted advisory unit bound to a trace.
type AdviceItem struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	Source     AdviceSource `json:"source"`
	RankScore  float64      `json:"rank_score"`
	Rationale  string       `json:"rationale,omitempty"`
	Tool       string       `json:"tool,omitempty"`
	TraceID    string       `json:"trace_id"`
	ExpiresAt  time.Time    `json:"expires_at,omitempty"`
	InsightKey string       `json:"insight_key,omitempty"`
}

// Packet is a cached bundle of advice items keyed by context fingerprint.
type Packet struct {
	Fingerprint string      `json:"fingerprint"`
	Candidates  []Candidate `json:"candidates"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Expired reports whether the packet is past its TTL.
func (p *Packet) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// =============================================================================
// OUTCOMES
// =============================================================================

// OutcomeKind marks a detected signal as success or failure.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// OutcomeLink connects a detected success/failure signal to an insight or
// advice id. Immutable, append-only.
type OutcomeLink struct {
	ID           string      `json:"id"`
	Kind         OutcomeKind `json:"kind"`
	InsightKey   string      `json:"insight_key,omitempty"`
	AdviceID     string      `json:"advice_id,omitempty"`
	TraceID      string      `json:"trace_id,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	Recency      float64     `json:"recency"`
	ContextMatch float64     `json:"context_match"`
	Confidence   float64     `json:"confidence"`
	DetectedAt   time.Time   `json:"detected_at"`
}

// EffectivenessRecord summarizes how advice from one id performed.
type EffectivenessRecord struct {
	Given     int `json:"given"`
	Followed  int `json:"followed"`
	Helpful   int `json:"helpful"`
	Unhelpful int `json:"unhelpful"`
}

// =============================================================================
// ADVISORY DECISIONS
// =============================================================================

// Advisory reason codes recorded in the decision ledger.
const (
	ReasonGateSuppressed = "AE_GATE_SUPPRESSED"
	ReasonDuplicate      = "AE_DUPLICATE_SUPPRESSED"
	ReasonLowAuthGlobal  = "AE_LOW_AUTH_GLOBAL_SUPPRESSED"
	ReasonSynthEmpty     = "AE_SYNTH_EMPTY"
	ReasonNoAdvice       = "AE_NO_ADVICE"
	ReasonFallbackBudget = "AE_FALLBACK_BUDGET"
	ReasonDeadline       = "AE_DEADLINE"
	ReasonEngineError    = "AE_ENGINE_ERROR"
)

// DecisionEvent labels a ledger row as emitted or blocked.
const (
	DecisionEmitted = "emitted"
	DecisionBlocked = "blocked"
)

// Decision is one row of the advisory decision ledger.
type Decision struct {
	TS        time.Time    `json:"ts"`
	Event     string       `json:"event"`
	TraceID   string       `json:"trace_id"`
	SessionID string       `json:"session_id"`
	Tool      string       `json:"tool"`
	Phase     Phase        `json:"phase"`
	Source    AdviceSource `json:"source,omitempty"`
	AdviceID  string       `json:"advice_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Text      string       `json:"text,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
	Fallback  bool         `json:"fallback,omitempty"`
}

// Authority levels for emitted advice.
const (
	AuthorityNote    = "note"
	AuthorityWhisper = "whisper"
	AuthorityWarning = "warning"
)
