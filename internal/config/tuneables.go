package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// =============================================================================
// TUNEABLES - operator-editable policy
// =============================================================================

// Tuneables is the operator-tunable policy document. It is read from
// <state>/tuneables.json and hot-reloaded once per bridge cycle. Unknown keys
// are ignored; missing sections fall back to defaults.
type Tuneables struct {
	AdvisoryEngine AdvisoryEngineTuneables `json:"advisory_engine"`
	AdvisoryGate   AdvisoryGateTuneables   `json:"advisory_gate"`
	Advisor        AdvisorTuneables        `json:"advisor"`
	Retrieval      RetrievalTuneables      `json:"retrieval"`
	Semantic       SemanticTuneables       `json:"semantic"`
	Synthesizer    SynthesizerTuneables    `json:"synthesizer"`
	Flow           FlowTuneables           `json:"flow"`
	AutoTuner      AutoTunerTuneables      `json:"auto_tuner"`
	ChipMerge      ChipMergeTuneables      `json:"chip_merge"`
}

// AdvisoryEngineTuneables controls synthesis and the fallback budget.
type AdvisoryEngineTuneables struct {
	ForceProgrammaticSynth      bool    `json:"force_programmatic_synth"`
	SelectiveAISynthEnabled     bool    `json:"selective_ai_synth_enabled"`
	SelectiveAIMinAuthority     string  `json:"selective_ai_min_authority"`
	SelectiveAIMinRemainingMS   int     `json:"selective_ai_min_remaining_ms"`
	FallbackBudgetCap           int     `json:"fallback_budget_cap"`
	FallbackBudgetWindowS       int     `json:"fallback_budget_window"`
	AdvisoryTextRepeatCooldownS int     `json:"advisory_text_repeat_cooldown_s"`
	SoftDeadlineMS              int     `json:"soft_deadline_ms"`
	HardDeadlineMS              int     `json:"hard_deadline_ms"`
	PacketTTLS                  int     `json:"packet_ttl_s"`
	PredictorAuthorityBump      float64 `json:"predictor_authority_bump"`
}

// AdvisoryGateTuneables controls emit-vs-suppress policy.
type AdvisoryGateTuneables struct {
	NoteThreshold         float64            `json:"note_threshold"`
	WhisperThreshold      float64            `json:"whisper_threshold"`
	WarningThreshold      float64            `json:"warning_threshold"`
	ToolCooldownS         int                `json:"tool_cooldown_s"`
	AdviceRepeatCooldownS int                `json:"advice_repeat_cooldown_s"`
	MaxEmitPerCall        int                `json:"max_emit_per_call"`
	PhasePolicy           map[string]string  `json:"phase_policy,omitempty"`
	CategoryCooldowns     map[string]float64 `json:"category_cooldowns,omitempty"`
	GlobalDedupeTTLS      int                `json:"global_dedupe_ttl_s"`
	SessionDedupeWindow   int                `json:"session_dedupe_window"`
}

// AdvisorTuneables bounds what the advisor returns.
type AdvisorTuneables struct {
	MaxItems           int     `json:"max_items"`
	MaxAdviceItems     int     `json:"max_advice_items"`
	MinRankScore       float64 `json:"min_rank_score"`
	ChipAdviceLimit    int     `json:"chip_advice_limit"`
	ChipAdviceMinScore float64 `json:"chip_advice_min_score"`
	ChipSourceBoost    float64 `json:"chip_source_boost"`
}

// RetrievalOverrides are per-domain or global retrieval knobs.
type RetrievalOverrides struct {
	Limit            int     `json:"limit,omitempty"`
	MinFusedScore    float64 `json:"min_fused_score,omitempty"`
	ReliabilityFloor float64 `json:"reliability_floor,omitempty"`
	LexicalWeight    float64 `json:"lexical_weight,omitempty"`
	SemanticWeight   float64 `json:"semantic_weight,omitempty"`
}

// RetrievalTuneables controls the hybrid retrieval pipeline.
type RetrievalTuneables struct {
	Level                string                        `json:"level"`
	DomainProfileEnabled bool                          `json:"domain_profile_enabled"`
	Overrides            RetrievalOverrides            `json:"overrides"`
	DomainProfiles       map[string]RetrievalOverrides `json:"domain_profiles,omitempty"`
}

// SemanticTuneables controls the optional semantic index.
type SemanticTuneables struct {
	Enabled             bool     `json:"enabled"`
	MinSimilarity       float64  `json:"min_similarity"`
	MinFusionScore      float64  `json:"min_fusion_score"`
	RescueMinSimilarity float64  `json:"rescue_min_similarity"`
	ExcludeCategories   []string `json:"exclude_categories,omitempty"`
}

// SynthesizerTuneables controls AI synthesis.
type SynthesizerTuneables struct {
	AITimeoutS int `json:"ai_timeout_s"`
}

// FlowTuneables gates whole subsystems.
type FlowTuneables struct {
	ValidateAndStoreEnabled bool `json:"validate_and_store_enabled"`
}

// AutoTunerTuneables carries the clamped per-source boosts.
type AutoTunerTuneables struct {
	SourceBoosts map[string]float64 `json:"source_boosts,omitempty"`
}

// ChipMergeTuneables controls promotion of chip insights into the global
// store.
type ChipMergeTuneables struct {
	MinCognitiveValue  float64 `json:"min_cognitive_value"`
	MinActionability   float64 `json:"min_actionability"`
	MinTransferability float64 `json:"min_transferability"`
	MinStatementLen    int     `json:"min_statement_len"`
}

// Source boost clamp range. Boosts outside this range are pulled back on
// load and on every auto-tuner update.
const (
	SourceBoostMin = 0.8
	SourceBoostMax = 1.1
)

// DefaultTuneables returns the policy used when tuneables.json is absent.
func DefaultTuneables() *Tuneables {
	return &Tuneables{
		AdvisoryEngine: AdvisoryEngineTuneables{
			SelectiveAISynthEnabled:     false,
			SelectiveAIMinAuthority:     "warning",
			SelectiveAIMinRemainingMS:   800,
			FallbackBudgetCap:           3,
			FallbackBudgetWindowS:       300,
			AdvisoryTextRepeatCooldownS: 900,
			SoftDeadlineMS:              1500,
			HardDeadlineMS:              3500,
			PacketTTLS:                  120,
			PredictorAuthorityBump:      0.15,
		},
		AdvisoryGate: AdvisoryGateTuneables{
			NoteThreshold:         0.35,
			WhisperThreshold:      0.55,
			WarningThreshold:      0.75,
			ToolCooldownS:         45,
			AdviceRepeatCooldownS: 600,
			MaxEmitPerCall:        1,
			GlobalDedupeTTLS:      6 * 3600,
			SessionDedupeWindow:   20,
		},
		Advisor: AdvisorTuneables{
			MaxItems:           5,
			MaxAdviceItems:     3,
			MinRankScore:       0.15,
			ChipAdviceLimit:    2,
			ChipAdviceMinScore: 0.3,
			ChipSourceBoost:    1.0,
		},
		Retrieval: RetrievalTuneables{
			Level:                "hybrid",
			DomainProfileEnabled: true,
			Overrides: RetrievalOverrides{
				Limit:            8,
				MinFusedScore:    0.05,
				ReliabilityFloor: 0.2,
				LexicalWeight:    1.0,
				SemanticWeight:   1.0,
			},
		},
		Semantic: SemanticTuneables{
			Enabled:             true,
			MinSimilarity:       0.35,
			MinFusionScore:      0.05,
			RescueMinSimilarity: 0.6,
		},
		Synthesizer: SynthesizerTuneables{AITimeoutS: 5},
		Flow:        FlowTuneables{ValidateAndStoreEnabled: true},
		AutoTuner:   AutoTunerTuneables{SourceBoosts: map[string]float64{}},
		ChipMerge: ChipMergeTuneables{
			MinCognitiveValue:  0.6,
			MinActionability:   0.5,
			MinTransferability: 0.5,
			MinStatementLen:    24,
		},
	}
}

// LoadTuneables reads tuneables.json over the defaults. A missing file is
// not an error. Source boosts are clamped on load so a hand-edited file can
// never widen the range.
func LoadTuneables(path string) (*Tuneables, error) {
	t := DefaultTuneables()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read tuneables: %w", err)
	}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuneables: %w", err)
	}
	t.clamp()
	return t, nil
}

func (t *Tuneables) clamp() {
	for source, boost := range t.AutoTuner.SourceBoosts {
		t.AutoTuner.SourceBoosts[source] = ClampSourceBoost(boost)
	}
	if t.AdvisoryEngine.HardDeadlineMS < t.AdvisoryEngine.SoftDeadlineMS {
		t.AdvisoryEngine.HardDeadlineMS = t.AdvisoryEngine.SoftDeadlineMS
	}
	if t.AdvisoryGate.MaxEmitPerCall <= 0 {
		t.AdvisoryGate.MaxEmitPerCall = 1
	}
}

// ClampSourceBoost pulls a boost back into [SourceBoostMin, SourceBoostMax].
func ClampSourceBoost(boost float64) float64 {
	if boost < SourceBoostMin {
		return SourceBoostMin
	}
	if boost > SourceBoostMax {
		return SourceBoostMax
	}
	return boost
}

// SoftDeadline returns the soft latency budget as a duration.
func (t *Tuneables) SoftDeadline() time.Duration {
	return time.Duration(t.AdvisoryEngine.SoftDeadlineMS) * time.Millisecond
}

// HardDeadline returns the hard latency budget as a duration.
func (t *Tuneables) HardDeadline() time.Duration {
	return time.Duration(t.AdvisoryEngine.HardDeadlineMS) * time.Millisecond
}

// =============================================================================
// HOT RELOAD
// =============================================================================

// TuneablesHolder publishes the current tuneables snapshot. The bridge cycle
// reloads at cycle start when the watcher has marked the file dirty; the
// advisory hot path only ever reads the snapshot.
type TuneablesHolder struct {
	mu    sync.RWMutex
	path  string
	cur   *Tuneables
	dirty bool
}

// NewTuneablesHolder loads the initial snapshot.
func NewTuneablesHolder(path string) (*TuneablesHolder, error) {
	t, err := LoadTuneables(path)
	if err != nil {
		return nil, err
	}
	return &TuneablesHolder{path: path, cur: t}, nil
}

// Current returns the active snapshot.
func (h *TuneablesHolder) Current() *Tuneables {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// MarkDirty flags the file for reload at the next cycle boundary.
func (h *TuneablesHolder) MarkDirty() {
	h.mu.Lock()
	h.dirty = true
	h.mu.Unlock()
}

// ReloadIfDirty re-reads the file when flagged. Invalid content keeps the
// previous snapshot.
func (h *TuneablesHolder) ReloadIfDirty() (reloaded bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return false, nil
	}
	h.dirty = false
	t, err := LoadTuneables(h.path)
	if err != nil {
		return false, err
	}
	h.cur = t
	return true, nil
}

// ForceReload re-reads unconditionally (used at startup and in tests).
func (h *TuneablesHolder) ForceReload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, err := LoadTuneables(h.path)
	if err != nil {
		return err
	}
	h.cur = t
	h.dirty = false
	return nil
}
