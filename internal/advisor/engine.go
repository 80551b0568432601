package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/retrieval"
	"spark/internal/types"
)

// Engine is the pre-tool advisory pipeline: context build, packet cache,
// retrieval, outcome prediction, synthesis, the emission gate, and the
// decision ledger. Advise never returns an error; every failure mode
// degrades to "no advice" with a ledger row explaining why.
type Engine struct {
	retriever *retrieval.Retriever
	gate      *Gate
	synth     *Synthesizer
	predictor *OutcomePredictor
	budget    *fallbackBudget
	packets   *packetCache
	history   *sessionHistory
	ledger    *Ledger
	eff       *Effectiveness
	holder    *config.TuneablesHolder

	recentAdvicePath string
	metricsPath      string
	metrics          *engineMetrics
	log              *zap.Logger
}

// EngineDeps bundles the constructor inputs.
type EngineDeps struct {
	Retriever     *retrieval.Retriever
	Synthesizer   *Synthesizer
	Predictor     *OutcomePredictor
	Ledger        *Ledger
	Effectiveness *Effectiveness
	Holder        *config.TuneablesHolder
	GlobalDedupe  string
	LowAuthDedupe string
	RecentAdvice  string
	Metrics       string
}

// NewEngine wires the pipeline. The global dedupe file is loaded here so a
// restart keeps its suppression memory.
func NewEngine(deps EngineDeps) (*Engine, error) {
	tun := deps.Holder.Current()
	global, err := openGlobalDedupe(deps.GlobalDedupe, deps.LowAuthDedupe)
	if err != nil {
		return nil, fmt.Errorf("failed to open global dedupe: %w", err)
	}
	session := newSessionDedupe(tun.AdvisoryGate.SessionDedupeWindow)
	return &Engine{
		retriever:        deps.Retriever,
		gate:             NewGate(session, global),
		synth:            deps.Synthesizer,
		predictor:        deps.Predictor,
		budget:           newFallbackBudget(),
		packets:          newPacketCache(256),
		history:          newSessionHistory(50),
		ledger:           deps.Ledger,
		eff:              deps.Effectiveness,
		holder:           deps.Holder,
		recentAdvicePath: deps.RecentAdvice,
		metricsPath:      deps.Metrics,
		metrics:          &engineMetrics{ByReason: make(map[string]int)},
		log:              logging.Named("advisor"),
	}, nil
}

// Observe feeds a non-advisory event into the session history and the
// outcome predictor. The server calls this for every ingested event.
func (e *Engine) Observe(ev *types.Event) {
	e.history.Observe(ev)
	if e.predictor != nil {
		e.predictor.Observe(ev)
	}
}

// Advise runs the pipeline for one pre_tool event and returns zero or more
// advisory items plus the reason code when nothing was emitted. Exactly one
// ledger row is written per call.
func (e *Engine) Advise(ctx context.Context, ev *types.Event) ([]types.AdviceItem, string) {
	start := time.Now()
	tun := e.holder.Current()

	type result struct {
		items    []types.AdviceItem
		decision *types.Decision
	}
	done := make(chan result, 1)
	ctx, cancel := context.WithTimeout(ctx, tun.HardDeadline())
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("advisory pipeline panicked", zap.Any("panic", r))
				done <- result{decision: &types.Decision{
					Event:  types.DecisionBlocked,
					Reason: types.ReasonEngineError,
				}}
			}
		}()
		items, dec := e.advise(ctx, ev, tun, start)
		done <- result{items: items, decision: dec}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{decision: &types.Decision{
			Event:  types.DecisionBlocked,
			Reason: types.ReasonDeadline,
		}}
	}

	dec := res.decision
	dec.TraceID = ev.TraceID
	dec.SessionID = ev.SessionID
	dec.Tool = ev.ToolName()
	dec.LatencyMS = time.Since(start).Milliseconds()
	if err := e.ledger.Append(dec); err != nil {
		e.log.Warn("failed to append decision", zap.Error(err))
	}
	e.recordMetrics(dec)
	return res.items, dec.Reason
}

// advise is the pipeline body. It returns the items to emit and the single
// decision row describing what happened.
func (e *Engine) advise(ctx context.Context, ev *types.Event, tun *config.Tuneables, start time.Time) ([]types.AdviceItem, *types.Decision) {
	recent := e.history.Recent(ev.SessionID)
	e.history.Observe(ev)

	phase := InferPhase(ev, recent)
	intent := InferIntentFamily(ev)
	tool := ev.ToolName()
	query := retrieval.Query{
		Tool:       tool,
		ToolInput:  ev.ToolInputString(),
		RecentText: recentPromptText(recent),
		Phase:      phase,
		Cwd:        ev.Cwd(),
	}

	now := time.Now()
	fingerprint := ContextFingerprint(tool, phase, intent, query.Text())
	var candidates []types.Candidate
	if packet, ok := e.packets.Get(fingerprint, now); ok {
		candidates = packet.Candidates
	} else {
		candidates = e.retriever.Retrieve(ctx, query, tun)
		if len(candidates) > 0 {
			e.packets.Put(fingerprint, candidates, time.Duration(tun.AdvisoryEngine.PacketTTLS)*time.Second, now)
		}
	}

	fallback := false
	if len(candidates) == 0 {
		cand, ok := retrieval.Baseline(tool, phase)
		if !ok {
			return nil, &types.Decision{Event: types.DecisionBlocked, Phase: phase, Reason: types.ReasonNoAdvice}
		}
		if !e.budget.Allow(tun.AdvisoryEngine.FallbackBudgetCap,
			time.Duration(tun.AdvisoryEngine.FallbackBudgetWindowS)*time.Second, now) {
			return nil, &types.Decision{
				Event:    types.DecisionBlocked,
				Phase:    phase,
				Reason:   types.ReasonFallbackBudget,
				Fallback: true,
			}
		}
		candidates = []types.Candidate{cand}
		fallback = true
	}

	bump := 0.0
	if e.predictor != nil {
		bump = e.predictor.AuthorityBump(tool, intent, tun.AdvisoryEngine.PredictorAuthorityBump)
	}

	maxEmit := tun.AdvisoryGate.MaxEmitPerCall
	items := make([]types.AdviceItem, 0, maxEmit)
	var lastReason string
	for i := range candidates {
		if len(items) >= maxEmit {
			break
		}
		// Once the caller has given up on this trace, stop before the gate or
		// the counters record anything for an advisory nobody will see.
		if ctx.Err() != nil {
			return nil, &types.Decision{Event: types.DecisionBlocked, Phase: phase, Reason: types.ReasonDeadline, Fallback: fallback}
		}
		cand := &candidates[i]
		score := rankScore(cand, fallback) + bump
		gd := e.gate.Decide(GateRequest{
			SessionID: ev.SessionID,
			Tool:      tool,
			Phase:     phase,
			Category:  string(cand.Source),
			Score:     score,
			Text:      cand.Text,
			Now:       now,
			Fallback:  fallback,
		}, tun)
		if !gd.Emit {
			lastReason = gd.Reason
			continue
		}

		remaining := tun.HardDeadline() - time.Since(start)
		text := e.synth.Synthesize(ctx, cand, gd.Authority, remaining, tun)
		if text == "" {
			lastReason = types.ReasonSynthEmpty
			continue
		}
		if ctx.Err() != nil {
			return nil, &types.Decision{Event: types.DecisionBlocked, Phase: phase, Reason: types.ReasonDeadline, Fallback: fallback}
		}

		item := types.AdviceItem{
			ID:         uuid.NewString(),
			Text:       text,
			Source:     cand.Source,
			RankScore:  score,
			Rationale:  cand.Rationale,
			Tool:       tool,
			TraceID:    ev.TraceID,
			ExpiresAt:  now.Add(10 * time.Minute),
			InsightKey: cand.Key,
		}
		items = append(items, item)
		e.eff.RecordGiven(item.ID, item.Source)
		e.appendRecentAdvice(&item, ev.SessionID, phase)
		if fallback {
			e.budget.Spend(now)
		}
	}

	if len(items) == 0 {
		if lastReason == "" {
			lastReason = types.ReasonNoAdvice
		}
		return nil, &types.Decision{Event: types.DecisionBlocked, Phase: phase, Reason: lastReason, Fallback: fallback}
	}

	first := items[0]
	return items, &types.Decision{
		Event:    types.DecisionEmitted,
		Phase:    phase,
		Source:   first.Source,
		AdviceID: first.ID,
		Text:     first.Text,
		Fallback: fallback,
	}
}

// rankScore maps a fused retrieval score into the gate's [0,1] authority
// scale. Fused scores live well below 1; baseline scores are already on the
// authority scale.
func rankScore(cand *types.Candidate, fallback bool) float64 {
	if fallback || cand.Source == types.SourceBaseline {
		return cand.Score + 0.2
	}
	score := cand.Score * 3.0
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// recentPromptText joins the latest user prompts into retrieval context.
func recentPromptText(recent []types.Event) string {
	var text string
	for i := len(recent) - 1; i >= 0 && len(text) < 200; i-- {
		if recent[i].Kind == types.KindUserPrompt {
			if text != "" {
				text = " " + text
			}
			text = recent[i].Text() + text
		}
	}
	return text
}

// =============================================================================
// RECENT ADVICE + METRICS
// =============================================================================

// RecentAdviceRow is one emitted item recorded for the outcome loop's
// candidate window.
type RecentAdviceRow struct {
	TS        time.Time        `json:"ts"`
	SessionID string           `json:"session_id"`
	Phase     types.Phase      `json:"phase"`
	Item      types.AdviceItem `json:"item"`
}

func (e *Engine) appendRecentAdvice(item *types.AdviceItem, sessionID string, phase types.Phase) {
	row := RecentAdviceRow{TS: time.Now().UTC(), SessionID: sessionID, Phase: phase, Item: *item}
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	f, err := os.OpenFile(e.recentAdvicePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Warn("failed to record recent advice", zap.Error(err))
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

type engineMetrics struct {
	mu           sync.Mutex
	Calls        int            `json:"calls"`
	Emitted      int            `json:"emitted"`
	ByReason     map[string]int `json:"by_reason"`
	TotalLatency int64          `json:"total_latency_ms"`
	SavedAt      time.Time      `json:"saved_at"`
}

func (e *Engine) recordMetrics(dec *types.Decision) {
	m := e.metrics
	m.mu.Lock()
	m.Calls++
	if dec.Event == types.DecisionEmitted {
		m.Emitted++
	} else {
		m.ByReason[dec.Reason]++
	}
	m.TotalLatency += dec.LatencyMS
	m.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return
	}
	tmp := e.metricsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, e.metricsPath)
}

// Metrics returns a snapshot of the engine counters for /v1/stats.
func (e *Engine) Metrics() (calls, emitted int, byReason map[string]int) {
	m := e.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.ByReason))
	for k, v := range m.ByReason {
		out[k] = v
	}
	return m.Calls, m.Emitted, out
}
