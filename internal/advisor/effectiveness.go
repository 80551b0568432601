package advisor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"spark/internal/config"
	"spark/internal/types"
)

// Effectiveness tracks per-advice and per-source counters plus the
// auto-tuner source boosts. The boosts are the only thing the tuner is
// allowed to move, and they are clamped on every write.
type Effectiveness struct {
	mu       sync.Mutex
	path     string
	ByID     map[string]*types.EffectivenessRecord `json:"by_id"`
	BySource map[string]*types.EffectivenessRecord `json:"by_source"`
	Boosts   map[string]float64                    `json:"source_boosts"`
	SavedAt  time.Time                             `json:"saved_at"`
}

// OpenEffectiveness loads or creates the effectiveness store.
func OpenEffectiveness(path string) (*Effectiveness, error) {
	e := &Effectiveness{
		path:     path,
		ByID:     make(map[string]*types.EffectivenessRecord),
		BySource: make(map[string]*types.EffectivenessRecord),
		Boosts:   make(map[string]float64),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, fmt.Errorf("failed to read effectiveness: %w", err)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("corrupt effectiveness store %s: %w", path, err)
	}
	for source, boost := range e.Boosts {
		e.Boosts[source] = config.ClampSourceBoost(boost)
	}
	if e.ByID == nil {
		e.ByID = make(map[string]*types.EffectivenessRecord)
	}
	if e.BySource == nil {
		e.BySource = make(map[string]*types.EffectivenessRecord)
	}
	if e.Boosts == nil {
		e.Boosts = make(map[string]float64)
	}
	return e, nil
}

// record returns the mutable per-advice counters, creating them on first
// touch. Callers hold the mutex.
func (e *Effectiveness) record(adviceID string) *types.EffectivenessRecord {
	rec, ok := e.ByID[adviceID]
	if !ok {
		rec = &types.EffectivenessRecord{}
		e.ByID[adviceID] = rec
	}
	return rec
}

// sourceRecord returns the mutable per-source counters, creating them on
// first touch. Callers hold the mutex.
func (e *Effectiveness) sourceRecord(source types.AdviceSource) *types.EffectivenessRecord {
	rec, ok := e.BySource[string(source)]
	if !ok {
		rec = &types.EffectivenessRecord{}
		e.BySource[string(source)] = rec
	}
	return rec
}

// RecordGiven counts one shown advice.
func (e *Effectiveness) RecordGiven(adviceID string, source types.AdviceSource) {
	e.mu.Lock()
	e.record(adviceID).Given++
	e.sourceRecord(source).Given++
	e.mu.Unlock()
}

// RecordFollowed counts advice the agent appears to have acted on.
func (e *Effectiveness) RecordFollowed(adviceID string, source types.AdviceSource) {
	e.mu.Lock()
	e.record(adviceID).Followed++
	e.sourceRecord(source).Followed++
	e.mu.Unlock()
}

// RecordHelpful counts advice linked to a positive outcome and retunes the
// source boost.
func (e *Effectiveness) RecordHelpful(adviceID string, source types.AdviceSource) {
	e.mu.Lock()
	e.record(adviceID).Helpful++
	rec := e.sourceRecord(source)
	rec.Helpful++
	e.retuneLocked(string(source), rec)
	e.mu.Unlock()
}

// RecordUnhelpful counts a negative outcome and retunes the source boost
// downward.
func (e *Effectiveness) RecordUnhelpful(adviceID string, source types.AdviceSource) {
	e.mu.Lock()
	e.record(adviceID).Unhelpful++
	rec := e.sourceRecord(source)
	rec.Unhelpful++
	e.retuneLocked(string(source), rec)
	e.mu.Unlock()
}

// BoostFor returns the clamped multiplier for a source; unknown sources are
// neutral.
func (e *Effectiveness) BoostFor(source types.AdviceSource) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	boost, ok := e.Boosts[string(source)]
	if !ok {
		return 1.0
	}
	return config.ClampSourceBoost(boost)
}

// SourceRecord returns a copy of the per-source counters.
func (e *Effectiveness) SourceRecord(source types.AdviceSource) types.EffectivenessRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.BySource[string(source)]; ok {
		return *rec
	}
	return types.EffectivenessRecord{}
}

// Record returns a copy of the per-advice counters.
func (e *Effectiveness) Record(adviceID string) types.EffectivenessRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.ByID[adviceID]; ok {
		return *rec
	}
	return types.EffectivenessRecord{}
}

// retuneLocked recomputes the boost from the net-helpful ratio. Unhelpful
// outcomes subtract from the numerator so repeated bad advice drags the
// boost toward the floor. The mapping is linear around neutral and always
// ends clamped, so no amount of adversarial feedback can run it away.
func (e *Effectiveness) retuneLocked(source string, rec *types.EffectivenessRecord) {
	if rec.Given == 0 {
		return
	}
	rate := float64(rec.Helpful-rec.Unhelpful) / float64(rec.Given)
	e.Boosts[source] = config.ClampSourceBoost(0.9 + 0.4*(rate-0.5))
}

// Persist writes the store atomically.
func (e *Effectiveness) Persist() error {
	e.mu.Lock()
	e.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(e, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode effectiveness: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write effectiveness: %w", err)
	}
	return os.Rename(tmp, e.path)
}
