// Package insight owns the cognitive insight store and the Meta-Ralph write
// gate. All writes go through the gate; nothing else mutates the store.
package insight

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"spark/internal/logging"
	"spark/internal/types"
)

// Store is the keyed insight map persisted as a single JSON document. The
// document is rewritten atomically (tmp + rename) on change; batch mode
// collapses a whole bridge cycle into one rewrite.
type Store struct {
	mu       sync.RWMutex
	path     string
	insights map[string]*types.Insight
	dirty    bool
	batch    int
	log      *zap.Logger
}

// storeDoc is the on-disk shape.
type storeDoc struct {
	Version  int                       `json:"version"`
	Insights map[string]*types.Insight `json:"insights"`
	SavedAt  time.Time                 `json:"saved_at"`
}

// OpenStore loads or creates the insight store at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path required")
	}
	s := &Store{
		path:     path,
		insights: make(map[string]*types.Insight),
		log:      logging.Named("insight"),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read insight store: %w", err)
	}
	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt insight store %s: %w", path, err)
	}
	if doc.Insights != nil {
		s.insights = doc.Insights
	}
	s.log.Info("insight store loaded", zap.Int("insights", len(s.insights)))
	return s, nil
}

// Len returns the number of stored insights.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.insights)
}

// Get returns a copy of the insight for key.
func (s *Store) Get(key string) (types.Insight, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.insights[key]
	if !ok {
		return types.Insight{}, false
	}
	return *ins, true
}

// Snapshot returns a copy of all insights, newest first. The advisory hot
// path retrieves against this copy and releases the lock before synthesis.
func (s *Store) Snapshot() []types.Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Insight, 0, len(s.insights))
	for _, ins := range s.insights {
		out = append(out, *ins)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// BeginBatch suspends persistence until the matching EndBatch. Nested
// batches collapse into the outermost one.
func (s *Store) BeginBatch() {
	s.mu.Lock()
	s.batch++
	s.mu.Unlock()
}

// EndBatch persists once if anything changed during the batch.
func (s *Store) EndBatch() error {
	s.mu.Lock()
	if s.batch > 0 {
		s.batch--
	}
	flush := s.batch == 0 && s.dirty
	s.mu.Unlock()
	if flush {
		return s.Persist()
	}
	return nil
}

// upsert inserts or reinforces an insight. Reinforcement moves confidence
// toward a weighted average of the previous value and the candidate, and
// bumps the reinforced counter. Callers hold no lock.
func (s *Store) upsert(candidate *types.Insight) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.insights[candidate.Key]
	if !ok {
		c := *candidate
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		if c.Reliability == 0 {
			c.Reliability = 0.5
		}
		s.insights[c.Key] = &c
	} else {
		weight := float64(existing.Reinforced + 1)
		existing.Confidence = (existing.Confidence*weight + candidate.Confidence) / (weight + 1)
		existing.Reinforced++
		existing.UpdatedAt = now
		existing.Text = candidate.Text
		existing.Quality = candidate.Quality
		existing.NeedsRefinement = candidate.NeedsRefinement
		if candidate.Quarantined {
			existing.Quarantined = true
		}
		existing.Evidence = appendBounded(existing.Evidence, candidate.Evidence, 8)
	}
	s.dirty = true
	if s.batch > 0 {
		return
	}
	if err := s.persistLocked(); err != nil {
		s.log.Error("failed to persist insight store", zap.Error(err))
	}
}

// UpsertScoped writes directly, bypassing the gate. Only chip-scoped stores
// use this; chip insights pass the gate later, at merge time. The global
// cognitive store is never written through this method.
func (s *Store) UpsertScoped(candidate *types.Insight) error {
	if candidate == nil || candidate.Key == "" {
		return fmt.Errorf("insight requires a key")
	}
	if candidate.SourceChip == "" {
		return fmt.Errorf("scoped upsert requires a source chip")
	}
	s.upsert(candidate)
	return nil
}

// UpdateReliability recomputes the smoothed reliability for key from its
// validation counters. Used by the outcome loop.
func (s *Store) UpdateReliability(key string, positive bool) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.insights[key]
	if !ok {
		return 0, false
	}
	if positive {
		ins.Validations++
	} else {
		ins.Contradictions++
	}
	// Laplace-smoothed ratio so a single outcome cannot slam reliability to
	// either rail.
	pos := float64(ins.Validations)
	neg := float64(ins.Contradictions)
	ins.Reliability = (pos + 1) / (pos + neg + 2)
	ins.UpdatedAt = time.Now().UTC()
	s.dirty = true
	if s.batch == 0 {
		if err := s.persistLocked(); err != nil {
			s.log.Error("failed to persist insight store", zap.Error(err))
		}
	}
	return ins.Reliability, true
}

// Delete removes a key. Only explicit cleanup paths call this.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.insights[key]; !ok {
		return nil
	}
	delete(s.insights, key)
	s.dirty = true
	if s.batch == 0 {
		return s.persistLocked()
	}
	return nil
}

// Persist rewrites the JSON document atomically.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	doc := storeDoc{Version: 1, Insights: s.insights, SavedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode insight store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write insight store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace insight store: %w", err)
	}
	s.dirty = false
	return nil
}

func appendBounded(dst, src []string, max int) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			dst = append(dst, s)
			seen[s] = true
		}
	}
	if len(dst) > max {
		dst = dst[len(dst)-max:]
	}
	return dst
}
