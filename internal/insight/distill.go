package insight

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"spark/internal/types"
)

// Distillations is the store of higher-order statements (heuristics,
// playbooks, principles). Same persistence discipline as the insight store:
// one JSON document, tmp + rename.
type Distillations struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*types.Distillation
}

type distillDoc struct {
	Version int                            `json:"version"`
	Entries map[string]*types.Distillation `json:"entries"`
	SavedAt time.Time                      `json:"saved_at"`
}

// OpenDistillations loads or creates the distillation store.
func OpenDistillations(path string) (*Distillations, error) {
	d := &Distillations{path: path, entries: make(map[string]*types.Distillation)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("failed to read distillations: %w", err)
	}
	var doc distillDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt distillation store %s: %w", path, err)
	}
	if doc.Entries != nil {
		d.entries = doc.Entries
	}
	return d, nil
}

// Upsert inserts or updates a distillation by id.
func (d *Distillations) Upsert(entry *types.Distillation) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("distillation requires an id")
	}
	now := time.Now().UTC()
	d.mu.Lock()
	existing, ok := d.entries[entry.ID]
	if !ok {
		c := *entry
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		d.entries[c.ID] = &c
	} else {
		existing.Statement = entry.Statement
		existing.Type = entry.Type
		existing.UpdatedAt = now
	}
	d.mu.Unlock()
	return d.persist()
}

// RecordRetrieved bumps the retrieval counter for the given ids.
func (d *Distillations) RecordRetrieved(ids ...string) {
	d.mu.Lock()
	for _, id := range ids {
		if e, ok := d.entries[id]; ok {
			e.TimesRetrieved++
		}
	}
	d.mu.Unlock()
}

// RecordOutcome updates validation counters for a distillation.
func (d *Distillations) RecordOutcome(id string, helped bool) error {
	d.mu.Lock()
	e, ok := d.entries[id]
	if ok {
		e.TimesUsed++
		if helped {
			e.TimesHelped++
			e.ValidationCount++
		} else {
			e.ContradictionCount++
		}
		e.UpdatedAt = time.Now().UTC()
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown distillation %s", id)
	}
	return d.persist()
}

// Snapshot returns all distillations, most validated first.
func (d *Distillations) Snapshot() []types.Distillation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Distillation, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidationCount != out[j].ValidationCount {
			return out[i].ValidationCount > out[j].ValidationCount
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (d *Distillations) persist() error {
	d.mu.RLock()
	doc := distillDoc{Version: 1, Entries: d.entries, SavedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(doc, "", "  ")
	d.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode distillations: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write distillations: %w", err)
	}
	return os.Rename(tmp, d.path)
}
