package chips

import (
	"sync"

	"go.uber.org/zap"

	"spark/internal/config"
	"spark/internal/insight"
	"spark/internal/logging"
	"spark/internal/types"
)

// Processor owns the loaded chips and the chip-scoped insight store. It
// implements retrieval.ChipSource.
type Processor struct {
	mu    sync.RWMutex
	chips []*Chip
	store *insight.Store
	dir   string
	log   *zap.Logger
}

// NewProcessor loads the chip directory and opens the chip-scoped store.
func NewProcessor(dir, storePath string) (*Processor, error) {
	store, err := insight.OpenStore(storePath)
	if err != nil {
		return nil, err
	}
	p := &Processor{store: store, dir: dir, log: logging.Named("chips")}
	p.Reload()
	return p, nil
}

// Reload re-reads the chip directory. Called once per bridge cycle so
// dropped-in chips take effect without a restart.
func (p *Processor) Reload() {
	chips, errs := LoadDir(p.dir)
	for _, err := range errs {
		p.log.Warn("skipping invalid chip", zap.Error(err))
	}
	p.mu.Lock()
	p.chips = chips
	p.mu.Unlock()
}

// Len returns the number of loaded chips.
func (p *Processor) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.chips)
}

// Per-tick bounds so a flood of matching events cannot stall the bridge
// cycle or balloon the chip store in one pass.
const (
	processEventCap   = 256
	processInsightCap = 64
)

// Process runs the chips over a batch of events, accumulating chip-scoped
// insights. A chip only sees events from directories it is active in.
// Returns how many insights were produced.
func (p *Processor) Process(events []types.Event) int {
	p.mu.RLock()
	chips := p.chips
	p.mu.RUnlock()
	if len(chips) == 0 || len(events) == 0 {
		return 0
	}
	if len(events) > processEventCap {
		events = events[:processEventCap]
	}

	produced := 0
	p.store.BeginBatch()
	defer p.store.EndBatch()
	for i := range events {
		ev := &events[i]
		cwd := ev.Cwd()
		for _, chip := range chips {
			if !chip.ActiveIn(cwd) {
				continue
			}
			for _, ins := range chip.Match(ev) {
				if produced >= processInsightCap {
					return produced
				}
				if err := p.store.UpsertScoped(&ins); err != nil {
					p.log.Warn("chip insight dropped", zap.Error(err))
					continue
				}
				produced++
			}
		}
	}
	return produced
}

// ActiveInsights returns chip-scoped insights for chips active in cwd.
// Implements retrieval.ChipSource.
func (p *Processor) ActiveInsights(cwd string) []types.Insight {
	p.mu.RLock()
	chips := p.chips
	p.mu.RUnlock()

	active := make(map[string]bool, len(chips))
	for _, chip := range chips {
		if chip.ActiveIn(cwd) {
			active[chip.Name] = true
		}
	}
	if len(active) == 0 {
		return nil
	}
	var out []types.Insight
	for _, ins := range p.store.Snapshot() {
		if active[ins.SourceChip] {
			out = append(out, ins)
		}
	}
	return out
}

// Merge promotes chip insights that clear the merge thresholds into the
// global store through the write gate. Promoted insights stay in the chip
// store too; the global copy is what general retrieval sees.
func (p *Processor) Merge(gate *insight.Gate, tun config.ChipMergeTuneables) (promoted int) {
	p.mu.RLock()
	byName := make(map[string]*Chip, len(p.chips))
	for _, chip := range p.chips {
		byName[chip.Name] = chip
	}
	p.mu.RUnlock()

	for _, ins := range p.store.Snapshot() {
		chip, ok := byName[ins.SourceChip]
		if !ok {
			continue
		}
		if chip.CognitiveValue < tun.MinCognitiveValue ||
			chip.Actionability < tun.MinActionability ||
			chip.Transferability < tun.MinTransferability {
			continue
		}
		if len(ins.Text) < tun.MinStatementLen {
			continue
		}
		candidate := ins
		res, err := gate.ValidateAndStore(&candidate)
		if err != nil {
			p.log.Warn("chip merge gate error", zap.String("key", ins.Key), zap.Error(err))
			continue
		}
		if res.Stored {
			promoted++
		}
	}
	return promoted
}
