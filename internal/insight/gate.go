package insight

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"spark/internal/logging"
	"spark/internal/types"
)

// Gate routes every insight write through Meta-Ralph. There is no other
// write path into the store: a candidate either lands in the store, lands in
// quarantine, or leaves a roast-history row behind.
type Gate struct {
	store          *Store
	scorer         Scorer
	quarantinePath string
	roastPath      string
	enabled        bool

	mu  sync.Mutex // serializes quarantine/roast appends
	log *zap.Logger
}

// GateResult reports what happened to one candidate.
type GateResult struct {
	Verdict     Verdict
	Stored      bool
	Quarantined bool
}

// NewGate wires the store, scorer, and diagnostic files together.
func NewGate(store *Store, scorer Scorer, quarantinePath, roastPath string, enabled bool) *Gate {
	if scorer == nil {
		scorer = NewMetaRalph()
	}
	return &Gate{
		store:          store,
		scorer:         scorer,
		quarantinePath: quarantinePath,
		roastPath:      roastPath,
		enabled:        enabled,
		log:            logging.Named("metaralph"),
	}
}

// Store exposes the underlying store for read-only consumers.
func (g *Gate) Store() *Store { return g.store }

// ValidateAndStore scores the candidate and applies the verdict:
//   - QUALITY: upsert (reinforcing an existing key).
//   - NEEDS_WORK: store with needs_refinement=true; retrievable but downranked.
//   - PRIMITIVE: drop, append a roast-history row.
//   - scorer failure: fail-open quarantine — the raw candidate is logged to
//     the quarantine file AND written to the store with quarantined=true so
//     no signal is lost.
func (g *Gate) ValidateAndStore(candidate *types.Insight) (GateResult, error) {
	if candidate == nil {
		return GateResult{}, fmt.Errorf("nil candidate")
	}
	if !g.enabled {
		return GateResult{Verdict: Verdict{Kind: VerdictPrimitive, Reason: "validate_and_store disabled"}}, nil
	}
	if candidate.Key == "" {
		return GateResult{}, fmt.Errorf("candidate missing key")
	}
	if r := []rune(candidate.Text); len(r) > 280 {
		candidate.Text = string(r[:280])
	}

	verdict, err := g.scorer.Score(candidate, g.store.Snapshot())
	if err != nil {
		// Fail-open quarantine. Both writes happen; a quarantine append
		// failure is logged but still does not drop the candidate.
		g.log.Warn("quality gate failed, quarantining",
			zap.String("key", candidate.Key), zap.Error(err))
		if qErr := g.appendQuarantine(candidate, err); qErr != nil {
			g.log.Error("failed to append quarantine row", zap.Error(qErr))
		}
		c := *candidate
		c.Quarantined = true
		g.store.upsert(&c)
		return GateResult{
			Verdict:     Verdict{Kind: VerdictGateError, Reason: err.Error()},
			Stored:      true,
			Quarantined: true,
		}, nil
	}

	switch verdict.Kind {
	case VerdictQuality:
		c := *candidate
		c.Quality = verdict.Scores
		c.NeedsRefinement = false
		g.store.upsert(&c)
		return GateResult{Verdict: verdict, Stored: true}, nil

	case VerdictNeedsWork:
		c := *candidate
		c.Quality = verdict.Scores
		c.NeedsRefinement = true
		g.store.upsert(&c)
		return GateResult{Verdict: verdict, Stored: true}, nil

	default: // VerdictPrimitive
		if err := g.appendRoast(candidate, verdict); err != nil {
			g.log.Warn("failed to append roast row", zap.Error(err))
		}
		return GateResult{Verdict: verdict}, nil
	}
}

type quarantineRow struct {
	TS        time.Time      `json:"ts"`
	Candidate *types.Insight `json:"candidate"`
	Error     string         `json:"error"`
}

func (g *Gate) appendQuarantine(candidate *types.Insight, cause error) error {
	row := quarantineRow{TS: time.Now().UTC(), Candidate: candidate, Error: cause.Error()}
	return g.appendJSONL(g.quarantinePath, row)
}

type roastRow struct {
	TS      time.Time `json:"ts"`
	Key     string    `json:"key"`
	Text    string    `json:"text"`
	Verdict Verdict   `json:"verdict"`
}

func (g *Gate) appendRoast(candidate *types.Insight, verdict Verdict) error {
	row := roastRow{TS: time.Now().UTC(), Key: candidate.Key, Text: candidate.Text, Verdict: verdict}
	return g.appendJSONL(g.roastPath, row)
}

func (g *Gate) appendJSONL(path string, row interface{}) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
