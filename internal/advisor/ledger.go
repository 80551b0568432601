// Package advisor implements the pre-tool advisory engine: context build,
// packet cache, retrieval, synthesis, the emission gate, and the decision
// ledger. The whole pipeline is fail-open: the host agent is never blocked
// by Spark.
package advisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"spark/internal/types"
)

// Ledger is the append-only audit of every advisory decision, emitted or
// suppressed.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger creates a ledger writer for path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Append writes one decision row. Every advisory call ends here exactly
// once.
func (l *Ledger) Append(d *types.Decision) error {
	if d.TS.IsZero() {
		d.TS = time.Now().UTC()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open decision ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

// ReadAll returns every ledger row in order. Used by stats and tests.
func (l *Ledger) ReadAll() ([]types.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []types.Decision
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var d types.Decision
		if err := json.Unmarshal(line, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, sc.Err()
}
