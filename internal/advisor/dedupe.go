package advisor

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"spark/internal/types"
)

// Fingerprint hashes normalized advisory text. Normalization strips case,
// digits, and whitespace runs so trivially reworded repeats still collide.
func Fingerprint(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = regexp.MustCompile(`\d+`).ReplaceAllString(norm, "#")
	norm = regexp.MustCompile(`\s+`).ReplaceAllString(norm, " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

// =============================================================================
// SESSION DEDUPE - last-N window per session, in-memory only
// =============================================================================

// sessionDedupe suppresses repeats of the same normalized text within one
// session. State dies with the session; persistence is the global dedupe's
// job.
type sessionDedupe struct {
	mu      sync.Mutex
	window  int
	bySess  map[string][]string
}

func newSessionDedupe(window int) *sessionDedupe {
	if window <= 0 {
		window = 20
	}
	return &sessionDedupe{window: window, bySess: make(map[string][]string)}
}

// SeenAndRecord reports whether hash already appeared in the session window
// and records it either way.
func (d *sessionDedupe) SeenAndRecord(sessionID, hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring := d.bySess[sessionID]
	for _, h := range ring {
		if h == hash {
			return true
		}
	}
	ring = append(ring, hash)
	if len(ring) > d.window {
		ring = ring[len(ring)-d.window:]
	}
	d.bySess[sessionID] = ring
	return false
}

// =============================================================================
// GLOBAL DEDUPE - persistent across restarts
// =============================================================================

// globalDedupe persists emission fingerprints so a restart cannot re-emit
// advice that is still inside the dedupe TTL. Warning-level emissions land
// in the main file, note and whisper emissions in the low-authority file;
// Seen consults the union.
type globalDedupe struct {
	mu          sync.Mutex
	path        string
	lowAuthPath string
	seen        map[string]time.Time
}

type dedupeRow struct {
	Hash      string    `json:"hash"`
	TS        time.Time `json:"ts"`
	Authority string    `json:"authority,omitempty"`
}

// openGlobalDedupe loads both dedupe files; a missing file is an empty
// state. An empty lowAuthPath folds everything into the main file.
func openGlobalDedupe(path, lowAuthPath string) (*globalDedupe, error) {
	if lowAuthPath == "" {
		lowAuthPath = path
	}
	d := &globalDedupe{path: path, lowAuthPath: lowAuthPath, seen: make(map[string]time.Time)}
	for _, p := range []string{path, lowAuthPath} {
		if err := loadDedupeFile(p, d.seen); err != nil {
			return nil, err
		}
		if lowAuthPath == path {
			break
		}
	}
	return d, nil
}

func loadDedupeFile(path string, seen map[string]time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row dedupeRow
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			continue
		}
		if existing, ok := seen[row.Hash]; !ok || row.TS.After(existing) {
			seen[row.Hash] = row.TS
		}
	}
	return sc.Err()
}

// Seen reports whether hash was recorded within ttl.
func (d *globalDedupe) Seen(hash string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts, ok := d.seen[hash]
	if !ok {
		return false
	}
	return time.Since(ts) < ttl
}

// Record persists hash with the current timestamp, routed by authority.
func (d *globalDedupe) Record(hash, authority string) error {
	now := time.Now().UTC()
	d.mu.Lock()
	d.seen[hash] = now
	d.mu.Unlock()

	data, err := json.Marshal(dedupeRow{Hash: hash, TS: now, Authority: authority})
	if err != nil {
		return err
	}
	target := d.path
	if authority != types.AuthorityWarning {
		target = d.lowAuthPath
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
