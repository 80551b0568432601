package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Era marks the current generation of the state directory. Archiving an era
// gives the operator a clean slate without deleting history.
type Era struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// LoadEra reads the era marker, creating one on first run. A corrupt marker
// is fatal: the operator must resolve it explicitly rather than have the
// daemon guess which era it is in.
func LoadEra(path string) (*Era, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			era := &Era{
				ID:        newEraID(),
				StartedAt: time.Now().UTC(),
			}
			if err := writeEra(path, era); err != nil {
				return nil, err
			}
			return era, nil
		}
		return nil, fmt.Errorf("failed to read era marker: %w", err)
	}

	var era Era
	if err := json.Unmarshal(data, &era); err != nil {
		return nil, fmt.Errorf("corrupt era marker %s: %w", path, err)
	}
	if era.ID == "" {
		return nil, fmt.Errorf("corrupt era marker %s: missing id", path)
	}
	return &era, nil
}

// ArchiveEra moves the mutable state files into archive/<era-id>/ and writes
// a fresh era marker. The queue and ledgers move; tuneables and the token
// stay.
func ArchiveEra(paths *Paths) (*Era, error) {
	old, err := LoadEra(paths.Era())
	if err != nil {
		return nil, err
	}

	archiveDir := filepath.Join(paths.StateDir, "archive", old.ID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	movable := []string{
		paths.EventQueue(),
		paths.InsightStore(),
		paths.Distillations(),
		paths.InsightQuarantine(),
		paths.RoastHistory(),
		paths.DecisionLedger(),
		paths.GlobalDedupe(),
		paths.LowAuthDedupe(),
		paths.Effectiveness(),
		paths.RecentAdvice(),
		paths.AdvisorMetrics(),
		paths.OutcomeLinks(),
	}
	for _, src := range movable {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(archiveDir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("failed to archive %s: %w", src, err)
		}
	}

	fresh := &Era{
		ID:        newEraID(),
		StartedAt: time.Now().UTC(),
	}
	if err := writeEra(paths.Era(), fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// newEraID combines a readable timestamp with a short random suffix so two
// eras minted in the same second still differ.
func newEraID() string {
	return fmt.Sprintf("era-%s-%s",
		time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

func writeEra(path string, era *Era) error {
	data, err := json.MarshalIndent(era, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write era marker: %w", err)
	}
	return os.Rename(tmp, path)
}
