// Package config owns the Spark state directory layout, environment
// resolution, the operator tuneables file, and the era marker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Environment variables recognized by the daemon and its clients.
const (
	EnvURL              = "SPARKD_URL"
	EnvPort             = "SPARKD_PORT"
	EnvToken            = "SPARKD_TOKEN"
	EnvStateDir         = "SPARK_STATE_DIR"
	EnvOutcomePredictor = "SPARK_OUTCOME_PREDICTOR"
	EnvDisableChips     = "SPARK_ADVISORY_DISABLE_CHIPS"
)

// DefaultPort is the loopback port sparkd binds when SPARKD_PORT is unset.
const DefaultPort = 8790

// Paths resolves every state file the daemon owns. All paths live under a
// single user-owned state directory.
type Paths struct {
	StateDir string
}

// ResolveStateDir returns the state directory, honoring SPARK_STATE_DIR and
// falling back to ~/.spark.
func ResolveStateDir() (string, error) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".spark"), nil
}

// NewPaths builds the path set and creates the directory skeleton.
func NewPaths(stateDir string) (*Paths, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state directory required")
	}
	for _, sub := range []string{"", "queue", "advisor", "exports", "chips", "logs"} {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &Paths{StateDir: stateDir}, nil
}

func (p *Paths) join(parts ...string) string {
	return filepath.Join(append([]string{p.StateDir}, parts...)...)
}

// State files per the external interface contract.
func (p *Paths) EventQueue() string         { return p.join("queue", "events.jsonl") }
func (p *Paths) QueueCursor() string        { return p.join("queue", "cursor.json") }
func (p *Paths) InsightStore() string       { return p.join("cognitive_insights.json") }
func (p *Paths) Distillations() string      { return p.join("distillations.json") }
func (p *Paths) InsightQuarantine() string  { return p.join("insight_quarantine.jsonl") }
func (p *Paths) RoastHistory() string       { return p.join("meta_ralph_roasts.jsonl") }
func (p *Paths) DecisionLedger() string     { return p.join("advisory_decision_ledger.jsonl") }
func (p *Paths) GlobalDedupe() string       { return p.join("advisory_global_dedupe.jsonl") }
func (p *Paths) LowAuthDedupe() string      { return p.join("advisory_low_auth_dedupe.jsonl") }
func (p *Paths) Effectiveness() string      { return p.join("advisor", "effectiveness.json") }
func (p *Paths) RecentAdvice() string       { return p.join("advisor", "recent_advice.jsonl") }
func (p *Paths) AdvisorMetrics() string     { return p.join("advisor", "metrics.json") }
func (p *Paths) OutcomeLinks() string       { return p.join("outcome_links.jsonl") }
func (p *Paths) BridgeHeartbeat() string    { return p.join("bridge_worker_heartbeat.json") }
func (p *Paths) DaemonHeartbeat() string    { return p.join("sparkd_heartbeat.json") }
func (p *Paths) SchedulerHeartbeat() string { return p.join("scheduler_heartbeat.json") }
func (p *Paths) Tuneables() string          { return p.join("tuneables.json") }
func (p *Paths) Era() string                { return p.join("era.json") }
func (p *Paths) Exports() string            { return p.join("exports") }
func (p *Paths) ChipsDir() string           { return p.join("chips") }
func (p *Paths) ChipInsightStore() string   { return p.join("chip_insights.json") }
func (p *Paths) TokenFile() string          { return p.join("token") }
func (p *Paths) StateLock() string          { return p.join("sparkd.lock") }
func (p *Paths) SemanticIndex() string      { return p.join("semantic_index") }

// ResolveToken resolves the bearer token: CLI flag > environment > token
// file under the state dir. Empty string means no token is configured and
// ingest must reject with 401.
func ResolveToken(cliToken string, paths *Paths) string {
	if cliToken != "" {
		return cliToken
	}
	if tok := os.Getenv(EnvToken); tok != "" {
		return tok
	}
	if paths != nil {
		if data, err := os.ReadFile(paths.TokenFile()); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// ResolvePort returns the listen port, honoring SPARKD_PORT.
func ResolvePort() int {
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return DefaultPort
}

// OutcomePredictorEnabled reports whether the smoothed failure-probability
// table is feature-gated on.
func OutcomePredictorEnabled() bool {
	return envBool(EnvOutcomePredictor)
}

// ChipsDisabled reports the benchmark ablation flag.
func ChipsDisabled() bool {
	return envBool(EnvDisableChips)
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
