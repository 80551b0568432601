// Package chips implements pluggable domain observers. A chip is a YAML
// file dropped into <state>/chips/ that watches the event stream for
// domain-specific patterns and produces chip-scoped insights. Chip insights
// live in their own store and only reach the global insight store through
// the merge step, which applies the chip-merge thresholds and the write
// gate.
package chips

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"spark/internal/types"
)

// Chip is one observer definition as parsed from YAML.
type Chip struct {
	Name        string `yaml:"name"`
	Version     int    `yaml:"version"`
	Description string `yaml:"description"`

	// Activation restricts where the chip's insights are offered during
	// retrieval. Empty means active everywhere.
	Activation struct {
		PathContains []string `yaml:"path_contains"`
	} `yaml:"activation"`

	Triggers []Trigger `yaml:"triggers"`

	// Scoring hints used by the merge step.
	CognitiveValue  float64 `yaml:"cognitive_value"`
	Actionability   float64 `yaml:"actionability"`
	Transferability float64 `yaml:"transferability"`
}

// Trigger matches one event shape and yields a templated insight.
type Trigger struct {
	Tool    string `yaml:"tool,omitempty"`
	Kind    string `yaml:"kind,omitempty"`
	Pattern string `yaml:"pattern"`

	Insight struct {
		Key      string `yaml:"key"`
		Text     string `yaml:"text"`
		Category string `yaml:"category"`
	} `yaml:"insight"`

	compiled *regexp.Regexp
}

// ActiveIn reports whether the chip applies to the given working directory.
func (c *Chip) ActiveIn(cwd string) bool {
	if len(c.Activation.PathContains) == 0 {
		return true
	}
	for _, frag := range c.Activation.PathContains {
		if frag != "" && strings.Contains(cwd, frag) {
			return true
		}
	}
	return false
}

// Match runs the chip's triggers against one event and returns the insights
// they produce.
func (c *Chip) Match(ev *types.Event) []types.Insight {
	var out []types.Insight
	input := ev.ToolInputString()
	if input == "" {
		input = ev.Text()
	}
	for i := range c.Triggers {
		tr := &c.Triggers[i]
		if tr.Tool != "" && tr.Tool != ev.ToolName() {
			continue
		}
		if tr.Kind != "" && tr.Kind != string(ev.Kind) {
			continue
		}
		if tr.compiled == nil || !tr.compiled.MatchString(input) {
			continue
		}
		category := types.InsightCategory(tr.Insight.Category)
		if category == "" {
			category = types.CategorySignal
		}
		out = append(out, types.Insight{
			Key:        tr.Insight.Key,
			Text:       tr.Insight.Text,
			Category:   category,
			Confidence: 0.6,
			SourceChip: c.Name,
			Evidence:   []string{truncate(input, 120)},
		})
	}
	return out
}

// LoadDir parses every *.yaml chip in dir. Invalid chips are skipped with an
// error in the returned slice; one bad chip must not take down the rest.
func LoadDir(dir string) ([]*Chip, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}
	var chips []*Chip
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		chip, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("chip %s: %w", name, err))
			continue
		}
		chips = append(chips, chip)
	}
	return chips, errs
}

func loadFile(path string) (*Chip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chip Chip
	if err := yaml.Unmarshal(data, &chip); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	if chip.Name == "" {
		return nil, fmt.Errorf("chip requires a name")
	}
	for i := range chip.Triggers {
		tr := &chip.Triggers[i]
		if tr.Pattern == "" || tr.Insight.Key == "" || tr.Insight.Text == "" {
			return nil, fmt.Errorf("trigger %d incomplete", i)
		}
		re, err := regexp.Compile(tr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("trigger %d pattern: %w", i, err)
		}
		tr.compiled = re
	}
	return &chip, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
