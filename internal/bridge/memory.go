package bridge

import (
	"fmt"
	"regexp"
	"strings"

	"spark/internal/types"
)

// =============================================================================
// MEMORY CAPTURE - explicit markers in user text
// =============================================================================

// markerCategories maps the explicit capture markers to insight categories.
var markerCategories = map[string]types.InsightCategory{
	"REMEMBER":   types.CategoryContext,
	"DECISION":   types.CategoryDecision,
	"PREFERENCE": types.CategoryPreference,
	"CORRECTION": types.CategorySignal,
}

var markerPattern = regexp.MustCompile(`(?m)^\s*(REMEMBER|DECISION|PREFERENCE|CORRECTION)\s*[:\-]\s*(.+)$`)

// CaptureMemories extracts explicitly marked statements from user prompts
// and messages. A trailing "because ..." clause stays attached; it is what
// gives the candidate its reasoning.
func CaptureMemories(events []types.Event) []types.Insight {
	var out []types.Insight
	for i := range events {
		ev := &events[i]
		if ev.Kind != types.KindUserPrompt && ev.Kind != types.KindMessage {
			continue
		}
		text := ev.Text()
		if text == "" {
			continue
		}
		for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
			marker, statement := m[1], strings.TrimSpace(m[2])
			if statement == "" {
				continue
			}
			out = append(out, types.Insight{
				Key:        fmt.Sprintf("%s:%s", strings.ToLower(marker), slugify(statement)),
				Text:       statement,
				Category:   markerCategories[marker],
				Confidence: 0.8,
				Evidence:   []string{"explicit " + marker + " marker"},
			})
		}
	}
	return out
}

// =============================================================================
// TASTE PARSE - implicit preference phrases
// =============================================================================

var tastePattern = regexp.MustCompile(`(?i)\bI\s+(really\s+)?(like|prefer|love|hate|avoid)\s+([^.!?\n]{8,120})`)

// ParseTaste extracts implicit preferences ("I prefer table-driven tests")
// from user text. Lower confidence than explicit markers.
func ParseTaste(events []types.Event) []types.Insight {
	var out []types.Insight
	for i := range events {
		ev := &events[i]
		if ev.Kind != types.KindUserPrompt && ev.Kind != types.KindMessage {
			continue
		}
		for _, m := range tastePattern.FindAllStringSubmatch(ev.Text(), -1) {
			verb := strings.ToLower(m[2])
			object := strings.TrimSpace(m[3])
			polarity := "prefers"
			if verb == "hate" || verb == "avoid" {
				polarity = "avoids"
			}
			statement := fmt.Sprintf("User %s %s", polarity, object)
			out = append(out, types.Insight{
				Key:        fmt.Sprintf("preference:%s", slugify(object)),
				Text:       statement,
				Category:   types.CategoryPreference,
				Confidence: 0.6,
				Evidence:   []string{truncate(m[0], 120)},
			})
		}
	}
	return out
}

// =============================================================================
// PATTERN DETECTION - repeated tool sequences
// =============================================================================

// minSequenceCount is how often a tool bigram must repeat in one batch
// before it becomes a candidate heuristic.
const minSequenceCount = 3

// DetectPatterns finds tool-call sequences that repeat within the batch and
// proposes them as heuristic distillations.
func DetectPatterns(events []types.Event) []types.Distillation {
	var tools []string
	for i := range events {
		ev := &events[i]
		if ev.Kind != types.KindPostTool && ev.Kind != types.KindTool {
			continue
		}
		if name := ev.ToolName(); name != "" {
			tools = append(tools, name)
		}
	}
	if len(tools) < 2 {
		return nil
	}

	counts := make(map[string]int)
	for i := 0; i+1 < len(tools); i++ {
		if tools[i] == tools[i+1] {
			continue
		}
		counts[tools[i]+">"+tools[i+1]]++
	}

	var out []types.Distillation
	for pair, n := range counts {
		if n < minSequenceCount {
			continue
		}
		parts := strings.SplitN(pair, ">", 2)
		out = append(out, types.Distillation{
			ID:        "heuristic:seq:" + slugify(pair),
			Type:      types.DistillHeuristic,
			Statement: fmt.Sprintf("%s is typically followed by %s in this workflow; consider pairing them", parts[0], parts[1]),
		})
	}
	return out
}

// =============================================================================
// PREDICTION + VALIDATION
// =============================================================================

// failureSignalFloor is the failure count in one batch that turns a tool
// bucket into a cautionary signal insight.
const failureSignalFloor = 3

// PredictFailures turns batches with repeated tool failures into signal
// insights the advisor can surface before the next similar call.
func PredictFailures(events []types.Event) []types.Insight {
	failures := make(map[string]int)
	attempts := make(map[string]int)
	samples := make(map[string]string)
	for i := range events {
		ev := &events[i]
		switch ev.Kind {
		case types.KindPostTool:
			attempts[ev.ToolName()]++
		case types.KindPostToolFailure:
			tool := ev.ToolName()
			attempts[tool]++
			failures[tool]++
			if samples[tool] == "" {
				samples[tool] = truncate(ev.ToolInputString(), 120)
			}
		}
	}

	var out []types.Insight
	for tool, n := range failures {
		if n < failureSignalFloor || tool == "" {
			continue
		}
		out = append(out, types.Insight{
			Key:        fmt.Sprintf("signal:failing:%s", slugify(tool)),
			Text:       fmt.Sprintf("%s calls failed %d of %d times recently because the same command keeps erroring; check the failing invocation before retrying", tool, n, attempts[tool]),
			Category:   types.CategorySignal,
			Confidence: 0.7,
			Evidence:   []string{samples[tool]},
		})
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify reduces a statement to a stable key fragment.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 48 {
		s = s[:48]
		s = strings.Trim(s, "-")
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
