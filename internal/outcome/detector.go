// Package outcome closes the feedback loop: it detects success and failure
// signals in the event stream, links them to recently given advice and
// retrieved insights, and feeds the links back into reliability scores and
// the auto-tuner.
package outcome

import (
	"strings"

	"spark/internal/types"
)

// Signal is one detected success or failure observation.
type Signal struct {
	Kind       types.OutcomeKind
	Confidence float64
	Text       string
	Tool       string
}

// phraseEntry maps a user-message phrase to a signal with a fixed
// confidence. Phrases are matched as substrings of the lowercased message.
type phraseEntry struct {
	phrase     string
	kind       types.OutcomeKind
	confidence float64
}

var phraseTable = []phraseEntry{
	{"that worked", types.OutcomeSuccess, 0.9},
	{"that fixed it", types.OutcomeSuccess, 0.9},
	{"perfect", types.OutcomeSuccess, 0.7},
	{"tests pass", types.OutcomeSuccess, 0.8},
	{"looks good", types.OutcomeSuccess, 0.6},
	{"thanks", types.OutcomeSuccess, 0.4},

	{"that broke", types.OutcomeFailure, 0.9},
	{"still failing", types.OutcomeFailure, 0.9},
	{"didn't work", types.OutcomeFailure, 0.85},
	{"does not work", types.OutcomeFailure, 0.85},
	{"still broken", types.OutcomeFailure, 0.85},
	{"made it worse", types.OutcomeFailure, 0.9},
	{"revert that", types.OutcomeFailure, 0.8},
	{"wrong", types.OutcomeFailure, 0.5},
}

// Detect extracts a signal from an event, if any. User messages go through
// the phrase table; tool results are direct signals: a failure is a strong
// negative, a clean completion a weak positive.
func Detect(ev *types.Event) (Signal, bool) {
	switch ev.Kind {
	case types.KindUserPrompt, types.KindMessage:
		text := strings.ToLower(ev.Text())
		if text == "" {
			return Signal{}, false
		}
		best := Signal{}
		for _, entry := range phraseTable {
			if strings.Contains(text, entry.phrase) && entry.confidence > best.Confidence {
				best = Signal{Kind: entry.kind, Confidence: entry.confidence, Text: ev.Text()}
			}
		}
		return best, best.Confidence > 0

	case types.KindPostTool:
		return Signal{
			Kind:       types.OutcomeSuccess,
			Confidence: 0.4,
			Text:       ev.ToolInputString(),
			Tool:       ev.ToolName(),
		}, true

	case types.KindPostToolFailure:
		return Signal{
			Kind:       types.OutcomeFailure,
			Confidence: 0.8,
			Text:       ev.ToolInputString(),
			Tool:       ev.ToolName(),
		}, true
	}
	return Signal{}, false
}
