package advisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"spark/internal/config"
	"spark/internal/logging"
	"spark/internal/types"
)

// Synthesizer turns ranked candidates into the final advisory text. The
// programmatic path is always available; the AI path is selective and can
// fail without consequence, falling back silently.
type Synthesizer struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewSynthesizer wraps an optional genai client. A nil client forces
// programmatic synthesis regardless of tuneables.
func NewSynthesizer(client *genai.Client, model string) *Synthesizer {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Synthesizer{client: client, model: model, log: logging.Named("synth")}
}

// maxAdvisoryLen bounds emitted text so the host agent's prompt stays small.
const maxAdvisoryLen = 400

// Synthesize produces the advisory text for the chosen candidate. remaining
// is the time left inside the hard deadline; the AI path only runs when it
// fits.
func (s *Synthesizer) Synthesize(ctx context.Context, cand *types.Candidate, authority string, remaining time.Duration, tun *config.Tuneables) string {
	if s.aiEligible(authority, remaining, tun) {
		if text := s.aiSynthesize(ctx, cand, tun); text != "" {
			return text
		}
	}
	return s.programmatic(cand, authority)
}

// programmatic renders the template path. Deterministic, zero-latency.
func (s *Synthesizer) programmatic(cand *types.Candidate, authority string) string {
	text := strings.TrimSpace(cand.Text)
	if text == "" {
		return ""
	}
	if len(text) > maxAdvisoryLen {
		text = text[:maxAdvisoryLen-3] + "..."
	}
	switch authority {
	case types.AuthorityWarning:
		return fmt.Sprintf("Warning: %s", text)
	case types.AuthorityWhisper:
		return fmt.Sprintf("Consider: %s", text)
	default:
		return fmt.Sprintf("Note: %s", text)
	}
}

func (s *Synthesizer) aiEligible(authority string, remaining time.Duration, tun *config.Tuneables) bool {
	ae := tun.AdvisoryEngine
	if s.client == nil || ae.ForceProgrammaticSynth || !ae.SelectiveAISynthEnabled {
		return false
	}
	if remaining < time.Duration(ae.SelectiveAIMinRemainingMS)*time.Millisecond {
		return false
	}
	return authorityRank(authority) >= authorityRank(ae.SelectiveAIMinAuthority)
}

// aiSynthesize asks the model to compress the candidate into one or two
// sentences. Any failure returns "" and the caller falls back; the host
// agent never sees an error from this path.
func (s *Synthesizer) aiSynthesize(ctx context.Context, cand *types.Candidate, tun *config.Tuneables) string {
	timeout := time.Duration(tun.Synthesizer.AITimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rewrite the following guidance for a coding agent as one imperative sentence under 60 words. Keep concrete names and flags. Guidance: %s",
		cand.Text)
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), nil)
	if err != nil {
		s.log.Debug("ai synthesis failed, using programmatic", zap.Error(err))
		return ""
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" || len(text) > maxAdvisoryLen {
		return ""
	}
	return text
}

// authorityRank orders note < whisper < warning.
func authorityRank(authority string) int {
	switch authority {
	case types.AuthorityWarning:
		return 2
	case types.AuthorityWhisper:
		return 1
	case types.AuthorityNote:
		return 0
	}
	return 0
}
