package outcome

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spark/internal/advisor"
	"spark/internal/insight"
	"spark/internal/logging"
	"spark/internal/retrieval"
	"spark/internal/types"
)

// linkWindow is how far back a signal can reach when looking for advice to
// credit or blame.
const linkWindow = 30 * time.Minute

// minLinkConfidence drops links too weak to justify moving reliability.
const minLinkConfidence = 0.15

// Loop links detected outcome signals to recent advice and writes the
// results back into reliability, distillation counters, and the
// effectiveness store.
type Loop struct {
	store    *insight.Store
	distills *insight.Distillations
	eff      *advisor.Effectiveness

	linksPath        string
	recentAdvicePath string
	log              *zap.Logger

	mu sync.Mutex
}

// NewLoop wires the feedback loop.
func NewLoop(store *insight.Store, distills *insight.Distillations, eff *advisor.Effectiveness, linksPath, recentAdvicePath string) *Loop {
	return &Loop{
		store:            store,
		distills:         distills,
		eff:              eff,
		linksPath:        linksPath,
		recentAdvicePath: recentAdvicePath,
		log:              logging.Named("outcome"),
	}
}

// HandleEvent inspects one event for an outcome signal and, when found,
// links it to advice given in the session within the window. Errors are
// logged, never propagated; the loop must not disturb ingestion.
func (l *Loop) HandleEvent(ev *types.Event) {
	sig, ok := Detect(ev)
	if !ok {
		return
	}
	now := ev.TS
	if now.IsZero() {
		now = time.Now()
	}

	rows, err := l.recentAdvice(ev.SessionID, now)
	if err != nil {
		l.log.Warn("failed to read recent advice", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	for i := range rows {
		row := &rows[i]
		recency := 1 - now.Sub(row.TS).Seconds()/linkWindow.Seconds()
		if recency <= 0 {
			continue
		}
		match := contextMatch(sig, row)
		confidence := sig.Confidence * recency * (0.4 + 0.6*match)
		if confidence < minLinkConfidence {
			continue
		}

		link := types.OutcomeLink{
			ID:           uuid.NewString(),
			Kind:         sig.Kind,
			InsightKey:   row.Item.InsightKey,
			AdviceID:     row.Item.ID,
			TraceID:      row.Item.TraceID,
			SessionID:    ev.SessionID,
			Recency:      recency,
			ContextMatch: match,
			Confidence:   confidence,
			DetectedAt:   now.UTC(),
		}
		if err := l.appendLink(&link); err != nil {
			l.log.Warn("failed to append outcome link", zap.Error(err))
			continue
		}
		l.apply(&link, row)
	}
}

// apply routes the link back into the stores that own the advice's source.
func (l *Loop) apply(link *types.OutcomeLink, row *advisor.RecentAdviceRow) {
	success := link.Kind == types.OutcomeSuccess

	switch row.Item.Source {
	case types.SourceCognitive, types.SourceSemantic, types.SourceChip:
		if link.InsightKey != "" {
			l.store.UpdateReliability(link.InsightKey, success)
		}
	case types.SourceEidos:
		if link.InsightKey != "" {
			if err := l.distills.RecordOutcome(link.InsightKey, success); err != nil {
				l.log.Debug("distillation outcome dropped", zap.Error(err))
			}
		}
	}

	if link.ContextMatch >= 0.5 {
		l.eff.RecordFollowed(row.Item.ID, row.Item.Source)
	}
	if success {
		l.eff.RecordHelpful(row.Item.ID, row.Item.Source)
	} else {
		l.eff.RecordUnhelpful(row.Item.ID, row.Item.Source)
	}
}

// contextMatch measures token overlap between the signal and the advice.
// Tool failures also get an exact tool-name check.
func contextMatch(sig Signal, row *advisor.RecentAdviceRow) float64 {
	if sig.Tool != "" && sig.Tool == row.Item.Tool {
		return 1.0
	}
	sigTokens := retrieval.Tokenize(sig.Text)
	if len(sigTokens) == 0 {
		return 0.3
	}
	adviceTokens := make(map[string]bool)
	for _, tok := range retrieval.Tokenize(row.Item.Text) {
		adviceTokens[tok] = true
	}
	present := 0
	for _, tok := range sigTokens {
		if adviceTokens[tok] {
			present++
		}
	}
	return float64(present) / float64(len(sigTokens))
}

// recentAdvice reads the emitted-advice log and keeps rows for the session
// inside the link window.
func (l *Loop) recentAdvice(sessionID string, now time.Time) ([]advisor.RecentAdviceRow, error) {
	f, err := os.Open(l.recentAdvicePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cutoff := now.Add(-linkWindow)
	var out []advisor.RecentAdviceRow
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var row advisor.RecentAdviceRow
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			continue
		}
		if row.SessionID != sessionID || row.TS.Before(cutoff) {
			continue
		}
		out = append(out, row)
	}
	return out, sc.Err()
}

func (l *Loop) appendLink(link *types.OutcomeLink) error {
	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to encode outcome link: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.linksPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadLinks returns every recorded outcome link in order.
func ReadLinks(path string) ([]types.OutcomeLink, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []types.OutcomeLink
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var link types.OutcomeLink
		if err := json.Unmarshal(sc.Bytes(), &link); err != nil {
			continue
		}
		out = append(out, link)
	}
	return out, sc.Err()
}
