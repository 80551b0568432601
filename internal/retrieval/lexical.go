// Package retrieval implements the hybrid candidate pipeline for the
// advisory engine: lexical scoring over insights, an optional semantic
// index, rank fusion over both, and a deterministic baseline safety net.
package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"spark/internal/types"
)

// =============================================================================
// TOKENIZATION
// =============================================================================

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_./-]+`)

// stopwords are dropped from queries and documents before scoring.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"be": true, "to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true, "and": true,
	"or": true, "not": true, "this": true, "that": true, "it": true, "its": true,
	"you": true, "your": true, "will": true, "can": true, "do": true, "does": true,
	"has": true, "have": true, "had": true, "but": true, "if": true, "then": true,
	"when": true, "all": true, "any": true, "into": true, "out": true, "up": true,
}

// Tokenize lowercases and splits text into scoring tokens.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// =============================================================================
// LEXICAL SCORING (BM25)
// =============================================================================

// bm25 constants; standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// LexicalHit is one insight ranked by lexical relevance.
type LexicalHit struct {
	Insight types.Insight
	Score   float64
	Matched []string
}

// LexicalSearch scores insights against query tokens with BM25 and returns
// the top limit hits in descending score order.
func LexicalSearch(insights []types.Insight, queryTokens []string, limit int) []LexicalHit {
	if len(insights) == 0 || len(queryTokens) == 0 {
		return nil
	}

	docs := make([][]string, len(insights))
	totalLen := 0
	df := make(map[string]int)
	for i := range insights {
		docs[i] = Tokenize(insights[i].Text)
		totalLen += len(docs[i])
		seen := make(map[string]bool)
		for _, tok := range docs[i] {
			if !seen[tok] {
				df[tok]++
				seen[tok] = true
			}
		}
	}
	avgLen := float64(totalLen) / float64(len(insights))
	if avgLen == 0 {
		return nil
	}

	n := float64(len(insights))
	hits := make([]LexicalHit, 0, len(insights))
	for i := range insights {
		tf := make(map[string]int)
		for _, tok := range docs[i] {
			tf[tok]++
		}
		var score float64
		var matched []string
		for _, qt := range queryTokens {
			freq := tf[qt]
			if freq == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			denom := float64(freq) + bm25K1*(1-bm25B+bm25B*float64(len(docs[i]))/avgLen)
			score += idf * float64(freq) * (bm25K1 + 1) / denom
			matched = append(matched, qt)
		}
		if score > 0 {
			hits = append(hits, LexicalHit{Insight: insights[i], Score: score, Matched: matched})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
