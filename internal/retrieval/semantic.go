package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"spark/internal/embedding"
	"spark/internal/logging"
)

// SemanticIndex wraps an embedded chromem-go collection over insight texts.
// It is a capability the retriever advertises, not a hard dependency: a nil
// index degrades retrieval to lexical-only.
type SemanticIndex struct {
	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	engine embedding.Engine
	log    *zap.Logger
}

// SemanticMatch is one semantic hit.
type SemanticMatch struct {
	Key        string
	Text       string
	Similarity float64
}

const semanticCollection = "insights"

// NewSemanticIndex opens (or creates) a persistent index under dir using the
// given engine for embeddings. Returns nil without error when engine is nil.
func NewSemanticIndex(dir string, engine embedding.Engine) (*SemanticIndex, error) {
	if engine == nil {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create semantic index directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "insights.gob"), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open semantic index: %w", err)
	}

	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return engine.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(semanticCollection, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("failed to open insight collection: %w", err)
	}
	return &SemanticIndex{
		db:     db,
		col:    col,
		engine: engine,
		log:    logging.Named("semantic"),
	}, nil
}

// Upsert adds or replaces the embedding for one insight key.
func (s *SemanticIndex) Upsert(ctx context.Context, key, text string, category string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.col.AddDocument(ctx, chromem.Document{
		ID:       key,
		Content:  text,
		Metadata: map[string]string{"category": category},
	})
}

// Count returns the number of indexed insights.
func (s *SemanticIndex) Count() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count()
}

// Query returns up to k matches above minSimilarity, excluding the given
// categories. An empty index returns no matches and no error.
func (s *SemanticIndex) Query(ctx context.Context, text string, k int, minSimilarity float64, excludeCategories []string) ([]SemanticMatch, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.col.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query failed: %w", err)
	}

	excluded := make(map[string]bool, len(excludeCategories))
	for _, c := range excludeCategories {
		excluded[c] = true
	}

	matches := make([]SemanticMatch, 0, len(results))
	for _, res := range results {
		if float64(res.Similarity) < minSimilarity {
			continue
		}
		if excluded[res.Metadata["category"]] {
			continue
		}
		matches = append(matches, SemanticMatch{
			Key:        res.ID,
			Text:       res.Content,
			Similarity: float64(res.Similarity),
		})
	}
	return matches, nil
}
