package patterns

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/pkazemian/personify/internal/store"
)

// Index is an in-memory full-text index over detected patterns, refreshed on
// every detection run. It backs the pattern search endpoint.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	docs  map[string]store.UniquePattern
}

type patternDoc struct {
	UserID      string  `json:"user_id"`
	PatternType string  `json:"pattern_type"`
	PatternName string  `json:"pattern_name"`
	Description string  `json:"description"`
	Uniqueness  float64 `json:"uniqueness"`
}

func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating pattern index: %w", err)
	}
	return &Index{bleve: idx, docs: make(map[string]store.UniquePattern)}, nil
}

func docID(p store.UniquePattern) string {
	return strings.Join([]string{p.UserID, p.PatternType, p.PatternName}, "|")
}

// IndexAll upserts the given patterns into the search index.
func (ix *Index) IndexAll(patterns []store.UniquePattern) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, p := range patterns {
		id := docID(p)
		doc := patternDoc{
			UserID:      p.UserID,
			PatternType: p.PatternType,
			PatternName: p.PatternName,
			Description: p.Description,
			Uniqueness:  p.UniquenessScore,
		}
		if err := ix.bleve.Index(id, doc); err != nil {
			return err
		}
		ix.docs[id] = p
	}
	return nil
}

// Search runs a query-string search scoped to one user and returns up to k
// matching patterns, best first.
func (ix *Index) Search(userID, q string, k int) ([]store.UniquePattern, error) {
	if k <= 0 {
		k = 10
	}
	query := bleve.NewQueryStringQuery(q)
	// over-fetch, then filter to the requesting user
	req := bleve.NewSearchRequestOptions(query, k*4, 0, false)
	res, err := ix.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []store.UniquePattern
	for _, hit := range res.Hits {
		p, ok := ix.docs[hit.ID]
		if !ok || p.UserID != userID {
			continue
		}
		out = append(out, p)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}
