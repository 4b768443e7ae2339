package patterns

import (
	"testing"

	"github.com/pkazemian/personify/internal/store"
)

func TestIndexSearchScopedToUser(t *testing.T) {
	ix, err := NewIndex()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	err = ix.IndexAll([]store.UniquePattern{
		{UserID: "u1", PatternType: store.PatternRareCombination, PatternName: "disciplined_night_owl",
			Description: "codes deep into the night yet keeps a consistent sleep schedule", UniquenessScore: 85},
		{UserID: "u1", PatternType: store.PatternExtremeFeature, PatternName: "extreme_spotify_discovery_rate",
			Description: "spotify discovery sits in the top 1% of the population", UniquenessScore: 98},
		{UserID: "u2", PatternType: store.PatternRareCombination, PatternName: "disciplined_night_owl",
			Description: "codes deep into the night yet keeps a consistent sleep schedule", UniquenessScore: 85},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	hits, err := ix.Search("u1", "night sleep", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].UserID != "u1" || hits[0].PatternName != "disciplined_night_owl" {
		t.Fatalf("wrong hit: %+v", hits[0])
	}
}

func TestIndexReindexUpdatesInPlace(t *testing.T) {
	ix, err := NewIndex()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	p := store.UniquePattern{
		UserID: "u1", PatternType: store.PatternExtremeFeature, PatternName: "extreme_whoop_sleep_consistency",
		Description: "sleep consistency in the top 2%", UniquenessScore: 96,
	}
	if err := ix.IndexAll([]store.UniquePattern{p}); err != nil {
		t.Fatalf("index: %v", err)
	}
	p.UniquenessScore = 91
	if err := ix.IndexAll([]store.UniquePattern{p}); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	hits, err := ix.Search("u1", "sleep", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1 after reindex", len(hits))
	}
	if hits[0].UniquenessScore != 91 {
		t.Fatalf("stale document served: %+v", hits[0])
	}
}
