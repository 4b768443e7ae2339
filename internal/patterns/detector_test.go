package patterns

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/store"
)

var testPatternsCfg = config.PatternsConfig{
	DefiningLimit:         5,
	DefiningThreshold:     70,
	ExtremeHighPercentile: 95,
	ExtremeLowPercentile:  5,
	ConsistencyThreshold:  80,
}

type fakeFeatureStore struct {
	features  []store.BehavioralFeature
	latest    map[string]map[string]float64
	baselines map[string]store.PopulationBaseline
	patterns  map[string]store.UniquePattern
}

func newFakeFeatureStore(latest map[string]map[string]float64) *fakeFeatureStore {
	return &fakeFeatureStore{
		latest:    latest,
		baselines: make(map[string]store.PopulationBaseline),
		patterns:  make(map[string]store.UniquePattern),
	}
}

func (f *fakeFeatureStore) ListFeatures(_ context.Context, _ string) ([]store.BehavioralFeature, error) {
	return f.features, nil
}

func (f *fakeFeatureStore) LatestFeatureValues(_ context.Context, _ string) (map[string]map[string]float64, error) {
	return f.latest, nil
}

func (f *fakeFeatureStore) GetBaseline(_ context.Context, platform, featureType string) (store.PopulationBaseline, bool, error) {
	b, ok := f.baselines[platform+"/"+featureType]
	return b, ok, nil
}

func (f *fakeFeatureStore) UpsertPattern(_ context.Context, p store.UniquePattern) error {
	f.patterns[p.PatternType+"/"+p.PatternName] = p
	return nil
}

func (f *fakeFeatureStore) ListPatterns(_ context.Context, _ string) ([]store.UniquePattern, error) {
	out := make([]store.UniquePattern, 0, len(f.patterns))
	for _, p := range f.patterns {
		out = append(out, p)
	}
	return out, nil
}

func newTestDetector(st FeatureStore, cfg config.PatternsConfig) *Detector {
	logger := log.New(io.Discard, "", 0)
	resolver := correlation.NewResolver("does-not-exist.json", logger)
	return NewDetector(st, resolver, cfg, nil, logger)
}

func TestDetectExtremeFeature(t *testing.T) {
	st := newFakeFeatureStore(map[string]map[string]float64{
		"spotify": {"discovery_rate": 0.95},
	})
	st.baselines["spotify/discovery_rate"] = store.PopulationBaseline{
		Platform: "spotify", FeatureType: "discovery_rate", Mean: 0.42, StdDev: 0.18, SampleSize: 1000,
	}

	found, err := newTestDetector(st, testPatternsCfg).Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	var extreme *store.UniquePattern
	for i := range found {
		if found[i].PatternType == store.PatternExtremeFeature {
			extreme = &found[i]
		}
	}
	if extreme == nil {
		t.Fatal("expected an extreme_feature pattern")
	}
	if extreme.PatternName != "extreme_spotify_discovery_rate" {
		t.Fatalf("pattern name = %s", extreme.PatternName)
	}
	if extreme.PopulationPercentile < 95 {
		t.Fatalf("percentile = %v, want >= 95", extreme.PopulationPercentile)
	}
	if extreme.UniquenessScore < 90 {
		t.Fatalf("uniqueness = %v, want >= 90", extreme.UniquenessScore)
	}
	if _, ok := extreme.Evidence["z_score"]; !ok {
		t.Fatal("evidence missing z_score")
	}
	if len(st.patterns) != len(found) {
		t.Fatalf("persisted %d patterns, detected %d", len(st.patterns), len(found))
	}
}

func TestDetectMidRangeValueIgnored(t *testing.T) {
	st := newFakeFeatureStore(map[string]map[string]float64{
		"spotify": {"energy_preference": 0.5},
	})
	st.baselines["spotify/energy_preference"] = store.PopulationBaseline{
		Platform: "spotify", FeatureType: "energy_preference", Mean: 0.5, StdDev: 0.22, SampleSize: 1000,
	}

	found, err := newTestDetector(st, testPatternsCfg).Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	for _, p := range found {
		if p.PatternType == store.PatternExtremeFeature {
			t.Fatalf("mid-range value flagged as extreme: %+v", p)
		}
	}
}

func TestDetectRareCombination(t *testing.T) {
	st := newFakeFeatureStore(map[string]map[string]float64{
		"spotify": {"discovery_rate": 0.8, "repeat_listening": 0.75},
	})

	found, err := newTestDetector(st, testPatternsCfg).Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	var combo *store.UniquePattern
	for i := range found {
		if found[i].PatternType == store.PatternRareCombination {
			combo = &found[i]
		}
	}
	if combo == nil {
		t.Fatal("expected explorer_who_replays combination")
	}
	if combo.PatternName != "explorer_who_replays" {
		t.Fatalf("pattern name = %s", combo.PatternName)
	}
	if combo.UniquenessScore != 88 {
		t.Fatalf("uniqueness = %v, want 88", combo.UniquenessScore)
	}
}

func TestDetectCrossPlatformConsistency(t *testing.T) {
	// spotify discovery_rate and youtube watch_diversity both feed openness
	st := newFakeFeatureStore(map[string]map[string]float64{
		"spotify": {"discovery_rate": 0.82},
		"youtube": {"watch_diversity": 0.80},
	})

	found, err := newTestDetector(st, testPatternsCfg).Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	var cross *store.UniquePattern
	for i := range found {
		if found[i].PatternType == store.PatternCrossPlatform {
			cross = &found[i]
		}
	}
	if cross == nil {
		t.Fatal("expected a cross_platform consistency pattern")
	}
	if cross.PatternName != "consistent_openness" {
		t.Fatalf("pattern name = %s", cross.PatternName)
	}
	if cross.UniquenessScore < testPatternsCfg.ConsistencyThreshold {
		t.Fatalf("uniqueness = %v, below threshold", cross.UniquenessScore)
	}
}

func TestDetectSinglePlatformNoConsistency(t *testing.T) {
	st := newFakeFeatureStore(map[string]map[string]float64{
		"youtube": {"watch_diversity": 0.8, "educational_ratio": 0.8},
	})

	found, err := newTestDetector(st, testPatternsCfg).Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	for _, p := range found {
		if p.PatternType == store.PatternCrossPlatform {
			t.Fatalf("single platform produced a cross-platform pattern: %+v", p)
		}
	}
}

func TestDefiningCapAndThreshold(t *testing.T) {
	st := newFakeFeatureStore(map[string]map[string]float64{
		"spotify": {"discovery_rate": 0.95, "repeat_listening": 0.9, "energy_preference": 0.9, "emotional_valence": 0.1},
		"whoop":   {"sleep_consistency": 0.95},
		"github":  {"late_night_activity": 0.9},
		"youtube": {"watch_diversity": 0.93},
	})
	for platform, features := range st.latest {
		for feature := range features {
			st.baselines[platform+"/"+feature] = store.PopulationBaseline{
				Platform: platform, FeatureType: feature, Mean: 0.5, StdDev: 0.15, SampleSize: 1000,
			}
		}
	}

	cfg := testPatternsCfg
	cfg.DefiningLimit = 2
	found, err := newTestDetector(st, cfg).Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(found) <= cfg.DefiningLimit {
		t.Fatalf("scenario too small: only %d patterns detected", len(found))
	}

	defining := 0
	for i, p := range found {
		if p.IsDefining {
			defining++
			if i >= cfg.DefiningLimit {
				t.Fatalf("pattern outside the top %d marked defining: %+v", cfg.DefiningLimit, p)
			}
			if p.UniquenessScore < cfg.DefiningThreshold {
				t.Fatalf("defining pattern below threshold: %+v", p)
			}
		}
	}
	if defining == 0 {
		t.Fatal("no defining patterns marked")
	}
	if defining > cfg.DefiningLimit {
		t.Fatalf("defining count %d exceeds limit %d", defining, cfg.DefiningLimit)
	}

	// scores must come out sorted, strongest first
	for i := 1; i < len(found); i++ {
		if found[i].UniquenessScore > found[i-1].UniquenessScore {
			t.Fatalf("patterns not sorted by uniqueness at %d", i)
		}
	}
}

func TestDetectIdempotentRerun(t *testing.T) {
	st := newFakeFeatureStore(map[string]map[string]float64{
		"spotify": {"discovery_rate": 0.95},
	})
	st.baselines["spotify/discovery_rate"] = store.PopulationBaseline{
		Platform: "spotify", FeatureType: "discovery_rate", Mean: 0.42, StdDev: 0.18, SampleSize: 1000,
	}

	d := newTestDetector(st, testPatternsCfg)
	first, err := d.Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("first detect: %v", err)
	}
	second, err := d.Detect(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("re-run changed pattern count: %d vs %d", len(first), len(second))
	}
	if len(st.patterns) != len(first) {
		t.Fatalf("re-run duplicated rows: %d stored for %d detected", len(st.patterns), len(first))
	}
}
