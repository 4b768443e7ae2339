package evidence

import (
	"io"
	"log"
	"math"
	"testing"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/traits"
)

var testScoring = config.ScoringConfig{
	EvidenceWeightScale: 0.1,
	ConfidenceBase:      0.5,
	ConfidenceDivisor:   1000,
	ConfidenceCap:       0.95,
}

func newTestGenerator() *Generator {
	logger := log.New(io.Discard, "", 0)
	resolver := correlation.NewResolver("does-not-exist.json", logger)
	return NewGenerator(resolver, testScoring, logger)
}

func TestGenerateTagsDimensions(t *testing.T) {
	g := newTestGenerator()
	out := g.Generate(map[string]map[string]float64{
		"spotify": {"discovery_rate": 0.9},
	})

	items, ok := out[traits.Openness]
	if !ok || len(items) != 1 {
		t.Fatalf("expected one openness item, got %+v", out)
	}
	it := items[0]
	if it.Platform != "spotify" || it.Feature != "discovery_rate" {
		t.Fatalf("item mislabelled: %+v", it)
	}
	if it.Correlation != 0.45 {
		t.Fatalf("correlation = %v, want 0.45", it.Correlation)
	}
	if it.EffectSize != correlation.EffectMedium {
		t.Fatalf("effect size = %s, want medium", it.EffectSize)
	}
	if it.Template == "" {
		t.Fatal("missing narrative template")
	}
}

func TestGenerateTemplateSelection(t *testing.T) {
	g := newTestGenerator()

	high := g.Generate(map[string]map[string]float64{"spotify": {"discovery_rate": 0.8}})
	low := g.Generate(map[string]map[string]float64{"spotify": {"discovery_rate": 0.2}})

	if high[traits.Openness][0].Template == low[traits.Openness][0].Template {
		t.Fatal("high and low values should select different templates")
	}
}

func TestGenerateSkipsUnknownFeatures(t *testing.T) {
	g := newTestGenerator()
	out := g.Generate(map[string]map[string]float64{
		"spotify": {"not_a_feature": 0.9},
		"fitbit":  {"steps": 0.5},
	})
	if len(out) != 0 {
		t.Fatalf("unknown features should produce no evidence, got %+v", out)
	}
}

func TestConfidenceFromSampleSize(t *testing.T) {
	g := newTestGenerator()

	if got := g.Confidence(nil); got != 0 {
		t.Fatalf("confidence of no items = %v", got)
	}

	// whoop sleep_consistency has a 442-person sample
	small := g.Confidence([]Item{{SampleSize: 442}})
	want := 0.5 + 442.0/1000
	if math.Abs(small-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", small, want)
	}

	// large samples saturate at the cap
	large := g.Confidence([]Item{{SampleSize: 58466}})
	if large != testScoring.ConfidenceCap {
		t.Fatalf("confidence = %v, want cap %v", large, testScoring.ConfidenceCap)
	}

	// the max sample wins, not the sum
	mixed := g.Confidence([]Item{{SampleSize: 100}, {SampleSize: 200}})
	if math.Abs(mixed-(0.5+200.0/1000)) > 1e-9 {
		t.Fatalf("confidence = %v, want max-sample based", mixed)
	}
}
