package evidence

import (
	"log"
	"math"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/traits"
)

// Item is one dimension-tagged piece of behavioral evidence derived from a
// normalized feature. Items are ephemeral: they feed the trait aggregator and
// narrative generation within a single pipeline run.
type Item struct {
	Dimension   traits.Dimension       `json:"dimension"`
	Platform    string                 `json:"platform"`
	Feature     string                 `json:"feature"`
	Value       float64                `json:"value"`
	Correlation float64                `json:"correlation"`
	EffectSize  correlation.EffectSize `json:"effect_size"`
	SampleSize  int                    `json:"-"`
	Template    string                 `json:"template"`
}

// Generator converts normalized platform features into evidence items using
// the correlation reference store.
type Generator struct {
	resolver *correlation.Resolver
	scoring  config.ScoringConfig
	logger   *log.Logger
}

func NewGenerator(resolver *correlation.Resolver, scoring config.ScoringConfig, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVIDENCE] ", log.LstdFlags)
	}
	return &Generator{resolver: resolver, scoring: scoring, logger: logger}
}

// Generate walks every (platform, feature) pair and emits evidence for each
// dimension the reference store knows about. Features without a known
// correlation contribute nothing and are skipped silently.
func (g *Generator) Generate(platformFeatures map[string]map[string]float64) map[traits.Dimension][]Item {
	out := make(map[traits.Dimension][]Item)
	for platform, features := range platformFeatures {
		for feature, value := range features {
			for _, rec := range g.resolver.Dimensions(platform, feature) {
				template := rec.Templates.Low
				if value >= 0.5 {
					template = rec.Templates.High
				}
				out[rec.Dimension] = append(out[rec.Dimension], Item{
					Dimension:   rec.Dimension,
					Platform:    platform,
					Feature:     feature,
					Value:       value,
					Correlation: rec.R,
					EffectSize:  correlation.ClassifyEffect(rec.R),
					SampleSize:  rec.SampleSize,
					Template:    template,
				})
			}
		}
	}
	return out
}

// Confidence derives a per-dimension confidence from the largest originating
// sample size among the dimension's items. Growth has diminishing returns and
// asymptotes below certainty.
func (g *Generator) Confidence(items []Item) float64 {
	if len(items) == 0 {
		return 0
	}
	maxSample := 0
	for _, it := range items {
		if it.SampleSize > maxSample {
			maxSample = it.SampleSize
		}
	}
	return math.Min(g.scoring.ConfidenceCap, g.scoring.ConfidenceBase+float64(maxSample)/g.scoring.ConfidenceDivisor)
}
