package patterns

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/traits"
)

// FeatureStore is the read side of the durable store the detector needs,
// plus pattern upserts. The detector never touches the aggregator's state.
type FeatureStore interface {
	ListFeatures(ctx context.Context, userID string) ([]store.BehavioralFeature, error)
	LatestFeatureValues(ctx context.Context, userID string) (map[string]map[string]float64, error)
	GetBaseline(ctx context.Context, platform, featureType string) (store.PopulationBaseline, bool, error)
	UpsertPattern(ctx context.Context, p store.UniquePattern) error
	ListPatterns(ctx context.Context, userID string) ([]store.UniquePattern, error)
}

// Detector scans stored behavioral features against population baselines and
// flags statistically distinctive patterns.
type Detector struct {
	store    FeatureStore
	resolver *correlation.Resolver
	cfg      config.PatternsConfig
	index    *Index
	logger   *log.Logger
}

func NewDetector(st FeatureStore, resolver *correlation.Resolver, cfg config.PatternsConfig, index *Index, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(log.Writer(), "[PATTERNS] ", log.LstdFlags)
	}
	return &Detector{store: st, resolver: resolver, cfg: cfg, index: index, logger: logger}
}

// Detect runs the three detection passes for one user, marks the defining
// subset, and upserts the result set. Re-running on unchanged data updates
// rows in place; patterns that stopped qualifying are left as-is.
func (d *Detector) Detect(ctx context.Context, userID string) ([]store.UniquePattern, error) {
	features, err := d.store.ListFeatures(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading features: %w", err)
	}
	latest, err := d.store.LatestFeatureValues(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading feature values: %w", err)
	}

	var detected []store.UniquePattern
	extremes, err := d.detectExtremes(ctx, userID, latest)
	if err != nil {
		return nil, err
	}
	detected = append(detected, extremes...)
	detected = append(detected, d.detectConsistency(userID, features, latest)...)
	detected = append(detected, d.detectRareCombos(userID, latest)...)

	sort.SliceStable(detected, func(i, j int) bool {
		return detected[i].UniquenessScore > detected[j].UniquenessScore
	})
	for i := range detected {
		detected[i].IsDefining = i < d.cfg.DefiningLimit && detected[i].UniquenessScore >= d.cfg.DefiningThreshold
	}

	for _, p := range detected {
		if err := d.store.UpsertPattern(ctx, p); err != nil {
			return nil, fmt.Errorf("persisting pattern %s/%s: %w", p.PatternType, p.PatternName, err)
		}
	}
	if d.index != nil {
		if err := d.index.IndexAll(detected); err != nil {
			d.logger.Printf("pattern index update failed for user %s: %v", userID, err)
		}
	}
	d.logger.Printf("detected %d patterns for user %s", len(detected), userID)
	return detected, nil
}

// detectExtremes flags single features whose percentile against the
// population baseline falls outside the configured band.
func (d *Detector) detectExtremes(ctx context.Context, userID string, latest map[string]map[string]float64) ([]store.UniquePattern, error) {
	var out []store.UniquePattern
	for platform, features := range latest {
		for feature, value := range features {
			baseline, ok, err := d.store.GetBaseline(ctx, platform, feature)
			if err != nil {
				return nil, fmt.Errorf("loading baseline %s/%s: %w", platform, feature, err)
			}
			if !ok || baseline.StdDev <= 0 {
				continue
			}
			pct := Percentile(value, baseline.Mean, baseline.StdDev)
			if pct < d.cfg.ExtremeHighPercentile && pct > d.cfg.ExtremeLowPercentile {
				continue
			}
			direction := "top"
			if pct <= d.cfg.ExtremeLowPercentile {
				direction = "bottom"
			}
			out = append(out, store.UniquePattern{
				UserID:               userID,
				PatternType:          store.PatternExtremeFeature,
				PatternName:          fmt.Sprintf("extreme_%s_%s", platform, feature),
				Description:          fmt.Sprintf("%s %s sits in the %s %.1f%% of the population", platform, feature, direction, math.Min(pct, 100-pct)),
				UserValue:            value,
				PopulationPercentile: pct,
				UniquenessScore:      math.Abs(pct-50) * 2,
				Evidence: map[string]interface{}{
					"platform":      platform,
					"feature":       feature,
					"baseline_mean": baseline.Mean,
					"baseline_std":  baseline.StdDev,
					"z_score":       (value - baseline.Mean) / baseline.StdDev,
				},
			})
		}
	}
	return out, nil
}

// detectConsistency looks for dimensions fed by two or more platforms whose
// feature values barely disagree.
func (d *Detector) detectConsistency(userID string, features []store.BehavioralFeature, latest map[string]map[string]float64) []store.UniquePattern {
	type obs struct {
		platforms map[string]bool
		values    []float64
	}
	byDim := make(map[traits.Dimension]*obs)
	for platform, featureValues := range latest {
		for feature, value := range featureValues {
			dim, ok := d.primaryDimension(features, platform, feature)
			if !ok {
				continue
			}
			o := byDim[dim]
			if o == nil {
				o = &obs{platforms: make(map[string]bool)}
				byDim[dim] = o
			}
			o.platforms[platform] = true
			o.values = append(o.values, value)
		}
	}
	var out []store.UniquePattern
	for dim, o := range byDim {
		if len(o.platforms) < 2 {
			continue
		}
		consistency := 100 - math.Sqrt(variance(o.values))
		if consistency < d.cfg.ConsistencyThreshold {
			continue
		}
		platforms := make([]string, 0, len(o.platforms))
		for p := range o.platforms {
			platforms = append(platforms, p)
		}
		sort.Strings(platforms)
		out = append(out, store.UniquePattern{
			UserID:               userID,
			PatternType:          store.PatternCrossPlatform,
			PatternName:          fmt.Sprintf("consistent_%s", dim),
			Description:          fmt.Sprintf("%s signals agree across %d platforms with %.0f%% consistency", dim, len(platforms), consistency),
			UserValue:            consistency,
			PopulationPercentile: consistency,
			UniquenessScore:      consistency,
			Evidence: map[string]interface{}{
				"dimension": string(dim),
				"platforms": platforms,
				"samples":   len(o.values),
			},
		})
	}
	return out
}

// primaryDimension resolves which dimension a feature feeds: the stored
// contributes_to tag when present, otherwise the strongest known correlation.
func (d *Detector) primaryDimension(features []store.BehavioralFeature, platform, feature string) (traits.Dimension, bool) {
	for _, f := range features {
		if f.Platform == platform && f.FeatureType == feature && f.ContributesTo != nil {
			return *f.ContributesTo, true
		}
	}
	var best traits.Dimension
	var bestAbs float64
	for _, rec := range d.resolver.Dimensions(platform, feature) {
		if abs := math.Abs(rec.R); abs > bestAbs {
			bestAbs = abs
			best = rec.Dimension
		}
	}
	return best, bestAbs > 0
}

func (d *Detector) detectRareCombos(userID string, latest map[string]map[string]float64) []store.UniquePattern {
	var out []store.UniquePattern
	for _, rule := range comboRules {
		if !rule.matches(latest) {
			continue
		}
		out = append(out, store.UniquePattern{
			UserID:               userID,
			PatternType:          store.PatternRareCombination,
			PatternName:          rule.name,
			Description:          rule.describe(latest),
			UserValue:            rule.uniqueness / 100,
			PopulationPercentile: rule.percentile,
			UniquenessScore:      rule.uniqueness,
			Evidence:             map[string]interface{}{"rule": rule.name},
		})
	}
	return out
}
