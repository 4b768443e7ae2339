package aggregate

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/archetype"
	"github.com/pkazemian/personify/internal/evidence"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/traits"
)

// EstimateStore is the slice of the durable store the aggregator needs.
type EstimateStore interface {
	GetEstimate(ctx context.Context, userID string) (store.PersonalityEstimate, bool, error)
	UpsertEstimate(ctx context.Context, e store.PersonalityEstimate) error
	LatestFeatureValues(ctx context.Context, userID string) (map[string]map[string]float64, error)
}

// Aggregator folds behavioral evidence into the persistent personality
// estimate, one weighted update per dimension per feature.
type Aggregator struct {
	store      EstimateStore
	generator  *evidence.Generator
	classifier archetype.Classifier
	scoring    config.ScoringConfig
	logger     *log.Logger
}

func New(st EstimateStore, gen *evidence.Generator, classifier archetype.Classifier, scoring config.ScoringConfig, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGGREGATE] ", log.LstdFlags)
	}
	if classifier == nil {
		classifier = archetype.NewRuleClassifier()
	}
	return &Aggregator{store: st, generator: gen, classifier: classifier, scoring: scoring, logger: logger}
}

// FoldEvidence applies the weighted Bayesian update for each item in order
// and returns the updated scores. The fold is deliberately sequential: within
// one pass each item's update uses the previous item's resulting score as its
// prior, so item order changes the blend. priorWeight is the questionnaire
// anchor and is never mutated here.
func FoldEvidence(prior traits.Scores, priorWeight float64, items []evidence.Item, scale float64) traits.Scores {
	scores := prior.Clone()
	for _, it := range items {
		evidenceScore := it.Value * 100
		if it.Correlation < 0 {
			evidenceScore = (1 - it.Value) * 100
		}
		evidenceWeight := math.Abs(it.Correlation) * scale
		if evidenceWeight == 0 {
			continue
		}
		current := scores.Get(it.Dimension)
		next := (current*priorWeight + evidenceScore*evidenceWeight) / (priorWeight + evidenceWeight)
		scores[it.Dimension] = traits.Clamp(next)
	}
	return scores
}

// UpdateFromBehavior folds one platform's normalized features into the
// user's estimate and persists the result. A missing estimate row is created
// with neutral defaults and the update retried once against the fresh row.
func (a *Aggregator) UpdateFromBehavior(ctx context.Context, userID, platform string, features map[string]float64) (store.PersonalityEstimate, error) {
	return a.update(ctx, userID, map[string]map[string]float64{platform: features})
}

// AggregateAll re-folds the user's full accumulated feature set (latest value
// per platform/feature) into the estimate.
func (a *Aggregator) AggregateAll(ctx context.Context, userID string) (store.PersonalityEstimate, error) {
	all, err := a.store.LatestFeatureValues(ctx, userID)
	if err != nil {
		return store.PersonalityEstimate{}, fmt.Errorf("loading features: %w", err)
	}
	return a.update(ctx, userID, all)
}

func (a *Aggregator) update(ctx context.Context, userID string, platformFeatures map[string]map[string]float64) (store.PersonalityEstimate, error) {
	est, ok, err := a.store.GetEstimate(ctx, userID)
	if err != nil {
		return store.PersonalityEstimate{}, fmt.Errorf("loading estimate: %w", err)
	}
	if !ok {
		est = neutralEstimate(userID, a.scoring.DefaultPriorWeight)
		if err := a.store.UpsertEstimate(ctx, est); err != nil {
			return store.PersonalityEstimate{}, fmt.Errorf("creating estimate: %w", err)
		}
		est, ok, err = a.store.GetEstimate(ctx, userID)
		if err != nil || !ok {
			return store.PersonalityEstimate{}, fmt.Errorf("reloading fresh estimate: %w", err)
		}
	}

	byDimension := a.generator.Generate(platformFeatures)
	items := flatten(byDimension)
	if len(items) == 0 {
		a.logger.Printf("no evidence for user %s, estimate unchanged", userID)
		return est, nil
	}

	priorWeight := est.QuestionnaireScoreWeight
	if priorWeight <= 0 {
		priorWeight = a.scoring.DefaultPriorWeight
	}
	est.Scores = FoldEvidence(est.Scores, priorWeight, items, a.scoring.EvidenceWeightScale)

	for dim, dimItems := range byDimension {
		conf := traits.Clamp(a.generator.Confidence(dimItems) * 100)
		if conf > est.Confidence[dim] {
			est.Confidence[dim] = conf
		}
	}

	est.BehavioralScoreWeight += a.scoring.WeightGrowth
	est.TotalBehavioralSignals += int64(len(items))
	est.ArchetypeCode = a.classifier.Classify(est.Scores)

	if err := a.store.UpsertEstimate(ctx, est); err != nil {
		return store.PersonalityEstimate{}, fmt.Errorf("persisting estimate: %w", err)
	}
	a.logger.Printf("updated estimate for user %s: %d signals folded, archetype %s", userID, len(items), est.ArchetypeCode)
	return est, nil
}

// flatten orders items deterministically: platform, then feature, then
// canonical dimension order. Map iteration would otherwise make the
// order-dependent fold non-reproducible across runs.
func flatten(byDimension map[traits.Dimension][]evidence.Item) []evidence.Item {
	var items []evidence.Item
	for _, dimItems := range byDimension {
		items = append(items, dimItems...)
	}
	dimRank := make(map[traits.Dimension]int, len(traits.All))
	for i, d := range traits.All {
		dimRank[d] = i
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Platform != items[j].Platform {
			return items[i].Platform < items[j].Platform
		}
		if items[i].Feature != items[j].Feature {
			return items[i].Feature < items[j].Feature
		}
		return dimRank[items[i].Dimension] < dimRank[items[j].Dimension]
	})
	return items
}

func neutralEstimate(userID string, priorWeight float64) store.PersonalityEstimate {
	return store.PersonalityEstimate{
		UserID:                   userID,
		Scores:                   traits.Neutral(),
		Confidence:               make(traits.Scores, len(traits.All)),
		QuestionnaireScoreWeight: priorWeight,
	}
}
