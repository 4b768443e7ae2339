package correlation

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/pkazemian/personify/internal/traits"
)

// EffectSize buckets the strength of a correlation coefficient.
type EffectSize string

const (
	EffectSmall  EffectSize = "small"
	EffectMedium EffectSize = "medium"
	EffectLarge  EffectSize = "large"
)

// ClassifyEffect maps |r| onto the conventional effect-size buckets.
func ClassifyEffect(r float64) EffectSize {
	abs := math.Abs(r)
	switch {
	case abs >= 0.50:
		return EffectLarge
	case abs >= 0.30:
		return EffectMedium
	default:
		return EffectSmall
	}
}

// Templates holds the narrative snippets attached to a feature, chosen by
// whether the observed value sits above or below the feature midpoint.
type Templates struct {
	High string `json:"high"`
	Low  string `json:"low"`
}

// Record is one resolved {platform, feature, dimension} correlation.
type Record struct {
	Platform   string
	Feature    string
	Dimension  traits.Dimension
	R          float64
	Source     string
	SampleSize int
	Templates  Templates
}

// document mirrors the research correlation JSON file layout.
type document struct {
	Correlations map[string]map[string]featureDoc `json:"correlations"`
}

type featureDoc struct {
	Correlations      map[string]coefficientDoc `json:"correlations"`
	EvidenceTemplates Templates                 `json:"evidenceTemplates"`
}

type coefficientDoc struct {
	R          float64 `json:"r"`
	Source     string  `json:"source"`
	SampleSize int     `json:"sample_size"`
}

// Resolver answers correlation lookups from the research document first and
// the immutable legacy table second. It is read-only after construction.
type Resolver struct {
	primary map[string]map[string]featureDoc
	logger  *log.Logger
}

// NewResolver loads the correlation document at path. A missing or unreadable
// document is not fatal: lookups then serve from the legacy table alone.
func NewResolver(path string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(log.Writer(), "[CORR] ", log.LstdFlags)
	}
	r := &Resolver{logger: logger}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Printf("correlation document %s unavailable, using legacy table: %v", path, err)
		return r
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Printf("correlation document %s malformed, using legacy table: %v", path, err)
		return r
	}
	r.primary = doc.Correlations
	logger.Printf("loaded correlation document: %d platforms", len(doc.Correlations))
	return r
}

// Resolve returns the correlation record for a (platform, feature, dimension)
// triple, merging the primary document over the legacy defaults. The bool is
// false when neither tier knows the pair.
func (r *Resolver) Resolve(platform, feature string, dimension traits.Dimension) (Record, bool) {
	if r.primary != nil {
		if features, ok := r.primary[platform]; ok {
			if fd, ok := features[feature]; ok {
				if coeff, ok := fd.Correlations[string(dimension)]; ok {
					return Record{
						Platform:   platform,
						Feature:    feature,
						Dimension:  dimension,
						R:          coeff.R,
						Source:     coeff.Source,
						SampleSize: coeff.SampleSize,
						Templates:  fd.EvidenceTemplates,
					}, true
				}
			}
		}
	}
	return resolveLegacy(platform, feature, dimension)
}

// Dimensions returns every dimension with a known correlation for the given
// (platform, feature) pair, across both tiers.
func (r *Resolver) Dimensions(platform, feature string) []Record {
	seen := make(map[traits.Dimension]bool)
	var out []Record
	if r.primary != nil {
		if features, ok := r.primary[platform]; ok {
			if fd, ok := features[feature]; ok {
				for dim, coeff := range fd.Correlations {
					d, err := traits.Parse(dim)
					if err != nil {
						r.logger.Printf("skipping %s/%s: %v", platform, feature, err)
						continue
					}
					seen[d] = true
					out = append(out, Record{
						Platform:   platform,
						Feature:    feature,
						Dimension:  d,
						R:          coeff.R,
						Source:     coeff.Source,
						SampleSize: coeff.SampleSize,
						Templates:  fd.EvidenceTemplates,
					})
				}
			}
		}
	}
	for _, rec := range legacyRecords(platform, feature) {
		if !seen[rec.Dimension] {
			out = append(out, rec)
		}
	}
	return out
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s->%s r=%.2f", r.Platform, r.Feature, r.Dimension, r.R)
}
