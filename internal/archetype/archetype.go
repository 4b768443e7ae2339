package archetype

import (
	"strings"

	"github.com/pkazemian/personify/internal/traits"
)

// Classifier derives a categorical archetype code from a full trait profile.
// The default implementation is rule based; an AI-backed classifier can be
// swapped in behind this interface.
type Classifier interface {
	Classify(scores traits.Scores) string
}

// RuleClassifier buckets each dimension into high/mid/low and encodes the
// result as a five-letter code in canonical dimension order, e.g. "HMLMH".
type RuleClassifier struct {
	HighCutoff float64
	LowCutoff  float64
}

// NewRuleClassifier returns a classifier with the default 65/35 cutoffs.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{HighCutoff: 65, LowCutoff: 35}
}

func (c *RuleClassifier) Classify(scores traits.Scores) string {
	var b strings.Builder
	for _, d := range traits.All {
		v := scores.Get(d)
		switch {
		case v >= c.HighCutoff:
			b.WriteByte('H')
		case v <= c.LowCutoff:
			b.WriteByte('L')
		default:
			b.WriteByte('M')
		}
	}
	return b.String()
}
