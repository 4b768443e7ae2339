package traits

import "fmt"

// Dimension is one of the Big Five personality dimensions.
type Dimension string

const (
	Openness          Dimension = "openness"
	Conscientiousness Dimension = "conscientiousness"
	Extraversion      Dimension = "extraversion"
	Agreeableness     Dimension = "agreeableness"
	Neuroticism       Dimension = "neuroticism"
)

// All lists the five dimensions in canonical order.
var All = []Dimension{Openness, Conscientiousness, Extraversion, Agreeableness, Neuroticism}

// Parse validates a dimension name.
func Parse(s string) (Dimension, error) {
	d := Dimension(s)
	for _, known := range All {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown trait dimension: %q", s)
}

// NeutralScore is the score assigned to every dimension before any evidence
// has been observed.
const NeutralScore = 50.0

// Scores holds one value per dimension, always kept within [0,100].
type Scores map[Dimension]float64

// Neutral returns a fresh score set with every dimension at the neutral
// midpoint.
func Neutral() Scores {
	s := make(Scores, len(All))
	for _, d := range All {
		s[d] = NeutralScore
	}
	return s
}

// Clone returns an independent copy.
func (s Scores) Clone() Scores {
	out := make(Scores, len(s))
	for d, v := range s {
		out[d] = v
	}
	return out
}

// Get returns the score for d, defaulting to neutral when unset.
func (s Scores) Get(d Dimension) float64 {
	if v, ok := s[d]; ok {
		return v
	}
	return NeutralScore
}

// Clamp bounds a score or confidence value to [0,100].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
