package patterns

import "fmt"

// comboRule describes one rare feature combination. Combinations have no
// population distribution of their own, so matches carry a flat uniqueness
// score and an approximate percentile.
type comboRule struct {
	name       string
	uniqueness float64
	percentile float64
	describe   func(values map[string]map[string]float64) string
	matches    func(values map[string]map[string]float64) bool
}

func featureValue(values map[string]map[string]float64, platform, feature string) (float64, bool) {
	if p, ok := values[platform]; ok {
		v, ok := p[feature]
		return v, ok
	}
	return 0, false
}

func bothAbove(values map[string]map[string]float64, platform, featA, featB string, threshold float64) bool {
	a, okA := featureValue(values, platform, featA)
	b, okB := featureValue(values, platform, featB)
	return okA && okB && a > threshold && b > threshold
}

var comboRules = []comboRule{
	{
		name:       "explorer_who_replays",
		uniqueness: 88,
		percentile: 4,
		matches: func(v map[string]map[string]float64) bool {
			return bothAbove(v, "spotify", "discovery_rate", "repeat_listening", 0.65)
		},
		describe: func(v map[string]map[string]float64) string {
			return "hunts down new music constantly yet replays favourites obsessively, a pairing almost no listeners show"
		},
	},
	{
		name:       "high_energy_melancholic",
		uniqueness: 90,
		percentile: 3,
		matches: func(v map[string]map[string]float64) bool {
			energy, okE := featureValue(v, "spotify", "energy_preference")
			valence, okV := featureValue(v, "spotify", "emotional_valence")
			return okE && okV && energy > 0.7 && valence < 0.35
		},
		describe: func(v map[string]map[string]float64) string {
			energy, _ := featureValue(v, "spotify", "energy_preference")
			valence, _ := featureValue(v, "spotify", "emotional_valence")
			return fmt.Sprintf("pairs high-intensity music (%.0f%%) with overwhelmingly melancholic moods (%.0f%%)", energy*100, valence*100)
		},
	},
	{
		name:       "disciplined_night_owl",
		uniqueness: 85,
		percentile: 5,
		matches: func(v map[string]map[string]float64) bool {
			sleep, okS := featureValue(v, "whoop", "sleep_consistency")
			night, okN := featureValue(v, "github", "late_night_activity")
			return okS && okN && sleep > 0.7 && night > 0.7
		},
		describe: func(v map[string]map[string]float64) string {
			return "codes deep into the night yet keeps a rigidly consistent sleep schedule around it"
		},
	},
	{
		name:       "structured_explorer",
		uniqueness: 86,
		percentile: 4,
		matches: func(v map[string]map[string]float64) bool {
			reg, okR := featureValue(v, "calendar", "schedule_regularity")
			div, okD := featureValue(v, "youtube", "watch_diversity")
			return okR && okD && reg > 0.7 && div > 0.7
		},
		describe: func(v map[string]map[string]float64) string {
			return "runs a clockwork schedule while ranging across an unusually wide spread of interests"
		},
	},
}
