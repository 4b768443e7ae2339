package correlation

import "github.com/pkazemian/personify/internal/traits"

// legacyEntry is a hard-coded fallback coefficient used when the research
// document is absent or does not cover a feature. Values predate the
// document-driven table and must stay byte-for-byte stable for cold starts.
type legacyEntry struct {
	dimension  traits.Dimension
	r          float64
	source     string
	sampleSize int
	templates  Templates
}

var legacyTable = map[string]map[string][]legacyEntry{
	"spotify": {
		"discovery_rate": {
			{traits.Openness, 0.45, "Anderson et al. 2021", 1193, Templates{
				High: "constantly seeks out unfamiliar artists and genres",
				Low:  "stays close to a familiar musical comfort zone",
			}},
		},
		"repeat_listening": {
			{traits.Conscientiousness, 0.32, "Anderson et al. 2021", 1193, Templates{
				High: "returns to the same tracks with unusual regularity",
				Low:  "rarely replays the same music twice",
			}},
		},
		"energy_preference": {
			{traits.Extraversion, 0.38, "Rentfrow & Gosling 2003", 3500, Templates{
				High: "gravitates toward high-energy, upbeat music",
				Low:  "prefers calm, low-intensity soundscapes",
			}},
		},
		"emotional_valence": {
			{traits.Neuroticism, -0.42, "Rentfrow & Gosling 2003", 3500, Templates{
				High: "listens predominantly to positive, major-key music",
				Low:  "leans into melancholic and introspective music",
			}},
		},
		"playlist_organization": {
			{traits.Conscientiousness, 0.51, "Greenberg et al. 2016", 9454, Templates{
				High: "keeps meticulously curated playlists",
				Low:  "lets the library grow without much structure",
			}},
		},
	},
	"whoop": {
		"sleep_consistency": {
			{traits.Conscientiousness, 0.48, "Duggan et al. 2014", 442, Templates{
				High: "keeps a strikingly regular sleep schedule",
				Low:  "sleeps on a highly irregular schedule",
			}},
		},
		"recovery_score": {
			{traits.Neuroticism, -0.35, "Duggan et al. 2014", 442, Templates{
				High: "recovers quickly and consistently from strain",
				Low:  "shows slow, uneven physiological recovery",
			}},
		},
		"workout_regularity": {
			{traits.Conscientiousness, 0.44, "Rhodes & Smith 2006", 21916, Templates{
				High: "trains on a disciplined, predictable cadence",
				Low:  "works out in irregular bursts",
			}},
		},
		"strain_level": {
			{traits.Extraversion, 0.30, "Rhodes & Smith 2006", 21916, Templates{
				High: "routinely pushes physical strain well above average",
				Low:  "keeps daily physical strain low",
			}},
		},
	},
	"calendar": {
		"meeting_density": {
			{traits.Extraversion, 0.52, "Back et al. 2009", 438, Templates{
				High: "packs the calendar with meetings and social events",
				Low:  "protects long stretches of unscheduled solo time",
			}},
		},
		"schedule_regularity": {
			{traits.Conscientiousness, 0.56, "Back et al. 2009", 438, Templates{
				High: "runs the week on a near-identical rhythm",
				Low:  "improvises the schedule day by day",
			}},
		},
		"event_diversity": {
			{traits.Openness, 0.33, "Back et al. 2009", 438, Templates{
				High: "fills the calendar with varied, novel activities",
				Low:  "repeats a small set of familiar engagements",
			}},
		},
	},
	"github": {
		"commit_cadence": {
			{traits.Conscientiousness, 0.49, "Calefato et al. 2019", 1304, Templates{
				High: "commits code in steady, sustained streaks",
				Low:  "ships work in sporadic bursts",
			}},
		},
		"repo_diversity": {
			{traits.Openness, 0.41, "Calefato et al. 2019", 1304, Templates{
				High: "contributes across many languages and domains",
				Low:  "focuses deeply on a narrow set of projects",
			}},
		},
		"collaboration_ratio": {
			{traits.Agreeableness, 0.37, "Calefato et al. 2019", 1304, Templates{
				High: "spends most coding time in reviews and shared work",
				Low:  "works mostly solo with few collaborative touches",
			}},
		},
		"late_night_activity": {
			{traits.Neuroticism, 0.28, "Calefato et al. 2019", 1304, Templates{
				High: "does a large share of work deep into the night",
				Low:  "keeps coding inside regular daytime hours",
			}},
		},
	},
	"youtube": {
		"watch_diversity": {
			{traits.Openness, 0.46, "Kosinski et al. 2013", 58466, Templates{
				High: "explores an unusually wide spread of topics",
				Low:  "watches within a tight set of favourite channels",
			}},
		},
		"educational_ratio": {
			{traits.Openness, 0.39, "Kosinski et al. 2013", 58466, Templates{
				High: "favours documentaries, lectures and tutorials",
				Low:  "watches almost entirely for entertainment",
			}},
		},
		"binge_factor": {
			{traits.Conscientiousness, -0.33, "Kosinski et al. 2013", 58466, Templates{
				High: "falls into long unplanned viewing sessions",
				Low:  "watches in short, deliberate sittings",
			}},
		},
	},
}

func resolveLegacy(platform, feature string, dimension traits.Dimension) (Record, bool) {
	features, ok := legacyTable[platform]
	if !ok {
		return Record{}, false
	}
	entries, ok := features[feature]
	if !ok {
		return Record{}, false
	}
	for _, e := range entries {
		if e.dimension == dimension {
			return Record{
				Platform:   platform,
				Feature:    feature,
				Dimension:  e.dimension,
				R:          e.r,
				Source:     e.source,
				SampleSize: e.sampleSize,
				Templates:  e.templates,
			}, true
		}
	}
	return Record{}, false
}

func legacyRecords(platform, feature string) []Record {
	features, ok := legacyTable[platform]
	if !ok {
		return nil
	}
	entries, ok := features[feature]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, Record{
			Platform:   platform,
			Feature:    feature,
			Dimension:  e.dimension,
			R:          e.r,
			Source:     e.source,
			SampleSize: e.sampleSize,
			Templates:  e.templates,
		})
	}
	return out
}
