package mapping

import (
	"sort"
	"strings"
)

// ageBands lists canonical age bands with the spellings seen on either side:
// snake_case input keys on one end, free-text option combinations on the
// remote form. Ordered most specific first, so "15 to 49" never falls into
// the bare-"15" net of the open-ended band.
var ageBands = []struct {
	band      string
	spellings []string
}{
	{"under_5", []string{"under 5", "under5", "0 4", "0 to 4", "less than 5"}},
	{"5_to_14", []string{"5 to 14", "5 14"}},
	{"15_to_49", []string{"15 to 49", "15 49"}},
	{"50_plus", []string{"50 plus", "50 and above", "over 50", "50"}},
	{"15_plus", []string{"15 plus", "15 and above", "15 and over", "over 15", "15"}},
}

// aliases expands domain shorthand in input keys to the words the form
// actually uses. Without these the scorer cannot connect "gbv" to a field
// labelled "Gender based violence".
var aliases = map[string][]string{
	"outpatients": {"opd", "outpatient", "attendance"},
	"opd":         {"outpatient", "attendance"},
	"referrals":   {"referral", "referred"},
	"gbv":         {"gender", "based", "violence"},
	"anc":         {"antenatal"},
	"ipd":         {"inpatient", "admission"},
	"deliveries":  {"delivery", "births"},
	"fridge":      {"refrigerator", "cold", "chain"},
}

// components is the decomposition of a key used for scoring. tokens holds
// the key's own words; expanded additionally holds their alias forms, so an
// input token can match a remote word through shorthand without the aliases
// diluting the input's own word count.
type components struct {
	tokens   []string
	expanded map[string][]string
	age      string
	gender   string
}

// Generate builds a translation table by scoring every non-metadata input
// key against every discovered remote key. Only matches at or above
// MinConfidence are persisted; the rest are left for the downstream tiers.
func Generate(inputKeys, knownKeys []string) *Table {
	remotes := make([]components, len(knownKeys))
	for i, k := range knownKeys {
		remotes[i] = parse(k)
	}

	t := &Table{
		Mappings: map[string]string{},
		Statistics: TableStats{
			Confidences: map[string]float64{},
		},
	}

	considered := 0
	for _, in := range inputKeys {
		if IsMetadata(in) {
			continue
		}
		considered++

		inComp := parse(in)
		best, bestScore := "", 0.0
		for i, rc := range remotes {
			if s := score(inComp, rc, in, knownKeys[i]); s > bestScore {
				best, bestScore = knownKeys[i], s
			}
		}
		if bestScore >= MinConfidence {
			t.Mappings[in] = best
			t.Statistics.Confidences[in] = round2(bestScore)
		}
	}

	t.Statistics.TotalInputFields = considered
	t.Statistics.MappedFields = len(t.Mappings)
	if considered > 0 {
		t.CoveragePercentage = round2(float64(len(t.Mappings)) / float64(considered) * 100)
	}
	return t
}

// score rates how well an input key matches a remote key, in [0, 1].
// Token overlap carries most of the weight; age-band and gender agreement
// adjust it, with a gender mismatch penalised hard enough that no amount of
// token overlap survives it. A small fuzzy term breaks ties between
// otherwise equal candidates.
func score(in, remote components, inKey, remoteKey string) float64 {
	if len(in.tokens) == 0 {
		return 0
	}

	remoteSet := make(map[string]bool, len(remote.tokens))
	for _, tok := range remote.tokens {
		remoteSet[tok] = true
	}

	common := 0
	for _, tok := range in.tokens {
		if remoteSet[tok] {
			common++
			continue
		}
		for _, alias := range in.expanded[tok] {
			if remoteSet[alias] {
				common++
				break
			}
		}
	}
	s := 0.6 * float64(common) / float64(len(in.tokens))

	switch {
	case in.age != "" && in.age == remote.age:
		s += 0.25
	case in.age != "" && remote.age != "" && in.age != remote.age:
		s -= 0.3
	}

	switch {
	case in.gender != "" && in.gender == remote.gender:
		s += 0.15
	case in.gender == "total" && remote.gender == "":
		s += 0.1
	case in.gender != "" && remote.gender != "" && in.gender != remote.gender:
		s -= 0.8
	}

	s += 0.05 * dice(normalize(inKey), normalize(remoteKey))

	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func parse(key string) components {
	norm := normalize(key)

	c := components{expanded: map[string][]string{}}
	for _, ab := range ageBands {
		for _, sp := range ab.spellings {
			if containsPhrase(norm, sp) {
				c.age = ab.band
				break
			}
		}
		if c.age != "" {
			break
		}
	}

	for _, tok := range strings.Fields(norm) {
		switch tok {
		case "female":
			c.gender = "female"
			continue
		case "male":
			if c.gender == "" {
				c.gender = "male"
			}
			continue
		case "total":
			if c.gender == "" {
				c.gender = "total"
			}
			continue
		}
		c.tokens = append(c.tokens, tok)
		if al := aliases[tok]; len(al) > 0 {
			c.expanded[tok] = al
		}
	}
	return c
}

// containsPhrase reports whether phrase occurs in s on word boundaries.
func containsPhrase(s, phrase string) bool {
	if s == phrase {
		return true
	}
	return strings.HasPrefix(s, phrase+" ") ||
		strings.HasSuffix(s, " "+phrase) ||
		strings.Contains(s, " "+phrase+" ")
}

// normalize lowercases and flattens every separator to a single space.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// dice is the Sorensen-Dice coefficient over character bigrams.
func dice(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	grams := map[string]int{}
	for i := 0; i+2 <= len(a); i++ {
		grams[a[i:i+2]]++
	}
	common := 0
	for i := 0; i+2 <= len(b); i++ {
		if grams[b[i:i+2]] > 0 {
			grams[b[i:i+2]]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(a)+len(b)-2)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// sortedKeys returns a map's keys in stable order, for deterministic prompts
// and logs.
func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
