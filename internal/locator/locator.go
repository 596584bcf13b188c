// File: internal/locator/locator.go
// Screen-text candidate ranking for the coordinate tier. OCR boxes arrive
// from an external capture collaborator; this package only scores and merges
// them.
package locator

import (
	"sort"
	"strings"
)

// Box is one OCR-recognized text region in desktop coordinates.
type Box struct {
	Text       string  `json:"text"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"` // 0..100, negative when unknown
}

// Point is an on-screen location.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MatchType buckets a candidate's score quality.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchSubstring MatchType = "substring"
	MatchHighFuzzy MatchType = "high_fuzzy"
	MatchMedFuzzy  MatchType = "medium_fuzzy"
	MatchLow       MatchType = "low"
)

// Candidate is a scored match for a target string.
type Candidate struct {
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	Match      MatchType `json:"match_type"`
	Center     Point     `json:"center"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	Confidence float64   `json:"confidence"`
	Count      int       `json:"count"`
}

const (
	// HighThreshold accepts a candidate without further escalation.
	HighThreshold = 0.9
	// MediumThreshold accepts a candidate as a plausible fallback.
	MediumThreshold = 0.75

	mergeProximity = 6.0
)

// MergeSimilarBoxes unions boxes sharing the same normalized text into a
// single rectangle with padded bounds and averaged confidence. OCR engines
// frequently split one label into fragments; merging recovers the clickable
// whole.
func MergeSimilarBoxes(boxes []Box) []Candidate {
	merged := make(map[string]*Candidate)
	order := make([]string, 0, len(boxes))
	for _, b := range boxes {
		key := normalize(b.Text)
		if key == "" {
			continue
		}
		entry, ok := merged[key]
		if !ok {
			merged[key] = &Candidate{
				Text:       strings.TrimSpace(b.Text),
				X:          b.X,
				Y:          b.Y,
				Width:      b.Width,
				Height:     b.Height,
				Confidence: b.Confidence,
				Count:      1,
			}
			order = append(order, key)
			continue
		}
		left := min(entry.X, b.X) - mergeProximity
		top := min(entry.Y, b.Y) - mergeProximity
		right := max(entry.X+entry.Width, b.X+b.Width) + mergeProximity
		bottom := max(entry.Y+entry.Height, b.Y+b.Height) + mergeProximity
		entry.X, entry.Y = left, top
		entry.Width = max(0, right-left)
		entry.Height = max(0, bottom-top)
		entry.Count++
		prev := max(entry.Confidence, 0)
		entry.Confidence = (prev*float64(entry.Count-1) + max(b.Confidence, -1)) / float64(entry.Count)
	}

	out := make([]Candidate, 0, len(merged))
	for _, key := range order {
		c := merged[key]
		c.Center = Point{X: c.X + c.Width/2, Y: c.Y + c.Height/2}
		out = append(out, *c)
	}
	return out
}

// Score computes a composite fuzzy score and match category for a candidate
// string against the target.
func Score(target, candidate string, confidence float64) (float64, MatchType) {
	targetNorm := normalize(target)
	candNorm := normalize(candidate)
	ratio := similarity(targetNorm, candNorm)

	var substringBonus, prefixBonus, suffixBonus, exactBonus float64
	if targetNorm != "" {
		if strings.Contains(candNorm, targetNorm) || strings.Contains(targetNorm, candNorm) {
			substringBonus = 0.25
		}
		if strings.HasPrefix(candNorm, targetNorm) {
			prefixBonus = 0.15
		}
		if strings.HasSuffix(candNorm, targetNorm) {
			suffixBonus = 0.1
		}
	}
	exact := targetNorm == candNorm && targetNorm != ""
	if exact {
		exactBonus = 0.4
	}
	confBonus := max(0, confidence) / 100.0 * 0.1

	score := ratio + substringBonus + prefixBonus + suffixBonus + exactBonus + confBonus

	var match MatchType
	switch {
	case exact:
		match = MatchExact
	case substringBonus > 0:
		match = MatchSubstring
	case ratio >= 0.88:
		match = MatchHighFuzzy
	case ratio >= 0.72:
		match = MatchMedFuzzy
	default:
		match = MatchLow
	}
	return score, match
}

// Rank merges and scores OCR boxes for a target string, best first.
func Rank(target string, boxes []Box) []Candidate {
	fused := MergeSimilarBoxes(boxes)
	for i := range fused {
		fused[i].Score, fused[i].Match = Score(target, fused[i].Text, fused[i].Confidence)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		hi, hj := fused[i].highEnough(), fused[j].highEnough()
		if hi != hj {
			return hi
		}
		mi, mj := fused[i].mediumEnough(), fused[j].mediumEnough()
		if mi != mj {
			return mi
		}
		return fused[i].Score > fused[j].Score
	})
	return fused
}

// Locate returns the best acceptable candidate for the target, or ok=false
// when no candidate clears the medium threshold. An exact match always wins
// over a higher-scoring fuzzy one.
func Locate(target string, boxes []Box) (Candidate, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Candidate{}, false
	}
	ranked := Rank(target, boxes)
	for _, c := range ranked {
		if c.Match == MatchExact {
			return c, true
		}
	}
	for _, c := range ranked {
		if c.Score >= HighThreshold {
			return c, true
		}
	}
	for _, c := range ranked {
		if c.Score >= MediumThreshold {
			return c, true
		}
	}
	return Candidate{}, false
}

func (c Candidate) highEnough() bool {
	return c.Match == MatchExact || c.Score >= HighThreshold
}

func (c Candidate) mediumEnough() bool { return c.Score >= MediumThreshold }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// similarity is a character-bigram Dice coefficient: cheap, symmetric, and
// close enough to sequence-matcher ratios for short UI labels.
func similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		if a != "" && b != "" && a[0] == b[0] {
			return 0.5
		}
		return 0
	}
	bigrams := func(s string) map[string]int {
		m := make(map[string]int)
		runes := []rune(s)
		for i := 0; i+1 < len(runes); i++ {
			m[string(runes[i:i+2])]++
		}
		return m
	}
	ga, gb := bigrams(a), bigrams(b)
	var overlap, total int
	for k, va := range ga {
		if vb, ok := gb[k]; ok {
			overlap += min(va, vb)
		}
		total += va
	}
	for _, vb := range gb {
		total += vb
	}
	if total == 0 {
		return 0
	}
	return 2 * float64(overlap) / float64(total)
}
