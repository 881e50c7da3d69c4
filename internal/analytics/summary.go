// Package analytics records selfie match outcomes and summarizes them for
// threshold tuning.
package analytics

import (
	"math"
	"slices"
)

// LowConfidence is the similarity under which a match counts toward the
// false-positive estimate.
const LowConfidence = 0.50

type band struct {
	label string
	floor float64
}

// Bands are ordered from the highest floor down; a score falls in the first
// band whose floor it reaches.
var bands = []band{
	{"0.90-1.00", 0.90},
	{"0.70-0.89", 0.70},
	{"0.50-0.69", 0.50},
	{"0.40-0.49", 0.40},
	{"0.00-0.39", math.Inf(-1)},
}

// BandLabels lists the distribution keys, best first.
func BandLabels() []string {
	out := make([]string, len(bands))
	for i, b := range bands {
		out[i] = b.label
	}
	return out
}

type BandCount struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type SimilarityStats struct {
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Total  int     `json:"total"`
}

type Summary struct {
	Distribution          map[string]BandCount `json:"similarity_distribution"`
	Stats                 SimilarityStats      `json:"similarity_stats"`
	FalsePositiveEstimate float64              `json:"false_positive_estimate"`
}

func bandOf(sim float64) string {
	for _, b := range bands {
		if sim >= b.floor {
			return b.label
		}
	}
	return bands[len(bands)-1].label
}

// Summarize builds the distribution and stats of a similarity log. Every band
// is present, zero when empty.
func Summarize(sims []float64) Summary {
	s := Summary{Distribution: make(map[string]BandCount, len(bands))}
	for _, b := range bands {
		s.Distribution[b.label] = BandCount{}
	}
	if len(sims) == 0 {
		return s
	}

	counts := make(map[string]int, len(bands))
	low := 0
	sum := 0.0
	for _, v := range sims {
		counts[bandOf(v)]++
		if v < LowConfidence {
			low++
		}
		sum += v
	}

	total := len(sims)
	for label, n := range counts {
		s.Distribution[label] = BandCount{Count: n, Percentage: round(float64(n)/float64(total)*100, 2)}
	}

	sorted := slices.Clone(sims)
	slices.Sort(sorted)
	s.Stats = SimilarityStats{
		Avg:    round(sum/float64(total), 4),
		Median: round(percentile(sorted, 0.5), 4),
		Min:    round(sorted[0], 4),
		Max:    round(sorted[total-1], 4),
		Total:  total,
	}
	s.FalsePositiveEstimate = round(float64(low)/float64(total)*100, 2)
	return s
}

// percentile interpolates linearly between closest ranks of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
