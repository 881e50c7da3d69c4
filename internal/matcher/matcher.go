// Package matcher scores face embeddings against a query by cosine similarity
// and turns the scores into a ranked, per-photo result list.
package matcher

import (
	"cmp"
	"math"
	"slices"

	"github.com/google/uuid"
)

// DefaultThreshold is the minimum similarity a face needs to count as a match.
const DefaultThreshold = 0.40

// Candidate is a stored face considered for a query.
type Candidate struct {
	EmbeddingID uuid.UUID
	PhotoID     uuid.UUID
	Vector      []float32
}

// Match is one photo in a ranked result. Similarity is 1 - cosine distance.
type Match struct {
	PhotoID     uuid.UUID `json:"photo_id"`
	EmbeddingID uuid.UUID `json:"embedding_id"`
	Similarity  float64   `json:"similarity"`
}

// Cosine returns the cosine similarity of a and b. ok is false when the
// vectors cannot be compared: different lengths, empty, or zero norm.
func Cosine(a, b []float32) (sim float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	sim = dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0, false
	}
	return max(-1, min(1, sim)), true
}

// Rank scores every candidate against query and returns matches at or above
// threshold, one per photo (the photo's best face), sorted by descending
// similarity. Ties keep candidate order. limit <= 0 means no limit.
func Rank(query []float32, candidates []Candidate, threshold float64, limit int) []Match {
	scored := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		sim, ok := Cosine(query, c.Vector)
		if !ok || sim < threshold {
			continue
		}
		scored = append(scored, Match{PhotoID: c.PhotoID, EmbeddingID: c.EmbeddingID, Similarity: sim})
	}
	return Collapse(scored, limit)
}

// Collapse keeps the best-scoring match per photo, sorts by descending
// similarity, and truncates to limit. Among equal scores the earlier match wins,
// both for the per-photo choice and for ordering.
func Collapse(matches []Match, limit int) []Match {
	best := make(map[uuid.UUID]int, len(matches))
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if i, seen := best[m.PhotoID]; seen {
			if m.Similarity > out[i].Similarity {
				out[i] = m
			}
			continue
		}
		best[m.PhotoID] = len(out)
		out = append(out, m)
	}

	slices.SortStableFunc(out, func(a, b Match) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
