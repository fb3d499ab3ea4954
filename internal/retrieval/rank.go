// Package retrieval ranks stored document vectors against a query and assembles
// a bounded context string from the best matches.
//
// Everything here is synchronous and lock-free. Callers that share a Store
// across goroutines serialize writes themselves.
package retrieval

import (
	"math"
	"sort"

	"text2tasks/internal/domain"
)

// tieEpsilon is the similarity distance under which two scores are treated as equal.
const tieEpsilon = 1e-9

// Scored is a ranked document id with its cosine similarity to the query.
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Cosine returns dot(a,b) / (|a|*|b|). A zero-norm vector, an empty vector or
// a length mismatch yields 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(s) {
		return 0
	}
	return s
}

// Rank returns the ids of the k corpus entries most similar to query, best first.
func Rank(query []float32, corpus []domain.DocumentVector, k int) []string {
	scored := RankScored(query, corpus, k)
	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
	}
	return ids
}

// RankScored is Rank with the similarity of each hit.
//
// Ties within 1e-9 go to the newer document, then to the lower id. k <= 0 or
// an empty corpus gives an empty result.
func RankScored(query []float32, corpus []domain.DocumentVector, k int) []Scored {
	if k <= 0 || len(corpus) == 0 {
		return []Scored{}
	}
	type hit struct {
		Scored
		doc *domain.DocumentVector
	}
	hits := make([]hit, len(corpus))
	for i := range corpus {
		hits[i] = hit{
			Scored: Scored{ID: corpus[i].ID, Score: Cosine(query, corpus[i].Vector)},
			doc:    &corpus[i],
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if math.Abs(a.Score-b.Score) > tieEpsilon {
			return a.Score > b.Score
		}
		if !a.doc.CreatedAt.Equal(b.doc.CreatedAt) {
			return a.doc.CreatedAt.After(b.doc.CreatedAt)
		}
		return a.ID < b.ID
	})
	if k > len(hits) {
		k = len(hits)
	}
	out := make([]Scored, k)
	for i := 0; i < k; i++ {
		out[i] = hits[i].Scored
	}
	return out
}
