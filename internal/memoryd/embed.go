// Package memoryd is the memory service: a small HTTP server over sqlite
// with hash-projection embeddings, near-duplicate merging, and
// relevance-plus-recency ranked search.
package memoryd

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embed projects text into a fixed-dimension unit vector by hashing word
// tokens. Deterministic and local: no model call, stable across restarts,
// good enough for near-duplicate detection and coarse ranking.
func Embed(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 256
	}
	vec := make([]float32, dim)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(dim))
		// Sign from a second hash bit decorrelates colliding tokens.
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Cosine returns the cosine similarity of two vectors, 0 when dimensions
// differ or either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// decay is the recency component of the search score: halves every
// halfLifeDays.
func decay(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = 30
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}
