package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingProvider is a deterministic, dependency-free embedder. Lowercased
// word tokens and word bigrams are hashed into a fixed number of signed
// buckets and the result is L2-normalised. It needs no network and gives
// stable vectors for tests and offline runs.
type HashingProvider struct {
	dim int
}

func NewHashingProvider(dim int) *HashingProvider {
	return &HashingProvider{dim: dim}
}

func (h *HashingProvider) Name() string   { return "local" }
func (h *HashingProvider) Model() string  { return "hashing-v1" }
func (h *HashingProvider) Dimension() int { return h.dim }

func (h *HashingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashingProvider) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	tokens := Tokenize(text)

	add := func(feature string, weight float32) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
