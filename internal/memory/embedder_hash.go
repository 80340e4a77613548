package memory

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"
)

// HashEmbedder is a deterministic offline embedder. Each lower-cased word is
// hashed into a bucket with a pseudo-random sign, so texts that share words
// land close together. No model or network is involved.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil, goerr.New("embed: empty text")
		}
		tokens = []string{strings.TrimSpace(text)}
	}

	vec := make([]float32, h.dim)
	for _, tok := range tokens {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(tok))
		seed := hasher.Sum64()
		bucket := int(seed % uint64(h.dim))
		// one LCG step decides the sign
		seed = seed*6364136223846793005 + 1442695040888963407
		if seed>>63 == 1 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}
	if allZero(vec) {
		// opposing tokens cancelled out; keep the vector usable for cosine
		vec[0] = 1
	}
	return normalize(vec), nil
}

func allZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
