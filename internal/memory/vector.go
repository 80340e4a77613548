package memory

import (
	"encoding/binary"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// Embeddings are stored as [uint32 LE dimension][dimension x float32 LE].
const (
	blobHeaderSize = 4
	blobValueSize  = 4
)

var maxBlobDim = (math.MaxInt - blobHeaderSize) / blobValueSize

func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, goerr.New("encode vector: empty vector")
	}
	if len(vector) > maxBlobDim {
		return nil, goerr.New("encode vector: dimension too large", goerr.V("dim", len(vector)))
	}

	blob := make([]byte, blobHeaderSize+len(vector)*blobValueSize)
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if !finite(float64(v)) {
			return nil, goerr.New("encode vector: non-finite value", goerr.V("index", i))
		}
		off := blobHeaderSize + i*blobValueSize
		binary.LittleEndian.PutUint32(blob[off:], math.Float32bits(v))
	}
	return blob, nil
}

func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeaderSize {
		return nil, goerr.New("decode vector: invalid vector blob length", goerr.V("length", len(blob)))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 || dim > maxBlobDim {
		return nil, goerr.New("decode vector: invalid vector dimension", goerr.V("dim", dim))
	}
	if want := blobHeaderSize + dim*blobValueSize; len(blob) != want {
		return nil, goerr.New("decode vector: vector blob dimension mismatch",
			goerr.V("dim", dim), goerr.V("payload", len(blob)-blobHeaderSize))
	}

	vector := make([]float32, dim)
	for i := range vector {
		off := blobHeaderSize + i*blobValueSize
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[off:]))
		if !finite(float64(v)) {
			return nil, goerr.New("decode vector: non-finite value", goerr.V("index", i))
		}
		vector[i] = v
	}
	return vector, nil
}

// CosineSimilarity returns a value clamped to [-1, 1]. Empty, mismatched or
// zero-norm vectors are errors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, goerr.New("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, goerr.New("cosine similarity: vector dimension mismatch", goerr.V("a", len(a)), goerr.V("b", len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		if !finite(ai) || !finite(bi) {
			return 0, goerr.New("cosine similarity: non-finite value", goerr.V("index", i))
		}
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, goerr.New("cosine similarity: zero vector norm")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, score)), nil
}

// normalize scales vec to unit length in place. Zero vectors are left as is.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
