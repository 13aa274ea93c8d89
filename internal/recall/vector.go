package recall

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Blob layout: uint32 dimension, then dimension float32 values, all little-endian.
const (
	blobHeader = 4
	blobValue  = 4
)

func EncodeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	if uint64(len(v)) > math.MaxUint32 || len(v) > (math.MaxInt-blobHeader)/blobValue {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(v))
	}
	blob := make([]byte, blobHeader+len(v)*blobValue)
	binary.LittleEndian.PutUint32(blob, uint32(len(v)))
	for i, x := range v {
		if !finite32(x) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[blobHeader+i*blobValue:], math.Float32bits(x))
	}
	return blob, nil
}

func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeader {
		return nil, fmt.Errorf("decode vector: invalid vector blob length: %d", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 || dim > (math.MaxInt-blobHeader)/blobValue {
		return nil, fmt.Errorf("decode vector: invalid vector dimension: %d", dim)
	}
	if len(blob) != blobHeader+dim*blobValue {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, len(blob)-blobHeader)
	}
	v := make([]float32, dim)
	for i := range v {
		x := math.Float32frombits(binary.LittleEndian.Uint32(blob[blobHeader+i*blobValue:]))
		if !finite32(x) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		v[i] = x
	}
	return v, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped to [-1,1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		if !finite32(a[i]) || !finite32(b[i]) {
			return 0, fmt.Errorf("cosine similarity: invalid value at index %d", i)
		}
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm")
	}
	return math.Max(-1, math.Min(1, dot/(math.Sqrt(na)*math.Sqrt(nb)))), nil
}

func finite32(x float32) bool {
	f := float64(x)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
