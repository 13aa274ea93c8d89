package recall

import (
	"math"
	"strings"
	"testing"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	original := []float32{1.5, -2.25, 0, 3.75}

	encoded, err := EncodeVector(original)
	if err != nil {
		t.Fatalf("EncodeVector error: %v", err)
	}
	if len(encoded) != 4+4*len(original) {
		t.Fatalf("blob length = %d", len(encoded))
	}
	decoded, err := DecodeVector(encoded)
	if err != nil {
		t.Fatalf("DecodeVector error: %v", err)
	}
	assertFloat32Slice(t, decoded, original)
}

func TestDecodeVectorMalformed(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
		want string
	}{
		{"short header", []byte{0x01, 0x02, 0x03}, "invalid vector blob length"},
		{"zero dimension", []byte{0, 0, 0, 0}, "invalid vector dimension"},
		{"payload mismatch", []byte{0x02, 0, 0, 0, 0, 0, 0x80, 0x3f}, "dimension mismatch"},
		{"nan value", []byte{0x01, 0, 0, 0, 0, 0, 0xc0, 0x7f}, "invalid value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeVector(tt.blob)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEncodeVectorRejectsInvalid(t *testing.T) {
	if _, err := EncodeVector(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
	if _, err := EncodeVector([]float32{1, float32(math.Inf(1))}); err == nil {
		t.Fatal("expected error for infinite value")
	}
}

func TestCosineSimilarity(t *testing.T) {
	same, err := CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6})
	if err != nil {
		t.Fatalf("CosineSimilarity error: %v", err)
	}
	if math.Abs(same-1) > 1e-9 {
		t.Fatalf("parallel = %v, want 1", same)
	}

	orth, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil || math.Abs(orth) > 1e-9 {
		t.Fatalf("orthogonal = %v err=%v", orth, err)
	}

	opp, err := CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
	if err != nil || math.Abs(opp+1) > 1e-9 {
		t.Fatalf("opposite = %v err=%v", opp, err)
	}

	for _, pair := range [][2][]float32{
		{{}, {1}},
		{{1, 2}, {1}},
		{{0, 0}, {1, 1}},
	} {
		if _, err := CosineSimilarity(pair[0], pair[1]); err == nil {
			t.Fatalf("expected error for %v", pair)
		}
	}
}
