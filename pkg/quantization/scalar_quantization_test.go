package quantization

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func generateTestVectors(n, dim int) [][]float32 {
	vectors := make([][]float32, n)
	for i := range vectors {
		vec := make([]float32, dim)
		for d := range vec {
			vec[d] = rand.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return vectors
}

func meanSquaredError(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum / float32(len(a))
}

func TestScalarQuantizer(t *testing.T) {
	dim := 128
	nbits := 8

	sq, err := NewScalarQuantizer(dim, nbits)
	if err != nil {
		t.Fatalf("Failed to create scalar quantizer: %v", err)
	}

	if sq.Dimension != dim {
		t.Errorf("Expected dimension %d, got %d", dim, sq.Dimension)
	}
	if sq.NBits != nbits {
		t.Errorf("Expected %d bits, got %d", nbits, sq.NBits)
	}
}

func TestScalarQuantizerInvalidBits(t *testing.T) {
	if _, err := NewScalarQuantizer(128, 0); err == nil {
		t.Error("Expected error for 0 bits")
	}
	if _, err := NewScalarQuantizer(128, 9); err == nil {
		t.Error("Expected error for >8 bits")
	}
}

func TestScalarQuantizerTrainEncodeDecode(t *testing.T) {
	dim := 64
	sq, _ := NewScalarQuantizer(dim, 4)

	vectors := generateTestVectors(100, dim)

	if err := sq.Train(vectors); err != nil {
		t.Fatalf("Failed to train: %v", err)
	}
	if !sq.Trained {
		t.Error("Quantizer should be trained")
	}

	for d := 0; d < dim; d++ {
		if sq.Min[d] >= sq.Max[d] {
			t.Errorf("Invalid min/max for dimension %d", d)
		}
	}

	testVec := vectors[0]
	encoded, err := sq.Encode(testVec)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	bitsNeeded := dim * sq.NBits
	bytesNeeded := (bitsNeeded + 7) / 8
	if len(encoded) != bytesNeeded {
		t.Errorf("Expected %d bytes, got %d", bytesNeeded, len(encoded))
	}

	decoded, err := sq.Decode(encoded)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(decoded) != dim {
		t.Errorf("Expected decoded dimension %d, got %d", dim, len(decoded))
	}

	mse := meanSquaredError(testVec, decoded)
	t.Logf("scalar quantization MSE at 4 bits: %.6f", mse)
	if mse > 0.1 {
		t.Error("Reconstruction error too high for 4-bit quantization")
	}
}

func TestScalarQuantizerEncodeRejectsUntrained(t *testing.T) {
	sq, _ := NewScalarQuantizer(8, 8)
	if _, err := sq.Encode(make([]float32, 8)); err == nil {
		t.Error("Expected error encoding with an untrained quantizer")
	}
}

func TestScalarQuantizerDifferentBits(t *testing.T) {
	dim := 32
	vectors := generateTestVectors(50, dim)

	testCases := []struct {
		bits        int
		maxMSE      float32
		compression float32
	}{
		{1, 1.5, 32.0},
		{2, 0.2, 16.0},
		{4, 0.05, 8.0},
		{8, 0.001, 4.0},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d_bits", tc.bits), func(t *testing.T) {
			sq, _ := NewScalarQuantizer(dim, tc.bits)
			if err := sq.Train(vectors); err != nil {
				t.Fatalf("Train failed: %v", err)
			}

			ratio := sq.CompressionRatio()
			if math.Abs(float64(ratio-tc.compression)) > 0.01 {
				t.Errorf("Expected compression ratio %.1f, got %.1f", tc.compression, ratio)
			}

			var totalMSE float32
			for _, vec := range vectors[:10] {
				encoded, _ := sq.Encode(vec)
				decoded, _ := sq.Decode(encoded)
				totalMSE += meanSquaredError(vec, decoded)
			}
			avgMSE := totalMSE / 10

			t.Logf("%d-bit quantization MSE: %.6f", tc.bits, avgMSE)
			if avgMSE > tc.maxMSE {
				t.Errorf("MSE %.6f exceeds max %.6f for %d bits", avgMSE, tc.maxMSE, tc.bits)
			}
		})
	}
}

func BenchmarkScalarQuantizerEncode(b *testing.B) {
	sq, _ := NewScalarQuantizer(512, 8)
	vectors := generateTestVectors(1000, 512)
	if err := sq.Train(vectors); err != nil {
		b.Fatalf("Train failed: %v", err)
	}

	vec := vectors[0]
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := sq.Encode(vec); err != nil {
			b.Fatalf("Encode failed: %v", err)
		}
	}
}
