// Package quantization implements scalar quantization, the lossy
// per-dimension compression ivfindex applies to vectors under
// CompressionSQ8: each component is rescaled into its trained
// [min, max] range and packed into NBits rather than stored as a
// full float32.
package quantization

import (
	"errors"
	"fmt"
)

// ScalarQuantizer holds the per-dimension [Min, Max] ranges learned by
// Train and used by Encode/Decode to pack and unpack NBits-per-component
// vectors.
type ScalarQuantizer struct {
	Dimension int
	Min       []float32
	Max       []float32
	NBits     int
	Trained   bool
}

// NewScalarQuantizer allocates a quantizer for the given dimension. NBits
// must be between 1 and 8.
func NewScalarQuantizer(dimension int, nbits int) (*ScalarQuantizer, error) {
	if nbits < 1 || nbits > 8 {
		return nil, fmt.Errorf("nbits must be between 1 and 8, got %d", nbits)
	}

	return &ScalarQuantizer{
		Dimension: dimension,
		NBits:     nbits,
		Min:       make([]float32, dimension),
		Max:       make([]float32, dimension),
	}, nil
}

// Train scans vectors for the min/max of each dimension. Dimensions that
// turn out constant get a small epsilon spread so Encode never divides by
// zero.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errors.New("no training vectors provided")
	}

	for d := 0; d < sq.Dimension; d++ {
		sq.Min[d] = vectors[0][d]
		sq.Max[d] = vectors[0][d]
	}

	for _, vec := range vectors {
		if len(vec) != sq.Dimension {
			return fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vec), sq.Dimension)
		}
		for d := 0; d < sq.Dimension; d++ {
			if vec[d] < sq.Min[d] {
				sq.Min[d] = vec[d]
			}
			if vec[d] > sq.Max[d] {
				sq.Max[d] = vec[d]
			}
		}
	}

	for d := 0; d < sq.Dimension; d++ {
		if sq.Max[d] == sq.Min[d] {
			sq.Max[d] += 1e-6
		}
	}

	sq.Trained = true
	return nil
}

// Encode packs vector into NBits-per-dimension bytes, clamping any value
// outside the trained [Min, Max] range to its nearest bound.
func (sq *ScalarQuantizer) Encode(vector []float32) ([]byte, error) {
	if !sq.Trained {
		return nil, errors.New("quantizer not trained")
	}
	if len(vector) != sq.Dimension {
		return nil, fmt.Errorf("vector dimension %d doesn't match quantizer dimension %d", len(vector), sq.Dimension)
	}

	maxVal := float32((int(1) << uint(sq.NBits)) - 1)

	bitsNeeded := sq.Dimension * sq.NBits
	bytesNeeded := (bitsNeeded + 7) / 8
	encoded := make([]byte, bytesNeeded)

	bitOffset := 0
	for d := 0; d < sq.Dimension; d++ {
		normalized := (vector[d] - sq.Min[d]) / (sq.Max[d] - sq.Min[d])
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}

		quantized := uint32(normalized * maxVal)

		for b := 0; b < sq.NBits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := bitOffset % 8
			if (quantized & (1 << b)) != 0 {
				encoded[byteIdx] |= 1 << bitIdx
			}
			bitOffset++
		}
	}

	return encoded, nil
}

// Decode reconstructs an approximate vector from bytes produced by Encode.
// The reconstruction loses precision relative to the original component;
// CompressionRatio quantifies how much space that precision traded away.
func (sq *ScalarQuantizer) Decode(encoded []byte) ([]float32, error) {
	if !sq.Trained {
		return nil, errors.New("quantizer not trained")
	}

	maxVal := float32((int(1) << uint(sq.NBits)) - 1)
	vector := make([]float32, sq.Dimension)

	bitOffset := 0
	for d := 0; d < sq.Dimension; d++ {
		quantized := uint32(0)
		for b := 0; b < sq.NBits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := bitOffset % 8
			if byteIdx >= len(encoded) {
				return nil, errors.New("encoded data too short")
			}
			if (encoded[byteIdx] & (1 << bitIdx)) != 0 {
				quantized |= 1 << b
			}
			bitOffset++
		}

		normalized := float32(quantized) / maxVal
		vector[d] = normalized*(sq.Max[d]-sq.Min[d]) + sq.Min[d]
	}

	return vector, nil
}

// CompressionRatio reports how many times smaller an encoded vector is
// than its original float32 representation.
func (sq *ScalarQuantizer) CompressionRatio() float32 {
	originalBits := sq.Dimension * 32
	compressedBits := sq.Dimension * sq.NBits
	return float32(originalBits) / float32(compressedBits)
}
