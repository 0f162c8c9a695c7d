// Package ivfindex implements the IVF Index Primitives: an in-memory
// and on-disk Inverted-File approximate nearest-neighbor index with
// train, add_with_ids, search (k-NN) and range_search, plus
// serialization with optional memory-mapped on-disk inverted lists.
//
// String ids become int64 divmod-10000 vector ids, Add becomes
// AddWithIDs over a whole batch, and Search gains a RangeSearch sibling
// and on-disk (de)serialization — see io.go.
package ivfindex

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/pkg/quantization"
)

// Compression selects the vector codec used for stored vectors. Fixed
// for the lifetime of an index and must match between a Base Index and
// every subindex/shard derived from it.
type Compression int

const (
	// CompressionFlat stores full-precision float32 vectors.
	CompressionFlat Compression = iota
	// CompressionSQ8 passes each added vector through an 8-bit-per-dimension
	// scalar quantization round trip; the stored values are still float32.
	CompressionSQ8
)

// Index is an Inverted-File index: vectors are partitioned into nlist
// Voronoi cells by nearest centroid; search visits the nprobe nearest
// cells.
type Index struct {
	mu sync.RWMutex

	NCentroids  int // nlist
	Dimension   int
	Compression Compression

	Centroids [][]float32
	Trained   bool

	// Invlists[c] holds the positions into Vectors/IDs assigned to
	// centroid c, in insertion order.
	Invlists [][]int
	Vectors  [][]float32
	IDs      []int64

	NProbe int

	// ivfdataPath is set when this index's inverted lists are
	// externalized to an on-disk .ivfdata file rather than kept inline
	// (the Shard case); see io.go.
	ivfdataPath string
	mapped      *mappedIVFData

	// quantizer is non-nil only when Compression == CompressionSQ8 and
	// this index was trained in process; it is trained alongside the
	// centroids and applied to every vector passed to AddWithIDs. It is
	// not serialized, so an index loaded by Deserialize has no quantizer
	// and stores added vectors unquantized whatever its Compression.
	quantizer *quantization.ScalarQuantizer
}

// New creates an untrained index with the given structural parameters.
func New(dimension, nCentroids int, compression Compression) *Index {
	return &Index{
		NCentroids:  nCentroids,
		Dimension:   dimension,
		Compression: compression,
		NProbe:      minInt(nCentroids, 10),
		Invlists:    make([][]int, nCentroids),
	}
}

// Train learns nCentroids cluster centroids from a representative
// training set via k-means++ initialization followed by Lloyd's
// algorithm.
func (ivf *Index) Train(trainingSet [][]float32) error {
	ivf.mu.Lock()
	defer ivf.mu.Unlock()

	if len(trainingSet) < ivf.NCentroids {
		return errs.New(errs.KindFormatError, "train",
			fmt.Sprintf("need at least %d training vectors, got %d", ivf.NCentroids, len(trainingSet)))
	}

	centroids, err := kMeans(trainingSet, ivf.NCentroids, 20)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "train", err)
	}

	if ivf.Compression == CompressionSQ8 {
		sq, err := quantization.NewScalarQuantizer(ivf.Dimension, 8)
		if err != nil {
			return errs.Wrap(errs.KindFormatError, "train", err)
		}
		if err := sq.Train(trainingSet); err != nil {
			return errs.Wrap(errs.KindFormatError, "train", err)
		}
		ivf.quantizer = sq
	}

	ivf.Centroids = centroids
	ivf.Trained = true
	ivf.Invlists = make([][]int, ivf.NCentroids)
	ivf.Vectors = nil
	ivf.IDs = nil
	return nil
}

// applyCompressionLocked returns vec unchanged under CompressionFlat, or
// its scalar-quantize/dequantize round trip under CompressionSQ8 — the
// same lossy-precision tradeoff the on-disk SQ8 format is named for,
// applied in memory since the on-disk shard format stores float32
// regardless of Compression (see io.go).
func (ivf *Index) applyCompressionLocked(vec []float32) ([]float32, error) {
	if ivf.quantizer == nil {
		return vec, nil
	}
	encoded, err := ivf.quantizer.Encode(vec)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "quantize", err)
	}
	decoded, err := ivf.quantizer.Decode(encoded)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "quantize", err)
	}
	return decoded, nil
}

// IsEmptyAndTrained reports the Base Index invariant: ntotal == 0 and
// is_trained.
func (ivf *Index) IsEmptyAndTrained() bool {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	if ivf.mapped != nil {
		return ivf.Trained && len(ivf.mapped.posOffset) == 0
	}
	return ivf.Trained && len(ivf.IDs) == 0
}

// Ntotal returns the number of vectors currently indexed.
func (ivf *Index) Ntotal() int {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	if ivf.mapped != nil {
		return len(ivf.mapped.posOffset)
	}
	return len(ivf.IDs)
}

// AddWithIDs appends a batch of vectors, preserving caller-supplied
// ids, to their nearest-centroid inverted lists.
func (ivf *Index) AddWithIDs(embeddings [][]float32, ids []int64) error {
	ivf.mu.Lock()
	defer ivf.mu.Unlock()

	if !ivf.Trained {
		return errs.New(errs.KindFormatError, "add_with_ids", "index not trained")
	}
	if len(embeddings) != len(ids) {
		return errs.New(errs.KindFormatError, "add_with_ids",
			fmt.Sprintf("embeddings/ids length mismatch: %d vs %d", len(embeddings), len(ids)))
	}

	for i, vec := range embeddings {
		if len(vec) != ivf.Dimension {
			return errs.New(errs.KindFormatError, "add_with_ids",
				fmt.Sprintf("vector dimension %d doesn't match index dimension %d", len(vec), ivf.Dimension))
		}
		stored, err := ivf.applyCompressionLocked(vec)
		if err != nil {
			return err
		}
		centroid := ivf.nearestCentroidLocked(stored)
		pos := len(ivf.Vectors)
		ivf.Invlists[centroid] = append(ivf.Invlists[centroid], pos)
		ivf.Vectors = append(ivf.Vectors, stored)
		ivf.IDs = append(ivf.IDs, ids[i])
	}
	return nil
}

// candidate pairs a stored vector's id with its distance to a query.
type candidate struct {
	id   int64
	dist float32
}

func (ivf *Index) probedCandidates(query []float32) []candidate {
	type cd struct {
		idx  int
		dist float32
	}
	centroidDists := make([]cd, len(ivf.Centroids))
	for i, c := range ivf.Centroids {
		centroidDists[i] = cd{i, l2Distance(query, c)}
	}
	sort.Slice(centroidDists, func(i, j int) bool { return centroidDists[i].dist < centroidDists[j].dist })

	nprobe := minInt(ivf.NProbe, len(ivf.Centroids))
	var out []candidate
	for i := 0; i < nprobe; i++ {
		for _, pos := range ivf.Invlists[centroidDists[i].idx] {
			id, vec := ivf.vectorAt(pos)
			out = append(out, candidate{id: id, dist: l2Distance(query, vec)})
		}
	}
	return out
}

// vectorAt returns the id and vector at a given inverted-list position,
// transparently reading through the memory-mapped .ivfdata backing
// store when this index's lists have been externalized.
func (ivf *Index) vectorAt(pos int) (int64, []float32) {
	if ivf.mapped != nil {
		return ivf.mapped.ids.at(pos), ivf.mapped.vectors.at(pos)
	}
	return ivf.IDs[pos], ivf.Vectors[pos]
}

// Search performs k-NN search under L2 distance, visiting the NProbe
// nearest cells.
func (ivf *Index) Search(query []float32, k int) (distances []float32, ids []int64, err error) {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()

	if !ivf.Trained {
		return nil, nil, errs.New(errs.KindFormatError, "search", "index not trained")
	}
	if len(query) != ivf.Dimension {
		return nil, nil, errs.New(errs.KindFormatError, "search",
			fmt.Sprintf("query dimension %d doesn't match index dimension %d", len(query), ivf.Dimension))
	}

	cands := ivf.probedCandidates(query)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})

	topK := minInt(k, len(cands))
	distances = make([]float32, topK)
	ids = make([]int64, topK)
	for i := 0; i < topK; i++ {
		distances[i] = cands[i].dist
		ids[i] = cands[i].id
	}
	return distances, ids, nil
}

// RangeSearch returns every vector within L2 distance radius of query
// in the probed cells; the result count varies.
func (ivf *Index) RangeSearch(query []float32, radius float32) (distances []float32, ids []int64, err error) {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()

	if !ivf.Trained {
		return nil, nil, errs.New(errs.KindFormatError, "range_search", "index not trained")
	}
	if len(query) != ivf.Dimension {
		return nil, nil, errs.New(errs.KindFormatError, "range_search",
			fmt.Sprintf("query dimension %d doesn't match index dimension %d", len(query), ivf.Dimension))
	}

	cands := ivf.probedCandidates(query)
	var filtered []candidate
	for _, c := range cands {
		if c.dist <= radius {
			filtered = append(filtered, c)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].dist != filtered[j].dist {
			return filtered[i].dist < filtered[j].dist
		}
		return filtered[i].id < filtered[j].id
	})

	distances = make([]float32, len(filtered))
	ids = make([]int64, len(filtered))
	for i, c := range filtered {
		distances[i] = c.dist
		ids[i] = c.id
	}
	return distances, ids, nil
}

// AllVectors returns every stored vector and its id, walking inverted
// lists in list order, whether the index is inline or backed by a
// memory-mapped .ivfdata file. Used by the Index Builder's merge step
// to drain a subindex's lists into a merged index.
func (ivf *Index) AllVectors() ([][]float32, []int64) {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()

	var vectors [][]float32
	var ids []int64
	for _, list := range ivf.Invlists {
		for _, pos := range list {
			id, vec := ivf.vectorAt(pos)
			vectors = append(vectors, vec)
			ids = append(ids, id)
		}
	}
	return vectors, ids
}

// IvfdataPath returns the external .ivfdata path this index references,
// or "" for an inline (Base Index / Subindex) index.
func (ivf *Index) IvfdataPath() string {
	ivf.mu.RLock()
	defer ivf.mu.RUnlock()
	return ivf.ivfdataPath
}

// SetNProbe sets the number of cells visited per search.
func (ivf *Index) SetNProbe(nprobe int) {
	ivf.mu.Lock()
	defer ivf.mu.Unlock()
	ivf.NProbe = minInt(nprobe, ivf.NCentroids)
}

func (ivf *Index) nearestCentroidLocked(vec []float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, c := range ivf.Centroids {
		d := l2Distance(vec, c)
		if d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

// JointSort sorts two parallel arrays by ascending distance, preserving
// pairing, with ascending-id tie break. Idempotent; exits early if
// already non-decreasing.
func JointSort(distances []float32, ids []int64) ([]float32, []int64) {
	if len(distances) != len(ids) {
		panic("ivfindex: JointSort array length mismatch")
	}
	sorted := true
	for i := 1; i < len(distances); i++ {
		if distances[i] < distances[i-1] {
			sorted = false
			break
		}
	}
	if sorted {
		return distances, ids
	}

	idx := make([]int, len(distances))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		a, b := idx[i], idx[j]
		if distances[a] != distances[b] {
			return distances[a] < distances[b]
		}
		return ids[a] < ids[b]
	})

	outD := make([]float32, len(distances))
	outI := make([]int64, len(ids))
	for newPos, oldPos := range idx {
		outD[newPos] = distances[oldPos]
		outI[newPos] = ids[oldPos]
	}
	return outD, outI
}

func l2Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// kMeans runs k-means++ initialization followed by Lloyd iterations.
func kMeans(vectors [][]float32, k, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("need at least %d vectors, got %d", k, len(vectors))
	}
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	centroids[0] = append([]float32(nil), vectors[rand.Intn(len(vectors))]...)

	for i := 1; i < k; i++ {
		distances := make([]float32, len(vectors))
		var total float32
		for j, v := range vectors {
			best := float32(math.MaxFloat32)
			for c := 0; c < i; c++ {
				if d := l2Distance(v, centroids[c]); d < best {
					best = d
				}
			}
			distances[j] = best * best
			total += distances[j]
		}
		r := rand.Float32() * total
		var cum float32
		for j, d := range distances {
			cum += d
			if cum >= r {
				centroids[i] = append([]float32(nil), vectors[j]...)
				break
			}
		}
		if centroids[i] == nil {
			centroids[i] = append([]float32(nil), vectors[len(vectors)-1]...)
		}
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, float32(math.MaxFloat32)
			for j, c := range centroids {
				if d := l2Distance(v, c); d < bestDist {
					bestDist, best = d, j
				}
			}
			if assignments[i] != best {
				changed = true
				assignments[i] = best
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += v[d]
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				sums[c][d] /= float32(counts[c])
			}
			centroids[c] = sums[c]
		}
	}

	return centroids, nil
}
