package ivfindex

import "testing"

func trainedIndex(t *testing.T) *Index {
	t.Helper()
	ivf := New(4, 2, CompressionFlat)
	training := [][]float32{
		{1, 0, 0, 0}, {0.9, 0.1, 0, 0}, {0.8, 0, 0.1, 0},
		{0, 0, 0, 1}, {0, 0, 0.1, 0.9}, {0, 0.1, 0, 0.8},
	}
	if err := ivf.Train(training); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return ivf
}

func TestScenarioARoundTrip(t *testing.T) {
	ivf := trainedIndex(t)
	embeddings := [][]float32{
		{1, 0, 0, 0}, // doc 1, title "alpha"
		{0, 1, 0, 0}, // doc 1, sent "beta"
		{0, 0, 1, 0}, // doc 1, sent "gamma"
		{0, 0, 0, 1}, // doc 2, title "delta"
		{0, 0, 0, 0.5},
	}
	ids := []int64{10000, 10001, 10002, 20000, 20001}
	if err := ivf.AddWithIDs(embeddings, ids); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}

	distances, gotIDs, err := ivf.Search([]float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(gotIDs) != 1 || gotIDs[0] != 10000 {
		t.Fatalf("expected top-1 id 10000, got %v", gotIDs)
	}
	if distances[0] != 0 {
		t.Fatalf("expected distance 0, got %v", distances[0])
	}
}

func TestDivmodDecoding(t *testing.T) {
	id := int64(42*10000 + 7)
	docID := id / 10000
	sentOrdinal := id % 10000
	if docID != 42 || sentOrdinal != 7 {
		t.Fatalf("divmod decode wrong: doc=%d sent=%d", docID, sentOrdinal)
	}
}

func TestRangeSearchVariableLength(t *testing.T) {
	ivf := trainedIndex(t)
	ivf.AddWithIDs([][]float32{
		{1, 0, 0, 0}, {0.95, 0.05, 0, 0}, {0, 0, 0, 1},
	}, []int64{1, 2, 3})

	distances, ids, err := ivf.RangeSearch([]float32{1, 0, 0, 0}, 0.2)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 hits within radius, got %d (%v)", len(ids), ids)
	}
	for i := 1; i < len(distances); i++ {
		if distances[i] < distances[i-1] {
			t.Fatalf("range search result not sorted ascending: %v", distances)
		}
	}
}

func TestJointSortIdempotentAndTieBreak(t *testing.T) {
	d := []float32{0.3, 0.1, 0.1, 0.2}
	ids := []int64{4, 9, 2, 3}

	d1, i1 := JointSort(d, ids)
	want := []int64{2, 9, 3, 4}
	for i, id := range want {
		if i1[i] != id {
			t.Fatalf("tie-break ordering wrong: got %v want %v", i1, want)
		}
	}

	d2, i2 := JointSort(d1, i1)
	for i := range d2 {
		if d2[i] != d1[i] || i2[i] != i1[i] {
			t.Fatalf("JointSort not idempotent: %v/%v vs %v/%v", d1, i1, d2, i2)
		}
	}
}

func TestSQ8CompressionRoundTripsApproximately(t *testing.T) {
	ivf := New(4, 2, CompressionSQ8)
	training := [][]float32{
		{1, 0, 0, 0}, {0.9, 0.1, 0, 0}, {0.8, 0, 0.1, 0},
		{0, 0, 0, 1}, {0, 0, 0.1, 0.9}, {0, 0.1, 0, 0.8},
	}
	if err := ivf.Train(training); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if ivf.quantizer == nil {
		t.Fatal("expected a trained scalar quantizer under CompressionSQ8")
	}

	if err := ivf.AddWithIDs([][]float32{{1, 0, 0, 0}}, []int64{10000}); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}
	distances, ids, err := ivf.Search([]float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 || ids[0] != 10000 {
		t.Fatalf("expected top-1 id 10000, got %v", ids)
	}
	// Quantization is lossy; the query vector matches the trained
	// extreme exactly so the round trip should still land very close.
	if distances[0] > 0.05 {
		t.Fatalf("expected near-zero distance after SQ8 round trip, got %v", distances[0])
	}
}

func TestJointSortEarlyExit(t *testing.T) {
	d := []float32{0.1, 0.2, 0.3}
	ids := []int64{1, 2, 3}
	outD, outI := JointSort(d, ids)
	// Already sorted: same backing arrays are returned (early exit).
	if &outD[0] != &d[0] {
		t.Fatal("expected early-exit to return the same slice")
	}
	_ = outI
}
