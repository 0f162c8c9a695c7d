package ivfindex

import (
	"path/filepath"
	"testing"
)

func buildSmallIndex(t *testing.T) *Index {
	t.Helper()
	ivf := New(3, 2, CompressionFlat)
	training := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}, {0.5, 0.5}, {0.4, 0.6}}
	if err := ivf.Train(training); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := ivf.AddWithIDs([][]float32{{1, 0}, {0, 1}, {0.5, 0.5}}, []int64{100, 200, 300}); err != nil {
		t.Fatalf("AddWithIDs: %v", err)
	}
	return ivf
}

func TestSerializeDeserializeInline(t *testing.T) {
	ivf := buildSmallIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sub.index")
	if err := ivf.Serialize(path); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	loaded, err := Deserialize(path, DeserializeFlags{})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if loaded.Ntotal() != 3 {
		t.Fatalf("expected ntotal 3, got %d", loaded.Ntotal())
	}
	distances, ids, err := loaded.Search([]float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("Search on reloaded index: %v", err)
	}
	if ids[0] != 100 || distances[0] != 0 {
		t.Fatalf("unexpected reloaded search result: %v %v", distances, ids)
	}
}

func TestSerializeShardAndMmapDeserialize(t *testing.T) {
	ivf := buildSmallIndex(t)
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "2024-02-10_all.index")
	dataPath := filepath.Join(dir, "2024-02-10_all.ivfdata")

	if err := ivf.SerializeShard(idxPath, dataPath); err != nil {
		t.Fatalf("SerializeShard: %v", err)
	}

	loaded, err := Deserialize(idxPath, DeserializeFlags{MMAP: true})
	if err != nil {
		t.Fatalf("Deserialize mmap: %v", err)
	}
	defer loaded.Close()

	if loaded.Ntotal() != 3 {
		t.Fatalf("expected ntotal 3, got %d", loaded.Ntotal())
	}
	distances, ids, err := loaded.Search([]float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search on mmapped shard: %v", err)
	}
	if ids[0] != 200 || distances[0] != 0 {
		t.Fatalf("unexpected mmapped search result: %v %v", distances, ids)
	}
}

func TestSerializeRefusesOverwrite(t *testing.T) {
	ivf := buildSmallIndex(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sub.index")
	if err := ivf.Serialize(path); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := ivf.Serialize(path); err == nil {
		t.Fatal("expected PathConflict on re-serialize to same path")
	}
}
