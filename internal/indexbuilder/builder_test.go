package indexbuilder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/newsindex/pkg/ivfindex"
)

func trainingSet() [][]float32 {
	return [][]float32{
		{1, 0}, {0.9, 0.1}, {0.8, 0.2},
		{0, 1}, {0.1, 0.9}, {0.2, 0.8},
	}
}

func TestSetupBaseIndexEmptyAndTrained(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.index")
	if err := SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, trainingSet()); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}
	base, err := loadBase(basePath)
	if err != nil {
		t.Fatalf("loadBase: %v", err)
	}
	defer base.Close()
	if base.Ntotal() != 0 {
		t.Fatalf("expected ntotal 0, got %d", base.Ntotal())
	}
}

func TestSetupBaseIndexRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.index")
	if err := SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, trainingSet()); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}
	if err := SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, trainingSet()); err == nil {
		t.Fatal("expected PathConflict")
	}
}

func TestScenarioCMergePreservesCount(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.index")
	if err := SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, trainingSet()); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}

	counts := []int{1000, 2000, 1500}
	var subPaths []string
	for i, n := range counts {
		vecs := make([][]float32, n)
		ids := make([]int64, n)
		for j := 0; j < n; j++ {
			if j%2 == 0 {
				vecs[j] = []float32{1, 0}
			} else {
				vecs[j] = []float32{0, 1}
			}
			ids[j] = int64(i*1_000_000 + j)
		}
		subPath := filepath.Join(dir, "sub"+string(rune('0'+i))+".index")
		if err := GenerateSubindex(basePath, subPath, vecs, ids); err != nil {
			t.Fatalf("GenerateSubindex: %v", err)
		}
		subPaths = append(subPaths, subPath)
	}

	outIndex := filepath.Join(dir, "2024-01-01_all.index")
	outData := filepath.Join(dir, "2024-01-01_all.ivfdata")
	total, err := MergeIVFs(outIndex, outData, subPaths)
	if err != nil {
		t.Fatalf("MergeIVFs: %v", err)
	}
	if total != 4500 {
		t.Fatalf("expected merged ntotal 4500, got %d", total)
	}

	ntotal, err := ivfindex.Ntotal(outIndex)
	if err != nil {
		t.Fatalf("Ntotal: %v", err)
	}
	if ntotal != 4500 {
		t.Fatalf("expected shard ntotal 4500, got %d", ntotal)
	}
}

func TestGenerateSubindexRejectsNonEmptyBase(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.index")
	if err := SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, trainingSet()); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}
	subPath := filepath.Join(dir, "sub.index")
	if err := GenerateSubindex(basePath, subPath, [][]float32{{1, 0}}, []int64{1}); err != nil {
		t.Fatalf("GenerateSubindex: %v", err)
	}

	// Using the already-populated subindex as a "base" must fail.
	subPath2 := filepath.Join(dir, "sub2.index")
	if err := GenerateSubindex(subPath, subPath2, [][]float32{{1, 0}}, []int64{2}); err == nil {
		t.Fatal("expected FormatError when base is not empty")
	}
}

func TestZipIndexesGroupsByDate(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.index")
	if err := SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, trainingSet()); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}

	srcDir := filepath.Join(dir, "src")
	targetDir := filepath.Join(dir, "target")
	os.MkdirAll(srcDir, 0o755)
	os.MkdirAll(targetDir, 0o755)

	mkSub := func(path string, ids []int64) {
		vecs := make([][]float32, len(ids))
		for i := range vecs {
			vecs[i] = []float32{1, 0}
		}
		if err := GenerateSubindex(basePath, path, vecs, ids); err != nil {
			t.Fatalf("GenerateSubindex: %v", err)
		}
	}

	mkSub(filepath.Join(srcDir, "2024-02-10_batch0_sub.index"), []int64{1, 2})
	mkSub(filepath.Join(srcDir, "2024-02-10_batch1_sub.index"), []int64{3, 4})
	mkSub(filepath.Join(srcDir, "2024-03-01_batch0_sub.index"), []int64{5})

	if err := ZipIndexes(srcDir, targetDir, false, false); err != nil {
		t.Fatalf("ZipIndexes: %v", err)
	}

	found, err := findIndexes(targetDir, false)
	if err != nil {
		t.Fatalf("findIndexes: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 consolidated date shards, got %d (%v)", len(found), found)
	}
}
