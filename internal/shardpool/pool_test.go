package shardpool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/newsindex/internal/indexbuilder"
	"github.com/liliang-cn/newsindex/pkg/ivfindex"
)

func buildShard(t *testing.T, shardDir, date string, ids []int64) string {
	t.Helper()
	scratch := t.TempDir()
	basePath := filepath.Join(scratch, date+"-base.index")
	training := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}}
	if err := indexbuilder.SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, training); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}
	vecs := make([][]float32, len(ids))
	for i := range vecs {
		vecs[i] = []float32{1, 0}
	}
	subPath := filepath.Join(scratch, date+"_sub.index")
	if err := indexbuilder.GenerateSubindex(basePath, subPath, vecs, ids); err != nil {
		t.Fatalf("GenerateSubindex: %v", err)
	}
	outIndex := filepath.Join(shardDir, date+"_all.index")
	outData := filepath.Join(shardDir, date+"_all.ivfdata")
	if _, err := indexbuilder.MergeIVFs(outIndex, outData, []string{subPath}); err != nil {
		t.Fatalf("MergeIVFs: %v", err)
	}
	return outIndex
}

func TestScenarioEDateRangeFilter(t *testing.T) {
	shardDir := t.TempDir()
	buildShard(t, shardDir, "2024-01-05", []int64{1})
	buildShard(t, shardDir, "2024-02-10", []int64{2})
	buildShard(t, shardDir, "2024-03-15", []int64{3})

	pool := New(64, nil, nil, nil)
	if err := pool.Load(context.Background(), shardDir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer pool.Close()

	d, ids, err := pool.Search(context.Background(), SearchParams{
		Query: []float32{1, 0}, K: 5, StartDate: "2024-02-01", EndDate: "2024-02-28",
	}, 180)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected only February shard's id 2, got %v (%v)", ids, d)
	}
}

func TestAddShardRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	path := buildShard(t, dir, "2024-05-01", []int64{9})

	pool := New(64, nil, nil, nil)
	if err := pool.AddShard(context.Background(), path); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if err := pool.AddShard(context.Background(), path); err == nil {
		t.Fatal("expected ShardAlreadyAttached error")
	}
}

func TestDetachShardRemovesWorkerAndAllowsReattach(t *testing.T) {
	dir := t.TempDir()
	path := buildShard(t, dir, "2024-06-01", []int64{11})

	var detached []string
	pool := New(64, nil, nil, func(name string) { detached = append(detached, name) })
	if err := pool.AddShard(context.Background(), path); err != nil {
		t.Fatalf("AddShard: %v", err)
	}

	name := "2024-06-01_all"
	if err := pool.DetachShard(name); err != nil {
		t.Fatalf("DetachShard: %v", err)
	}
	if len(detached) != 1 || detached[0] != name {
		t.Fatalf("expected onDetach called once with %q, got %v", name, detached)
	}

	if _, _, err := pool.Search(context.Background(), SearchParams{Query: []float32{1, 0}, K: 5}, 180); err != nil {
		t.Fatalf("Search after detach: %v", err)
	}

	if err := pool.DetachShard(name); err == nil {
		t.Fatal("expected MissingShard error detaching an already-detached shard")
	}

	if err := pool.AddShard(context.Background(), path); err != nil {
		t.Fatalf("re-AddShard after detach: %v", err)
	}
}
