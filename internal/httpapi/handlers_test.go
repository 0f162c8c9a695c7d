package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/newsindex/internal/config"
	"github.com/liliang-cn/newsindex/internal/embedclient"
	"github.com/liliang-cn/newsindex/internal/indexbuilder"
	"github.com/liliang-cn/newsindex/internal/queryproc"
	"github.com/liliang-cn/newsindex/internal/shardpool"
	"github.com/liliang-cn/newsindex/pkg/ivfindex"
)

func fakeEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs struct {
				Text []string `json:"text"`
			} `json:"inputs"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		outs := make([][]float32, len(req.Inputs.Text))
		for i := range outs {
			outs[i] = []float32{1, 0}
		}
		json.NewEncoder(w).Encode(struct {
			Outputs [][]float32 `json:"outputs"`
		}{Outputs: outs})
	}))
}

func buildTestShard(t *testing.T, shardDir string) {
	t.Helper()
	scratch := t.TempDir()
	basePath := filepath.Join(scratch, "base.index")
	training := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}}
	if err := indexbuilder.SetupBaseIndex(basePath, 2, 2, ivfindex.CompressionFlat, training); err != nil {
		t.Fatalf("SetupBaseIndex: %v", err)
	}
	subPath := filepath.Join(scratch, "sub.index")
	if err := indexbuilder.GenerateSubindex(basePath, subPath, [][]float32{{1, 0}}, []int64{10000}); err != nil {
		t.Fatalf("GenerateSubindex: %v", err)
	}
	outIndex := filepath.Join(shardDir, "2024-02-10_all.index")
	outData := filepath.Join(shardDir, "2024-02-10_all.ivfdata")
	if _, err := indexbuilder.MergeIVFs(outIndex, outData, []string{subPath}); err != nil {
		t.Fatalf("MergeIVFs: %v", err)
	}
}

func newTestServer(t *testing.T) (*Server, *shardpool.Pool, string) {
	t.Helper()
	shardDir := t.TempDir()
	buildTestShard(t, shardDir)

	pool := shardpool.New(64, nil, nil, nil)
	if err := pool.Load(context.Background(), shardDir); err != nil {
		t.Fatalf("pool.Load: %v", err)
	}

	embedSrv := fakeEmbedServer(t)
	t.Cleanup(embedSrv.Close)
	client := embedclient.New(embedSrv.URL, embedSrv.Client(), 64)

	qp := queryproc.New(client, pool, config.DefaultConfig())
	return New(qp, pool, nil, nil), pool, shardDir
}

func TestHandleSearchHappyPath(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	defer pool.Close()

	req := httptest.NewRequest(http.MethodGet, "/search?"+url.Values{
		"query":         {"alpha"},
		"k":             {"5"},
		"rerank_by_doc": {"true"},
	}.Encode(), nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleSearchRejectsEmptyQuery(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	defer pool.Close()

	req := httptest.NewRequest(http.MethodGet, "/search?k=5", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleFaissAttachNotFound(t *testing.T) {
	srv, pool, shardDir := newTestServer(t)
	defer pool.Close()

	buildTestShard2 := filepath.Join(shardDir, "..", "second_shard_does_not_exist.index")
	req := httptest.NewRequest(http.MethodPut, "/faiss?path="+url.QueryEscape(buildTestShard2), nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for nonexistent path, got %d", w.Code)
	}
}

func TestHandleFaissDetach(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	defer pool.Close()

	req := httptest.NewRequest(http.MethodDelete, "/faiss?name=2024-02-10_all", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/faiss?name=2024-02-10_all", nil)
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 re-detaching an unknown shard, got %d", w.Code)
	}
}

func TestHandleShardsEmptyWithoutRegistry(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	defer pool.Close()

	req := httptest.NewRequest(http.MethodGet, "/shards", nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rows []ShardRow
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty shard list without a registry, got %v", rows)
	}
}
