// Package httpapi exposes the query-serving and shard-admin HTTP
// surface: GET /search, PUT/DELETE /faiss, and (new) GET /shards.
//
// Grounded on original similarity_server.py's route shapes and status
// codes, with explicit error-kind to status-code dispatch rather than
// a generic 500-for-everything.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/liliang-cn/newsindex/internal/corelog"
	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/internal/queryproc"
	"github.com/liliang-cn/newsindex/internal/shardpool"
)

// ShardLister is satisfied by the SQLite-backed registry mirror.
type ShardLister interface {
	List(ctx context.Context) ([]ShardRow, error)
}

// ShardRow is the JSON shape returned by GET /shards.
type ShardRow struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	AttachedAt string `json:"attached_at"`
	Status     string `json:"status"`
}

// Server wires the Query Processor, Shard Pool and (optional) registry
// into http.Handlers.
type Server struct {
	Query    *queryproc.Processor
	Pool     *shardpool.Pool
	Registry ShardLister
	Log      corelog.Logger
}

// New builds a Server. registry may be nil; GET /shards then returns an
// empty list rather than failing, since the registry is a best-effort
// mirror and never the source of truth.
func New(q *queryproc.Processor, pool *shardpool.Pool, registry ShardLister, log corelog.Logger) *Server {
	if log == nil {
		log = corelog.Noop()
	}
	return &Server{Query: q, Pool: pool, Registry: registry, Log: log}
}

// Routes returns an http.Handler with all three routes registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/faiss", s.handleFaiss)
	mux.HandleFunc("/shards", s.handleShards)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an errs.Kind to its corresponding HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindBadRequest, errs.KindFormatError:
		return http.StatusBadRequest
	case errs.KindPathConflict:
		return http.StatusConflict
	case errs.KindMissingShard:
		return http.StatusNotFound
	case errs.KindUpstreamError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// handleSearch implements GET /search?query=&k=&start_date=&end_date=&rerank_by_doc=.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	q := r.URL.Query()

	query, err := queryproc.NormalizeQuery(q.Get("query"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	k := 10
	if v := q.Get("k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			k = n
		}
	}
	rerankByDoc := q.Get("rerank_by_doc") == "true" || q.Get("rerank_by_doc") == "1"

	req := queryproc.Request{
		Query:       query,
		K:           k,
		StartDate:   q.Get("start_date"),
		EndDate:     q.Get("end_date"),
		RerankByDoc: rerankByDoc,
	}

	docs, sentences, err := s.Query.Query(r.Context(), req)
	if err != nil {
		s.Log.Error("search failed", "err", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	if rerankByDoc {
		writeJSON(w, http.StatusOK, docs)
		return
	}
	writeJSON(w, http.StatusOK, sentences)
}

// handleFaiss implements PUT /faiss?path=<absolute path> (attach) and
// DELETE /faiss?name=<shard name> (detach, new).
func (s *Server) handleFaiss(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		s.handleFaissAttach(w, r)
	case http.MethodDelete:
		s.handleFaissDetach(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "PUT or DELETE only")
	}
}

func (s *Server) handleFaissAttach(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "path does not exist: "+path)
		return
	}

	if err := s.Pool.AddShard(r.Context(), path); err != nil {
		if errs.KindOf(err) == errs.KindShardAlreadyAttached {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already attached"})
			return
		}
		s.Log.Error("attach failed", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "attached", "path": path})
}

func (s *Server) handleFaissDetach(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.Pool.DetachShard(name); err != nil {
		s.Log.Error("detach failed", "name", name, "err", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detached", "name": name})
}

// handleShards implements GET /shards, the registry-introspection
// endpoint this rework adds beyond the documented routes.
func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	if s.Registry == nil {
		writeJSON(w, http.StatusOK, []ShardRow{})
		return
	}
	rows, err := s.Registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
