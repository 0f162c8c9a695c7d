// Package shardpool maintains the live set of shards and performs
// fan-out searches across them.
//
// Grounded on original_source/dt_sim/indexer/ivf_index_handlers.py's
// Shard/RangeShards (one OS process per shard there; one long-lived
// goroutine per shard here — see DESIGN.md's Open Question decision on
// replacing the process-per-shard scheduling model with goroutines
// while preserving its isolation and locking contract) and
// base_indexer.py's BaseIndexer.search/get_index_paths. The
// search-lock/writer-lock split uses a plain sync.RWMutex: RLock per
// search, Lock while attaching a shard.
package shardpool

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/newsindex/internal/corelog"
	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/pkg/ivfindex"
)

var shardDateRe = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)

// request is sent to a worker's input channel.
type request struct {
	ctx      context.Context
	query    []float32
	k        int
	radius   float32
	isRadius bool
	respCh   chan response
}

type response struct {
	distances []float32
	ids       []int64
	err       error
}

// worker owns one shard's memory-mapped index exclusively; it is the
// Go analogue of the original's per-shard OS process.
type worker struct {
	name   string
	path   string
	date   string // YYYY-MM-DD parsed from the filename
	index  *ivfindex.Index
	cache  *resultCache
	reqCh  chan request
	cancel context.CancelFunc
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.reqCh:
			if !ok {
				return
			}
			w.handle(req)
		}
	}
}

func (w *worker) handle(req request) {
	param := req.radius
	if !req.isRadius {
		param = float32(req.k)
	}
	key := cacheKey(req.query, param, req.isRadius)
	if d, ids, ok := w.cache.get(key); ok {
		req.respCh <- response{distances: d, ids: ids}
		return
	}

	var d []float32
	var ids []int64
	var err error
	if req.isRadius {
		d, ids, err = w.index.RangeSearch(req.query, req.radius)
	} else {
		d, ids, err = w.index.Search(req.query, req.k)
	}
	if err != nil {
		req.respCh <- response{err: err}
		return
	}
	w.cache.put(key, d, ids)
	req.respCh <- response{distances: d, ids: ids}
}

// Entry is the externally-visible registry row (also mirrored into the
// SQLite-backed registry; see internal/registry).
type Entry struct {
	Name string
	Path string
	Date string
}

// Pool is the Shard Pool coordinator: registry + search-lock/writer-lock.
type Pool struct {
	mu       sync.RWMutex // RLock per search, Lock during AddShard/DetachShard
	log      corelog.Logger
	cacheCap int
	workers  map[string]*worker
	onAttach func(Entry)
	onDetach func(name string)
}

// New creates an empty pool. onAttach, if non-nil, is called after
// every successful attach (startup or dynamic) — the hook the
// SQLite-backed registry mirror uses to log attach history. onDetach,
// if non-nil, is called after every successful DetachShard.
func New(cacheCap int, log corelog.Logger, onAttach func(Entry), onDetach func(name string)) *Pool {
	if log == nil {
		log = corelog.Noop()
	}
	return &Pool{log: log, cacheCap: cacheCap, workers: make(map[string]*worker), onAttach: onAttach, onDetach: onDetach}
}

// Load enumerates .index files directly inside dir (non-recursive),
// sorted lexicographically (hence by embedded date), spawning one
// worker per shard.
func (p *Pool) Load(ctx context.Context, dir string) error {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return errs.Wrap(errs.KindFormatError, "shardpool.load", err)
	}
	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".index" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.attach(ctx, filepath.Join(dir, name)); err != nil {
			return errs.Wrap(errs.KindMissingShard, "shardpool.load", err)
		}
	}
	return nil
}

func (p *Pool) attach(ctx context.Context, path string) error {
	idx, err := ivfindex.Deserialize(path, ivfindex.DeserializeFlags{MMAP: true})
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), ".index")
	date := shardDateRe.FindString(name)

	workerCtx, cancel := context.WithCancel(ctx)
	w := &worker{
		name:   name,
		path:   path,
		date:   date,
		index:  idx,
		cache:  newResultCache(p.cacheCap),
		reqCh:  make(chan request, 16),
		cancel: cancel,
	}
	p.workers[name] = w
	go w.run(workerCtx)

	p.log.Info("shard attached", "name", name, "path", path, "date", date)
	if p.onAttach != nil {
		p.onAttach(Entry{Name: name, Path: path, Date: date})
	}
	return nil
}

// AddShard hot-attaches a new shard, blocking concurrent searches while
// it validates, spawns and registers the worker.
func (p *Pool) AddShard(ctx context.Context, path string) error {
	if filepath.Ext(path) != ".index" {
		return errs.New(errs.KindFormatError, "add_shard", "path must end in .index")
	}
	name := strings.TrimSuffix(filepath.Base(path), ".index")

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[name]; exists {
		p.log.Warn("shard already attached", "name", name)
		return errs.New(errs.KindShardAlreadyAttached, "add_shard", name)
	}
	return p.attach(ctx, path)
}

// DetachShard stops a shard's worker goroutine, releases its mmap
// handle, and removes it from the registry, blocking concurrent
// searches the same way AddShard does.
func (p *Pool) DetachShard(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[name]
	if !exists {
		return errs.New(errs.KindMissingShard, "detach_shard", name)
	}
	w.cancel()
	w.index.Close()
	delete(p.workers, name)

	p.log.Info("shard detached", "name", name)
	if p.onDetach != nil {
		p.onDetach(name)
	}
	return nil
}

// Entries returns a snapshot of the current registry.
func (p *Pool) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, Entry{Name: w.name, Path: w.path, Date: w.date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SearchParams bundles the parameters forwarded to Search.
type SearchParams struct {
	Query     []float32
	K         int
	Radius    float32
	UseRadius bool
	StartDate string // YYYY-MM-DD, inclusive; raised so the window spans at most maxWindowDays
	EndDate   string // YYYY-MM-DD, inclusive; clamped to today
}

// Search fans a query out to every shard eligible under the date
// window, drains their responses bounded by the expected-result-count
// invariant, and returns the accumulated (distances, ids) joint-sorted.
func (p *Pool) Search(ctx context.Context, params SearchParams, maxWindowDays int) ([]float32, []int64, error) {
	startDate, endDate, err := clampWindow(params.StartDate, params.EndDate, maxWindowDays)
	if err != nil {
		return nil, nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var eligible []*worker
	for _, w := range p.workers {
		if shardEligible(w.date, startDate, endDate) {
			eligible = append(eligible, w)
		}
	}
	// The RLock is held through the fan-out and drain below, not just the
	// snapshot: a concurrent AddShard blocks on the writer-lock until this
	// search completes, matching the documented attach/search ordering.

	if len(eligible) == 0 {
		return []float32{}, []int64{}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]response, len(eligible))
	for i, w := range eligible {
		i, w := i, w
		g.Go(func() error {
			respCh := make(chan response, 1)
			select {
			case w.reqCh <- request{ctx: gctx, query: params.Query, k: params.K, radius: params.Radius, isRadius: params.UseRadius, respCh: respCh}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case r := <-respCh:
				results[i] = r
				return r.err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, errs.Wrap(errs.KindUpstreamError, "shardpool.search", err)
	}

	var allD []float32
	var allI []int64
	for _, r := range results {
		allD = append(allD, r.distances...)
		allI = append(allI, r.ids...)
	}
	d, ids := ivfindex.JointSort(allD, allI)
	return d, ids, nil
}

func shardEligible(shardDate, start, end string) bool {
	if shardDate == "" {
		return false
	}
	return shardDate >= start && shardDate <= end
}

// clampWindow validates start<=end, clamps end to today, and clamps the
// resulting window to at most maxWindowDays.
func clampWindow(start, end string, maxWindowDays int) (string, string, error) {
	if start == "" {
		start = "0000-01-01"
	}
	today := time.Now().UTC().Format("2006-01-02")
	if end == "" || end > today {
		end = today
	}
	if start > end {
		return "", "", errs.New(errs.KindBadRequest, "shardpool.search", "start_date must be <= end_date")
	}

	startT, err1 := time.Parse("2006-01-02", start)
	endT, err2 := time.Parse("2006-01-02", end)
	if err1 == nil && err2 == nil {
		if endT.Sub(startT) > time.Duration(maxWindowDays)*24*time.Hour {
			startT = endT.Add(-time.Duration(maxWindowDays) * 24 * time.Hour)
			start = startT.Format("2006-01-02")
		}
	}
	return start, end, nil
}

// Close stops every worker goroutine and releases its mmap handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.cancel()
		w.index.Close()
	}
	return nil
}

// ParseShardDate validates a caller-supplied date string shape before
// forwarding it to Search, returning its numeric fields.
func ParseShardDate(date string) (year, month, day int, ok bool) {
	m := shardDateRe.FindStringSubmatch(date)
	if m == nil {
		return 0, 0, 0, false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	return y, mo, d, true
}
