// Package queryproc translates a user query into ranked document or
// sentence hits: vectorize -> fan-out search -> aggregate by document
// -> rerank -> format response.
//
// Grounded on original_source/dt_sim/processor/query_processor.py's
// QueryProcessor (query_corpus, vectorize, aggregate_docs,
// format_payload_docs, format_payload_singles), with search and rerank
// kept as distinct pipeline stages.
package queryproc

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/liliang-cn/newsindex/internal/config"
	"github.com/liliang-cn/newsindex/internal/embedclient"
	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/internal/shardpool"
)

// minClampDistance prevents 1/d blow-up in downstream rerank variants;
// applied before sorting so the clamp is reflected in reported order.
const minClampDistance = 0.01

// DocStoreClient is an unimplemented extension point for a downstream
// document-body lookup (originally HBaseAdapter/ESAdapter in glue.py);
// out of scope here, kept only so payloads have a place to attach a
// body later without changing the ranking contract.
type DocStoreClient interface {
	FetchBody(ctx context.Context, docID int64) (string, error)
}

// Processor wires an embedding client and a shard pool into the
// query-serving pipeline.
type Processor struct {
	Embed  *embedclient.Client
	Pool   *shardpool.Pool
	Config config.Config
}

// New builds a Processor.
func New(embed *embedclient.Client, pool *shardpool.Pool, cfg config.Config) *Processor {
	return &Processor{Embed: embed, Pool: pool, Config: cfg}
}

// Request is the normalized query request.
type Request struct {
	// Query may be a single string or (per the original API's
	// leniency) the first element of a list; NormalizeQuery performs that
	// reduction before this struct is constructed.
	Query       string
	K           int
	StartDate   string
	EndDate     string
	RerankByDoc bool
}

// NormalizeQuery takes the first element of a list-shaped query input,
// or the string verbatim, and rejects empty strings with BadRequest.
func NormalizeQuery(input any) (string, error) {
	var s string
	switch v := input.(type) {
	case string:
		s = v
	case []string:
		if len(v) == 0 {
			return "", errs.New(errs.KindBadRequest, "normalize_query", "empty query list")
		}
		s = v[0]
	default:
		return "", errs.New(errs.KindBadRequest, "normalize_query", "unsupported query type")
	}
	if s == "" {
		return "", errs.New(errs.KindBadRequest, "normalize_query", "empty query")
	}
	return s, nil
}

// DocHit is one document's aggregated result (doc-rerank payload shape).
type DocHit struct {
	DocID       int64
	IDScoreTups []SentScore // (sent_id, diff) pairs, insertion order
	Score       float32     // minimum distance among this doc's hits
}

// SentScore pairs a sentence ordinal with its clamped distance.
type SentScore struct {
	SentID int64
	Diff   float32
}

// SentenceHit is the flattened sentence-level payload shape.
type SentenceHit struct {
	Score      string
	SentenceID string
}

// Query runs the full pipeline and returns either doc-rerank or
// sentence-level payload depending on req.RerankByDoc.
func (p *Processor) Query(ctx context.Context, req Request) (docs []DocHit, sentences []SentenceHit, err error) {
	if req.Query == "" {
		return nil, nil, errs.New(errs.KindBadRequest, "query", "empty query")
	}

	if p.Config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = queryDeadline(ctx, p.Config.QueryTimeout)
		defer cancel()
	}

	vec, err := p.Embed.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, nil, err
	}

	params := shardpool.SearchParams{
		Query:     vec,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	if req.RerankByDoc {
		params.K = p.Config.DocRerankKSearch(req.K)
	} else {
		params.K = p.Config.SentenceKSearch(req.K)
	}
	params.UseRadius = false

	distances, ids, err := p.Pool.Search(ctx, params, p.Config.MaxDateWindowDays)
	if err != nil {
		return nil, nil, err
	}

	agg := AggregateDocs(distances, ids)

	if req.RerankByDoc {
		return FormatPayloadDocs(agg, req.K), nil, nil
	}
	return nil, FormatPayloadSingles(agg, req.K), nil
}

// aggregatedDoc is the internal accumulator for AggregateDocs.
type aggregatedDoc struct {
	docID int64
	hits  []SentScore
}

// AggregateDocs groups sorted (distances, ids) hits by document id
// (divmod-10000), clamping each distance to max(d, 0.01) and discarding
// negative ids ("no hit" sentinels), then deduplicates documents whose
// sorted clamped-distance multisets are byte-identical, keeping the
// first by insertion order.
//
// Grounded on query_processor.py's aggregate_docs, whose dedup key is
// pickle.dumps(sorted(scores)); here the equivalent canonical key is a
// sha256 over the sorted clamped distances, encoded as IEEE-754 bits so
// it is comparison-stable across runs.
func AggregateDocs(distances []float32, ids []int64) []*aggregatedDoc {
	order := make([]*aggregatedDoc, 0)
	byDoc := make(map[int64]*aggregatedDoc)

	for i, id := range ids {
		if id < 0 {
			continue
		}
		docID := id / 10000
		sentID := id % 10000
		clamped := distances[i]
		if clamped < minClampDistance {
			clamped = minClampDistance
		}

		d, ok := byDoc[docID]
		if !ok {
			d = &aggregatedDoc{docID: docID}
			byDoc[docID] = d
			order = append(order, d)
		}
		d.hits = append(d.hits, SentScore{SentID: sentID, Diff: clamped})
	}

	return dedupeByScoreMultiset(order)
}

func dedupeByScoreMultiset(docs []*aggregatedDoc) []*aggregatedDoc {
	seen := make(map[[32]byte]bool)
	out := make([]*aggregatedDoc, 0, len(docs))
	for _, d := range docs {
		key := scoreMultisetKey(d.hits)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

func scoreMultisetKey(hits []SentScore) [32]byte {
	scores := make([]float32, len(hits))
	for i, h := range hits {
		scores[i] = h.Diff
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i] < scores[j] })

	h := sha256.New()
	buf := make([]byte, 4)
	for _, s := range scores {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(s))
		h.Write(buf)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// minDistance returns the minimum clamped distance among a doc's hits.
func (d *aggregatedDoc) minDistance() float32 {
	best := d.hits[0].Diff
	for _, h := range d.hits[1:] {
		if h.Diff < best {
			best = h.Diff
		}
	}
	return best
}

// FormatPayloadDocs produces the doc-rerank payload: per document
// {doc_id, id_score_tups, score}, sorted ascending by score, truncated
// to k.
func FormatPayloadDocs(docs []*aggregatedDoc, k int) []DocHit {
	out := make([]DocHit, 0, len(docs))
	for _, d := range docs {
		out = append(out, DocHit{DocID: d.docID, IDScoreTups: d.hits, Score: d.minDistance()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// FormatPayloadSingles flattens aggregated docs into sentence-level
// hits, sorted ascending by score, truncated to k. sentence_id is the
// raw vector id in string form; callers decode it via the
// divmod-10000 rule.
func FormatPayloadSingles(docs []*aggregatedDoc, k int) []SentenceHit {
	type flat struct {
		score      float32
		sentenceID int64
	}
	var all []flat
	for _, d := range docs {
		for _, h := range d.hits {
			all = append(all, flat{score: h.Diff, sentenceID: d.docID*10000 + h.SentID})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })
	if len(all) > k {
		all = all[:k]
	}
	out := make([]SentenceHit, len(all))
	for i, f := range all {
		out[i] = SentenceHit{
			Score:      fmt.Sprintf("%f", f.score),
			SentenceID: fmt.Sprintf("%d", f.sentenceID),
		}
	}
	return out
}

// queryDeadline bounds a single query's vectorize+search pipeline,
// derived from the caller's context rather than a fresh background one
// so an HTTP handler's own cancellation still propagates.
func queryDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
