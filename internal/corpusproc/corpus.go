// Package corpusproc drives end-to-end shard production from a raw
// input file: stream document records, assign vector ids, batch
// vectorize, generate subindexes, and merge into a dated shard.
//
// Grounded on original_source/dt_sim/processor/corpus_processor.py
// (batch_vectorize, track_preprocessing, get_news_paths,
// candidate_files, select_file_to_process, record_progress, init_paths)
// and dt_sim/data_reader/jl_io_funcs.py (check_all_docs/get_all_docs'
// document filter and vector-id assignment rule).
package corpusproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/liliang-cn/newsindex/internal/embedclient"
	"github.com/liliang-cn/newsindex/internal/errs"
	"github.com/liliang-cn/newsindex/internal/indexbuilder"
)

var isoDateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// deletedStorySentinel is the literal body value the original ingest
// format uses to mark a retracted story.
const deletedStorySentinel = "DELETED_STORY"

// RawRecord is one line of the input file: a document whose sentences
// have already been split by the (out-of-scope) ingest pipeline.
type RawRecord struct {
	DocID     int64    `json:"doc_id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Sentences []string `json:"sentences"`
}

// FilterDocument reports whether rec should be kept: false for a
// missing, empty, or literally "DELETED_STORY" body, or an empty
// sentence list.
func FilterDocument(rec RawRecord) bool {
	if rec.Body == "" || rec.Body == deletedStorySentinel {
		return false
	}
	if len(rec.Sentences) == 0 {
		return false
	}
	return true
}

// SentenceTexts returns title + body sentences in source order, the
// unit the Vector Codec and Embedding Client operate on.
func SentenceTexts(rec RawRecord) []string {
	return append([]string{rec.Title}, rec.Sentences...)
}

// VectorIDs assigns ids for a document's sentence texts per the
// divmod-10000 convention: base = doc_id*10000; id[j] = base+j.
func VectorIDs(docID int64, n int) []int64 {
	ids := make([]int64, n)
	base := docID * 10000
	for j := 0; j < n; j++ {
		ids[j] = base + int64(j)
	}
	return ids
}

// readRecords reads newline-delimited JSON records from path.
func readRecords(path string) ([]RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "read_records", err)
	}
	var out []RawRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec RawRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errs.Wrap(errs.KindFormatError, "read_records", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Result summarizes one input file's processing.
type Result struct {
	ShardIndexPath string
	ShardDataPath  string
	TotalVectors   int
	SkippedCount   int
}

// Processor drives the batch vectorize -> subindex -> merge pipeline.
type Processor struct {
	Embed         *embedclient.Client
	BasePath      string
	ScratchRoot   string
	OutDir        string
	BatchSize     int
	DeleteScratch bool
}

// ProcessFile validates the filename carries an ISO date, filters and
// batches its records, vectorizes and subindexes each batch (reusing
// an existing subindex file for idempotent crash-restart resume), then
// merges all batches into "<shard_date>_all.index" in OutDir.
func (p *Processor) ProcessFile(ctx context.Context, path string) (*Result, error) {
	base := filepath.Base(path)
	shardDate := isoDateRe.FindString(base)
	if shardDate == "" {
		return nil, errs.New(errs.KindFormatError, "process_file", "filename has no ISO date: "+base)
	}

	// Named after the input file so a restarted run finds the subindexes
	// an interrupted run left behind.
	scratchDir := filepath.Join(p.ScratchRoot, stemOf(base))
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindFormatError, "process_file", err)
	}
	if p.DeleteScratch {
		defer os.RemoveAll(scratchDir)
	}

	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 65536
	}

	var texts []string
	var ids []int64
	skipped := 0
	var subPaths []string
	batchIdx := 0

	flush := func() error {
		if len(texts) == 0 {
			return nil
		}
		subPath := filepath.Join(scratchDir, fmt.Sprintf("%s_%d_sub.index", stemOf(base), batchIdx))
		if _, err := os.Stat(subPath); err == nil {
			// Idempotent resume: a subindex for this (file, batch_index)
			// already exists on disk; treat it as authoritative.
			subPaths = append(subPaths, subPath)
			texts, ids = nil, nil
			batchIdx++
			return nil
		}

		vectors, err := p.Embed.EmbedCorpus(ctx, texts)
		if err != nil {
			return err
		}
		if err := indexbuilder.GenerateSubindex(p.BasePath, subPath, vectors, ids); err != nil {
			return err
		}
		subPaths = append(subPaths, subPath)
		texts, ids = nil, nil
		batchIdx++
		return nil
	}

	for _, rec := range records {
		if !FilterDocument(rec) {
			skipped++
			continue
		}
		sentTexts := SentenceTexts(rec)
		sentIDs := VectorIDs(rec.DocID, len(sentTexts))
		texts = append(texts, sentTexts...)
		ids = append(ids, sentIDs...)

		if len(texts) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(subPaths) == 0 {
		return &Result{SkippedCount: skipped}, nil
	}

	outIndex := filepath.Join(p.OutDir, shardDate+"_all.index")
	outData := filepath.Join(p.OutDir, shardDate+"_all.ivfdata")
	total, err := indexbuilder.MergeIVFs(outIndex, outData, subPaths)
	if err != nil {
		return nil, err
	}

	return &Result{
		ShardIndexPath: outIndex,
		ShardDataPath:  outData,
		TotalVectors:   total,
		SkippedCount:   skipped,
	}, nil
}

func stemOf(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
