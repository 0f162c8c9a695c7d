// newsindex-build is the preprocessing CLI: it drives the Corpus
// Processor and Index Builder over a raw corpus directory, resuming
// from the Progress Log on restart.
//
// Package-main/cobra shape follows this module's other binary, and the
// resume/select/process/record cycle is grounded on
// original_source/dt_sim/processor/corpus_processor.py's main loop.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/newsindex/internal/config"
	"github.com/liliang-cn/newsindex/internal/corelog"
	"github.com/liliang-cn/newsindex/internal/corpusproc"
	"github.com/liliang-cn/newsindex/internal/embedclient"
	"github.com/liliang-cn/newsindex/internal/indexbuilder"
	"github.com/liliang-cn/newsindex/internal/veccodec"
	"github.com/liliang-cn/newsindex/pkg/ivfindex"
)

var (
	corpusDir         string
	basePath          string
	outDir            string
	scratchDir        string
	progressLogPath   string
	embeddingEndpoint string
	batchSize         int
	minibatchSize     int
	largeEmbSpace     bool
	deleteScratch     bool
	once              bool
)

var rootCmd = &cobra.Command{
	Use:   "newsindex-build",
	Short: "Preprocess a raw corpus directory into dated on-disk shards",
	RunE: func(cmd *cobra.Command, args []string) error {
		if corpusDir == "" {
			return fmt.Errorf("--corpus-dir is required")
		}
		if _, err := os.Stat(corpusDir); err != nil {
			return fmt.Errorf("invalid input path %s: %w", corpusDir, err)
		}
		if basePath == "" {
			return fmt.Errorf("--base-index is required")
		}
		if _, err := os.Stat(basePath); err != nil {
			return fmt.Errorf("missing base index %s: %w", basePath, err)
		}

		cfg := config.Load()
		if embeddingEndpoint != "" {
			cfg.EmbeddingEndpoint = embeddingEndpoint
		}
		if batchSize != 0 {
			cfg.CorpusBatchSize = batchSize
		}
		if minibatchSize != 0 {
			cfg.CorpusMinibatchSize = minibatchSize
		}
		if largeEmbSpace {
			cfg.LargeEmbSpace = true
		}

		logger := corelog.Default()

		if outDir == "" {
			outDir = filepath.Join(corpusDir, "shards")
		}
		if scratchDir == "" {
			scratchDir = filepath.Join(corpusDir, "scratch")
		}
		if progressLogPath == "" {
			progressLogPath = filepath.Join(corpusDir, "progress.log")
		}
		for _, d := range []string{outDir, scratchDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("unrecoverable merge failure: create %s: %w", d, err)
			}
		}

		pl, err := corpusproc.OpenProgressLog(progressLogPath)
		if err != nil {
			return fmt.Errorf("open progress log: %w", err)
		}

		embed := embedclient.New(cfg.EmbeddingEndpoint, &http.Client{Timeout: cfg.EmbeddingTimeout}, cfg.EmbeddingMinibatchSize())
		proc := &corpusproc.Processor{
			Embed:         embed,
			BasePath:      basePath,
			ScratchRoot:   scratchDir,
			OutDir:        outDir,
			BatchSize:     cfg.CorpusBatchSize,
			DeleteScratch: deleteScratch,
		}

		ctx := context.Background()
		for {
			name, err := corpusproc.SelectFileToProcess(corpusDir, pl)
			if err != nil {
				return fmt.Errorf("unrecoverable merge failure: select next file: %w", err)
			}
			if name == "" {
				logger.Info("no remaining input files", "corpus_dir", corpusDir)
				break
			}

			path := filepath.Join(corpusDir, name)
			logger.Info("processing file", "path", path)
			res, err := proc.ProcessFile(ctx, path)
			if err != nil {
				return fmt.Errorf("unrecoverable merge failure processing %s: %w", path, err)
			}
			logger.Info("processed file", "path", path, "total_vectors", res.TotalVectors, "skipped", res.SkippedCount, "shard", res.ShardIndexPath)

			if err := pl.Append(name); err != nil {
				return fmt.Errorf("record progress for %s: %w", path, err)
			}

			if once {
				break
			}
		}

		return nil
	},
}

var (
	initBasePath    string
	initDimension   int
	initNCentroids  int
	initTrainingSet string
	initCompression string
)

// parseCompression maps the --compression flag to a Compression value.
// "flat" stores full-precision vectors; "sq8" records CompressionSQ8 in
// the base index header. The trained scalar quantizer is not written to
// disk, so subindexes built from the loaded base store unquantized
// vectors.
func parseCompression(s string) (ivfindex.Compression, error) {
	switch s {
	case "", "flat":
		return ivfindex.CompressionFlat, nil
	case "sq8":
		return ivfindex.CompressionSQ8, nil
	default:
		return 0, fmt.Errorf("unknown --compression %q (want flat or sq8)", s)
	}
}

var initBaseCmd = &cobra.Command{
	Use:   "init-base",
	Short: "Train and serialize an empty Base Index from a training set",
	RunE: func(cmd *cobra.Command, args []string) error {
		if initTrainingSet == "" {
			return fmt.Errorf("--training-set is required")
		}
		compression, err := parseCompression(initCompression)
		if err != nil {
			return err
		}
		batch, err := veccodec.Load(initTrainingSet, false)
		if err != nil {
			return fmt.Errorf("load training set: %w", err)
		}
		if err := indexbuilder.SetupBaseIndex(initBasePath, initDimension, initNCentroids, compression, batch.Embeddings); err != nil {
			return fmt.Errorf("setup base index: %w", err)
		}
		fmt.Printf("base index written to %s (compression=%s)\n", initBasePath, initCompression)
		return nil
	},
}

func init() {
	initBaseCmd.Flags().StringVar(&initBasePath, "base-index", "", "output path for the new Base Index")
	initBaseCmd.Flags().IntVar(&initDimension, "dimension", 512, "embedding dimension")
	initBaseCmd.Flags().IntVar(&initNCentroids, "n-centroids", 256, "number of IVF centroids")
	initBaseCmd.Flags().StringVar(&initTrainingSet, "training-set", "", "path to a Batch Container file of training vectors")
	initBaseCmd.Flags().StringVar(&initCompression, "compression", "flat", "vector compression for this index family: flat or sq8")
	initBaseCmd.MarkFlagRequired("base-index")
	initBaseCmd.MarkFlagRequired("training-set")
	rootCmd.AddCommand(initBaseCmd)

	rootCmd.Flags().StringVar(&corpusDir, "corpus-dir", "", "directory of raw input files to preprocess")
	rootCmd.Flags().StringVar(&basePath, "base-index", "", "path to the pre-trained, empty Base Index")
	rootCmd.Flags().StringVar(&outDir, "out-dir", "", "directory to write dated shards into (default: <corpus-dir>/shards)")
	rootCmd.Flags().StringVar(&scratchDir, "scratch-dir", "", "directory for per-batch subindex scratch files (default: <corpus-dir>/scratch)")
	rootCmd.Flags().StringVar(&progressLogPath, "progress-log", "", "path to the resume progress log (default: <corpus-dir>/progress.log)")
	rootCmd.Flags().StringVar(&embeddingEndpoint, "embedding-endpoint", "", "embedding RPC URL")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", 0, "vectorize/subindex batch size M")
	rootCmd.Flags().IntVar(&minibatchSize, "minibatch-size", 0, "embedding RPC minibatch size (default: 64 if --large-emb-space, else 512)")
	rootCmd.Flags().BoolVar(&largeEmbSpace, "large-emb-space", false, "use the heavier embedding model's minibatch default")
	rootCmd.Flags().BoolVar(&deleteScratch, "delete-scratch", true, "remove per-file subindex scratch directories after merge")
	rootCmd.Flags().BoolVar(&once, "once", false, "process only the next candidate file, then exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
