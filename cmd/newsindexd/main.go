// newsindexd is the query-serving daemon: it loads a shard directory,
// starts the Shard Pool, and serves the search/faiss/shards HTTP
// surface.
//
// Uses the same cobra shape as this module's other binary: package-
// level flag vars, a root command with RunE, rootCmd.Execute() in
// main().
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/newsindex/internal/config"
	"github.com/liliang-cn/newsindex/internal/corelog"
	"github.com/liliang-cn/newsindex/internal/embedclient"
	"github.com/liliang-cn/newsindex/internal/httpapi"
	"github.com/liliang-cn/newsindex/internal/queryproc"
	"github.com/liliang-cn/newsindex/internal/registry"
	"github.com/liliang-cn/newsindex/internal/shardpool"
)

var (
	faissIndexPath    string
	host              string
	port              int
	embeddingEndpoint string
	registryDBPath    string
	nprobe            int
	radius            float32
	verbose           bool
	largeEmbSpace     bool
)

var rootCmd = &cobra.Command{
	Use:   "newsindexd",
	Short: "Serve semantic search over a sharded on-disk IVF index",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if faissIndexPath != "" {
			cfg.FaissIndexPath = faissIndexPath
		}
		if host != "" {
			cfg.Host = host
		}
		if port != 0 {
			cfg.Port = port
		}
		if embeddingEndpoint != "" {
			cfg.EmbeddingEndpoint = embeddingEndpoint
		}
		if registryDBPath != "" {
			cfg.RegistryDBPath = registryDBPath
		}
		if nprobe != 0 {
			cfg.NProbe = nprobe
		}
		if radius != 0 {
			cfg.Radius = radius
		}
		if largeEmbSpace {
			cfg.LargeEmbSpace = true
		}

		minLevel := corelog.LevelInfo
		if verbose {
			minLevel = corelog.LevelDebug
		}
		logger := corelog.New(os.Stderr, minLevel)

		reg, err := registry.Open(cfg.RegistryDBPath)
		if err != nil {
			return fmt.Errorf("open shard registry: %w", err)
		}
		defer reg.Close()

		pool := shardpool.New(cfg.ShardCacheCapacity, logger.With("component", "shardpool"),
			func(e shardpool.Entry) { reg.RecordAttach(e) },
			func(name string) {
				if err := reg.RecordDetach(name); err != nil {
					logger.Warn("registry record detach failed", "name", name, "err", err)
				}
			},
		)
		ctx := context.Background()
		if cfg.FaissIndexPath != "" {
			if err := pool.Load(ctx, cfg.FaissIndexPath); err != nil {
				return fmt.Errorf("load shards from %s: %w", cfg.FaissIndexPath, err)
			}
		}
		defer pool.Close()

		embed := embedclient.New(cfg.EmbeddingEndpoint, &http.Client{Timeout: cfg.EmbeddingTimeout}, cfg.EmbeddingMinibatchSize())
		qp := queryproc.New(embed, pool, cfg)

		server := httpapi.New(qp, pool, registryAdapter{reg}, logger.With("component", "httpapi"))

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		logger.Info("newsindexd listening", "addr", addr, "faiss_index_path", cfg.FaissIndexPath)
		return http.ListenAndServe(addr, server.Routes())
	},
}

// registryAdapter narrows *registry.Registry to httpapi.ShardLister,
// converting row types at the package boundary to avoid an import
// cycle between internal/registry and internal/httpapi.
type registryAdapter struct{ r *registry.Registry }

func (a registryAdapter) List(ctx context.Context) ([]httpapi.ShardRow, error) {
	rows, err := a.r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]httpapi.ShardRow, len(rows))
	for i, row := range rows {
		out[i] = httpapi.ShardRow{Name: row.Name, Path: row.Path, AttachedAt: row.AttachedAt, Status: row.Status}
	}
	return out, nil
}

func init() {
	rootCmd.Flags().StringVar(&faissIndexPath, "faiss-index-path", "", "directory of shards to load at startup")
	rootCmd.Flags().StringVar(&host, "host", "", "HTTP bind host")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP bind port")
	rootCmd.Flags().StringVar(&embeddingEndpoint, "embedding-endpoint", "", "embedding RPC URL")
	rootCmd.Flags().StringVar(&registryDBPath, "registry-db", "", "path to the shard registry SQLite file")
	rootCmd.Flags().IntVar(&nprobe, "nprobe", 0, "inverted-list cells visited per search (not applied to shards, which use the nprobe stored in their index files)")
	rootCmd.Flags().Float32Var(&radius, "radius", 0, "default L2 range-search radius (not used by /search, which runs k-NN searches)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.Flags().BoolVar(&largeEmbSpace, "large-emb-space", false, "the attached shards were built with a heavier embedding model")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
