// Command evaluate scores routing and retrieval against a labelled dataset.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/chunker"
	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/evaluation"
	"github.com/rag-agent/backend/internal/ingestion"
	"github.com/rag-agent/backend/internal/llm"
	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/sqlite"
	"github.com/rag-agent/backend/internal/vector"
	memvec "github.com/rag-agent/backend/internal/vector/memory"
	"github.com/rag-agent/backend/pkg/config"
	appLogger "github.com/rag-agent/backend/pkg/logger"
)

var (
	datasetPath string
	sourcePaths []string
	withLLM     bool
	outputJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score routing and retrieval against a labelled dataset",
	Long: `Loads a YAML or JSON dataset of labelled queries and reports routing
accuracy per route, retrieval hit rate and MRR, and answer similarity.
Sources given with --source are ingested into an in-memory vector store first.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&datasetPath, "dataset", "d", "", "dataset file (.yaml or .json)")
	rootCmd.Flags().StringSliceVarP(&sourcePaths, "source", "s", nil, "text, html or csv file to ingest before evaluating (repeatable)")
	rootCmd.Flags().BoolVar(&withLLM, "llm", false, "enable the generative routing tier")
	rootCmd.Flags().BoolVar(&outputJSON, "json", false, "print the report as JSON")
	_ = rootCmd.MarkFlagRequired("dataset")
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return err
	}
	defer appLogger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dataset, err := evaluation.LoadDataset(datasetPath)
	if err != nil {
		return err
	}

	provider, err := embedding.NewProvider(ctx, cfg.Embedding)
	if err != nil {
		return err
	}
	generator, err := embedding.NewGenerator(provider, embedding.Config{
		Dimension:   cfg.Embedding.Dimension,
		Workers:     cfg.Embedding.Workers,
		BatchSize:   cfg.Embedding.BatchSize,
		MaxAttempts: cfg.Embedding.MaxAttempts,
		Timeout:     time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	}, embedding.NewLRUCache(cfg.Embedding.CacheSize, time.Hour))
	if err != nil {
		return err
	}

	var chat router.Chatter
	if withLLM {
		manager, err := llm.NewManagerFromConfig(ctx, cfg.LLM)
		if err != nil {
			return err
		}
		if manager.Available() {
			chat = manager
		}
	}
	routerCfg := cfg.Router
	routerCfg.GenerativeEnabled = chat != nil
	queryRouter, err := router.New(routerCfg, chat, generator)
	if err != nil {
		return err
	}

	var store vector.Store
	if len(sourcePaths) > 0 {
		store, err = ingestSources(ctx, cfg, generator)
		if err != nil {
			return err
		}
	}

	ev := evaluation.NewEvaluator(queryRouter, generator, store, vector.SearchOptions{
		Threshold: cfg.Retrieval.Threshold,
		Limit:     cfg.Retrieval.Limit,
	})
	report, err := ev.Run(ctx, dataset)
	if err != nil {
		return err
	}

	if outputJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Print(report.String())
	return nil
}

// ingestSources loads every --source into a scratch store. The source id is
// the file name without its extension.
func ingestSources(ctx context.Context, cfg *config.Config, generator *embedding.Generator) (vector.Store, error) {
	dir, err := os.MkdirTemp("", "rag-eval-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	db, err := sqlite.NewClient(filepath.Join(dir, "eval.db"))
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		return nil, err
	}

	ch, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Chunking.Text.Size,
		Overlap:      cfg.Chunking.Text.Overlap,
		MinChunkSize: cfg.Chunking.Text.MinSize,
		RowsPerChunk: cfg.Chunking.Rows.RowsPerChunk,
		OverlapRows:  cfg.Chunking.Rows.OverlapRows,
	})
	if err != nil {
		return nil, err
	}

	store := memvec.NewStore(cfg.Embedding.Dimension)
	proc := ingestion.NewProcessor(db, store, generator, ch, chunker.Strategy(cfg.Chunking.Text.Strategy)).
		WithVectorTimeout(time.Duration(cfg.Vector.TimeoutSec) * time.Second)

	for _, path := range sourcePaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		base := filepath.Base(path)
		ext := strings.ToLower(filepath.Ext(base))

		sourceType := ingestion.SourceText
		switch ext {
		case ".csv":
			sourceType = ingestion.SourceCSV
		case ".html", ".htm":
			sourceType = ingestion.SourceHTML
		}

		stats, err := proc.Ingest(ctx, ingestion.IngestRequest{
			SourceID:   strings.TrimSuffix(base, filepath.Ext(base)),
			Text:       string(raw),
			SourceType: sourceType,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		appLogger.Info("Source ingested for evaluation",
			zap.String("path", path),
			zap.Int("chunks", stats.ChunksCreated),
			zap.Int("stored", stats.EmbeddingsStored),
		)
	}
	return store, nil
}
