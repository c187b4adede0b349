// Package ingestion turns raw sources into stored, searchable chunks.
package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/chunker"
	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

type SourceType string

const (
	SourceText SourceType = "text"
	SourceCSV  SourceType = "csv"
	SourceHTML SourceType = "html"
)

// ChunkStore records sources and chunks for provenance. *sqlite.Client
// implements it.
type ChunkStore interface {
	UpsertSource(ctx context.Context, src *models.Source) error
	InsertChunk(ctx context.Context, chunk *models.Chunk, embedded bool) error
	DeleteChunksBySource(ctx context.Context, sourceID string) (int, error)
}

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, chunks []models.Chunk) (*embedding.BatchResult, error)
}

type IngestRequest struct {
	SourceID   string
	Text       string
	Rows       [][]string
	SourceType SourceType
	// Strategy overrides the default for the source type.
	Strategy chunker.Strategy
	// Replace drops every stored chunk and vector of the source first.
	Replace bool
}

type IngestStats struct {
	SourceID            string        `json:"source_id"`
	ChunksCreated       int           `json:"chunks_created"`
	EmbeddingsGenerated int           `json:"embeddings_generated"`
	EmbeddingsStored    int           `json:"embeddings_stored"`
	Failed              int           `json:"failed"`
	Deleted             int           `json:"deleted,omitempty"`
	SuccessRate         float64       `json:"success_rate"`
	Canceled            bool          `json:"canceled,omitempty"`
	Duration            time.Duration `json:"duration"`
	Chunking            chunker.Stats `json:"chunking"`
}

type Processor struct {
	store           ChunkStore
	vectors         vector.Store
	embedder        BatchEmbedder
	chunker         *chunker.Chunker
	defaultStrategy chunker.Strategy
	// vectorTimeout bounds each vector store call.
	vectorTimeout time.Duration
}

func NewProcessor(store ChunkStore, vectors vector.Store, embedder BatchEmbedder, ch *chunker.Chunker, defaultStrategy chunker.Strategy) *Processor {
	if defaultStrategy == "" {
		defaultStrategy = chunker.StrategyFixed
	}
	return &Processor{
		store:           store,
		vectors:         vectors,
		embedder:        embedder,
		chunker:         ch,
		defaultStrategy: defaultStrategy,
		vectorTimeout:   30 * time.Second,
	}
}

// WithVectorTimeout sets the bound on each vector store call. Non-positive
// values are ignored.
func (p *Processor) WithVectorTimeout(d time.Duration) *Processor {
	if d > 0 {
		p.vectorTimeout = d
	}
	return p
}

// Ingest chunks, embeds and stores one source. Chunks whose embedding fails
// are counted in Failed rather than aborting the source. When ctx is
// cancelled mid-batch, the embeddings that finished are still stored and
// the stats come back with Canceled set.
func (p *Processor) Ingest(ctx context.Context, req IngestRequest) (*IngestStats, error) {
	started := time.Now()
	if req.SourceID == "" {
		req.SourceID = uuid.NewString()
	}
	if req.SourceType == "" {
		req.SourceType = SourceText
	}
	stats := &IngestStats{SourceID: req.SourceID}

	logger.Info("Processing source",
		zap.String("source_id", req.SourceID),
		zap.String("source_type", string(req.SourceType)),
	)

	text, strategy, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	chunks, err := p.chunker.Chunk(text, req.SourceID, strategy)
	if err != nil {
		return nil, err
	}
	stats.ChunksCreated = len(chunks)
	stats.Chunking = chunker.ComputeStats(chunks)

	if req.Replace {
		deleted, err := p.deleteVectors(ctx, req.SourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete previous vectors: %w", err)
		}
		if _, err := p.store.DeleteChunksBySource(ctx, req.SourceID); err != nil {
			return nil, fmt.Errorf("failed to delete previous chunks: %w", err)
		}
		stats.Deleted = deleted
	}

	if len(chunks) == 0 {
		stats.Duration = time.Since(started)
		return stats, nil
	}

	src := &models.Source{
		ID:         req.SourceID,
		SourceType: string(req.SourceType),
		ChunkCount: len(chunks),
	}
	if req.SourceType == SourceHTML {
		src.Title = pageTitle(req.Text)
	}
	if err := p.store.UpsertSource(ctx, src); err != nil {
		return nil, err
	}
	for i := range chunks {
		if err := p.store.InsertChunk(ctx, &chunks[i], false); err != nil {
			return nil, err
		}
	}

	logger.Info("Source chunked",
		zap.String("source_id", req.SourceID),
		zap.String("strategy", string(strategy)),
		zap.Stringer("chunking", stats.Chunking),
	)

	batch, err := p.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	stats.EmbeddingsGenerated = len(batch.Embeddings)
	stats.Failed = batch.Stats.Failed
	stats.Canceled = batch.Stats.Canceled

	// Finished embeddings are stored even when the caller gave up.
	base := ctx
	if stats.Canceled || ctx.Err() != nil {
		stats.Canceled = true
		base = context.WithoutCancel(ctx)
	}
	storeCtx, cancel := context.WithTimeout(base, p.vectorTimeout)
	defer cancel()

	records := vector.Records(chunks, batch.Embeddings)
	ids, err := p.vectors.Store(storeCtx, records)
	if err != nil {
		metrics.ChunksIngested.WithLabelValues("failed").Add(float64(len(chunks)))
		return nil, fmt.Errorf("failed to store vectors: %w", err)
	}
	stats.EmbeddingsStored = len(ids)

	embedded := make(map[string]bool, len(batch.Embeddings))
	for _, e := range batch.Embeddings {
		embedded[e.ChunkID] = true
	}
	for i := range chunks {
		if !embedded[chunks[i].ID] {
			continue
		}
		if err := p.store.InsertChunk(storeCtx, &chunks[i], true); err != nil {
			logger.Warn("Failed to mark chunk embedded", zap.String("chunk_id", chunks[i].ID), zap.Error(err))
		}
	}

	stats.SuccessRate = float64(stats.EmbeddingsStored) / float64(stats.ChunksCreated)
	stats.Duration = time.Since(started)

	metrics.ChunksIngested.WithLabelValues("stored").Add(float64(stats.EmbeddingsStored))
	if missing := stats.ChunksCreated - stats.EmbeddingsStored; missing > 0 {
		metrics.ChunksIngested.WithLabelValues("failed").Add(float64(missing))
	}

	logger.Info("Source processed",
		zap.String("source_id", req.SourceID),
		zap.Int("chunks", stats.ChunksCreated),
		zap.Int("stored", stats.EmbeddingsStored),
		zap.Int("failed", stats.Failed),
		zap.Bool("canceled", stats.Canceled),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// Delete removes a source's vectors and chunk records. It returns the number
// of vectors removed.
func (p *Processor) Delete(ctx context.Context, sourceID string) (int, error) {
	deleted, err := p.deleteVectors(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}
	if _, err := p.store.DeleteChunksBySource(ctx, sourceID); err != nil {
		return deleted, fmt.Errorf("failed to delete chunks: %w", err)
	}
	logger.Info("Source deleted", zap.String("source_id", sourceID), zap.Int("vectors", deleted))
	return deleted, nil
}

func (p *Processor) deleteVectors(ctx context.Context, sourceID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.vectorTimeout)
	defer cancel()
	return p.vectors.DeleteBySource(ctx, sourceID)
}

func (p *Processor) prepare(req IngestRequest) (string, chunker.Strategy, error) {
	strategy := req.Strategy

	switch req.SourceType {
	case SourceCSV:
		if strategy == "" {
			strategy = chunker.StrategyRows
		}
		if len(req.Rows) > 0 {
			text, err := encodeRows(req.Rows)
			return text, strategy, err
		}
		return req.Text, strategy, nil
	case SourceHTML:
		if strategy == "" {
			strategy = p.defaultStrategy
		}
		return cleanHTML(req.Text), strategy, nil
	case SourceText:
		if strategy == "" {
			strategy = p.defaultStrategy
		}
		if len(req.Rows) > 0 {
			return "", "", apperr.Config("rows", "only accepted for csv sources")
		}
		return req.Text, strategy, nil
	default:
		return "", "", apperr.Config("source_type", "unsupported value %q", req.SourceType)
	}
}

func encodeRows(rows [][]string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("failed to encode rows: %w", err)
	}
	return buf.String(), nil
}

var whitespaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
var blankLinesRe = regexp.MustCompile(`\n\s*\n+`)

// cleanHTML keeps the readable body text. Block boundaries survive as blank
// lines so the paragraph strategy still has something to split on.
func cleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr, br, section, article").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})

	text := doc.Find("body").Text()
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// pageTitle returns the page title of an HTML source, falling back to the
// first heading.
func pageTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}
