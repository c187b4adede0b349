// Package milvus stores vectors in a Milvus or Zilliz Cloud collection using
// the COSINE metric, whose scores are raw cosine similarities.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldChunkID   = "chunk_id"
	fieldSourceID  = "source_id"
	fieldOrdinal   = "ordinal"
	fieldText      = "text"
	fieldMetadata  = "metadata"
	fieldProvider  = "provider"
	fieldModel     = "model"
	fieldCreatedAt = "created_at"
)

var outputFields = []string{fieldID, fieldChunkID, fieldSourceID, fieldOrdinal, fieldText, fieldMetadata}

type Store struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewStore(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Store, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	s := &Store{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}
	if err := s.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Dimension() int { return s.vectorDim }

func (s *Store) ensureCollection(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		coll, err := s.client.DescribeCollection(ctx, s.collectionName)
		if err != nil {
			return fmt.Errorf("failed to describe collection: %w", err)
		}
		for _, f := range coll.Schema.Fields {
			if f.Name != fieldEmbedding {
				continue
			}
			if dim, _ := strconv.Atoi(f.TypeParams["dim"]); dim != s.vectorDim {
				return apperr.Config("embedding.dimension",
					"collection %s holds %d-dimensional vectors, configured %d", s.collectionName, dim, s.vectorDim)
			}
		}
		logger.Info("Collection already exists", zap.String("collection", s.collectionName))
		return s.client.LoadCollection(ctx, s.collectionName, false)
	}

	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	idField := varchar(fieldID, 128)
	idField.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: s.collectionName,
		Description:    "RAG chunk embeddings",
		Fields: []*entity.Field{
			idField,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(s.vectorDim)},
			},
			varchar(fieldChunkID, 128),
			varchar(fieldSourceID, 256),
			{Name: fieldOrdinal, DataType: entity.FieldTypeInt64},
			varchar(fieldText, 65535),
			varchar(fieldMetadata, 8192),
			varchar(fieldProvider, 64),
			varchar(fieldModel, 128),
			{Name: fieldCreatedAt, DataType: entity.FieldTypeInt64},
		},
	}

	if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := s.client.CreateIndex(ctx, s.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := s.client.LoadCollection(ctx, s.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", s.collectionName))
	return nil
}

func (s *Store) Store(ctx context.Context, records []models.VectorRecord) ([]string, error) {
	if err := vector.CheckRecords(records, s.vectorDim); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	n := len(records)
	ids := make([]string, n)
	embeddings := make([][]float32, n)
	chunkIDs := make([]string, n)
	sourceIDs := make([]string, n)
	ordinals := make([]int64, n)
	texts := make([]string, n)
	metas := make([]string, n)
	providers := make([]string, n)
	modelNames := make([]string, n)
	created := make([]int64, n)

	for i, r := range records {
		meta, _ := json.Marshal(r.Metadata)
		ids[i] = r.ID
		embeddings[i] = r.Vector
		chunkIDs[i] = r.ChunkID
		sourceIDs[i] = r.SourceID
		ordinals[i] = int64(r.Ordinal)
		texts[i] = r.Text
		metas[i] = string(meta)
		providers[i] = r.Provider
		modelNames[i] = r.ModelName
		if r.CreatedAt.IsZero() {
			created[i] = time.Now().Unix()
		} else {
			created[i] = r.CreatedAt.Unix()
		}
	}

	_, err := s.client.Upsert(
		ctx,
		s.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, s.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldChunkID, chunkIDs),
		entity.NewColumnVarChar(fieldSourceID, sourceIDs),
		entity.NewColumnInt64(fieldOrdinal, ordinals),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldMetadata, metas),
		entity.NewColumnVarChar(fieldProvider, providers),
		entity.NewColumnVarChar(fieldModel, modelNames),
		entity.NewColumnInt64(fieldCreatedAt, created),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert records: %w", err)
	}

	if err := s.client.Flush(ctx, s.collectionName, false); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Records upserted into milvus", zap.Int("count", n))
	return ids, nil
}

func (s *Store) Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]models.SearchResult, error) {
	if err := vector.CheckQuery(query, s.vectorDim); err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() {
		metrics.VectorSearchDuration.WithLabelValues("milvus").Observe(time.Since(started).Seconds())
	}()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	expr := ""
	if opts.SourceID != "" {
		expr = sourceExpr(opts.SourceID)
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := s.client.Search(
		ctx,
		s.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var results []models.SearchResult
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			r := models.SearchResult{
				ID:         columnString(sr.Fields, fieldID, i),
				ChunkID:    columnString(sr.Fields, fieldChunkID, i),
				SourceID:   columnString(sr.Fields, fieldSourceID, i),
				Text:       columnString(sr.Fields, fieldText, i),
				Similarity: float64(sr.Scores[i]),
				Metadata:   map[string]string{},
			}
			if col := sr.Fields.GetColumn(fieldOrdinal); col != nil {
				if v, err := col.GetAsInt64(i); err == nil {
					r.Ordinal = int(v)
				}
			}
			_ = json.Unmarshal([]byte(columnString(sr.Fields, fieldMetadata, i)), &r.Metadata)
			results = append(results, r)
		}
	}

	results = vector.Finalize(results, opts)

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)
	return results, nil
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	expr := sourceExpr(sourceID)

	rs, err := s.client.Query(ctx, s.collectionName, []string{}, expr, []string{fieldID})
	if err != nil {
		return 0, fmt.Errorf("failed to query source records: %w", err)
	}
	count := 0
	if col := rs.GetColumn(fieldID); col != nil {
		count = col.Len()
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.client.Delete(ctx, s.collectionName, "", expr); err != nil {
		return 0, fmt.Errorf("failed to delete source records: %w", err)
	}
	return count, nil
}

func sourceExpr(sourceID string) string {
	return fmt.Sprintf("%s == %s", fieldSourceID, strconv.Quote(sourceID))
}

func columnString(cols client.ResultSet, name string, i int) string {
	col := cols.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return v
}
