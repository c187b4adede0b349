// Package neo4j keeps chunk vectors on graph nodes and searches them through
// a Neo4j 5 vector index.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/circuitbreaker"
	"github.com/rag-agent/backend/pkg/logger"
	"github.com/rag-agent/backend/pkg/retry"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type Options struct {
	URI       string
	Username  string
	Password  string
	Database  string
	IndexName string
	// Label is the node label holding the vectors. Stores sharing a database
	// must use distinct labels.
	Label     string
	Dimension int
}

type Store struct {
	driver      neo4j.DriverWithContext
	database    string
	index       string
	label       string
	dim         int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if !identRe.MatchString(opts.IndexName) {
		return nil, apperr.Config("neo4j.index_name", "invalid index name %q", opts.IndexName)
	}
	if !identRe.MatchString(opts.Label) {
		return nil, apperr.Config("neo4j.label", "invalid label %q", opts.Label)
	}
	if opts.Dimension <= 0 {
		return nil, apperr.Config("embedding.dimension", "must be positive, got %d", opts.Dimension)
	}
	if opts.Database == "" {
		opts.Database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(
		opts.URI,
		neo4j.BasicAuth(opts.Username, opts.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	s := &Store{
		driver:   driver,
		database: opts.Database,
		index:    opts.IndexName,
		label:    opts.Label,
		dim:      opts.Dimension,
		cb: circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          20 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			AttemptTimeout: 10 * time.Second,
			Logger:         logger.GetLogger(),
		},
	}

	if err := s.ensureIndex(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}

	logger.Info("Neo4j vector store initialized",
		zap.String("uri", opts.URI),
		zap.String("index", opts.IndexName),
		zap.String("label", opts.Label),
	)
	return s, nil
}

func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Store) Dimension() int { return s.dim }

func (s *Store) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	var res *neo4j.EagerResult
	err := s.cb.Execute(ctx, func() error {
		return retry.Do(ctx, s.retryConfig, func(ctx context.Context) error {
			var err error
			res, err = neo4j.ExecuteQuery(ctx, s.driver, query, params,
				neo4j.EagerResultTransformer,
				neo4j.ExecuteQueryWithDatabase(s.database))
			return err
		})
	})
	return res, err
}

func (s *Store) ensureIndex(ctx context.Context) error {
	res, err := s.run(ctx, `SHOW INDEXES YIELD name, type, options WHERE name = $name RETURN type, options`,
		map[string]any{"name": s.index})
	if err != nil {
		return fmt.Errorf("failed to inspect indexes: %w", err)
	}

	if len(res.Records) > 0 {
		options, _ := res.Records[0].Get("options")
		if dim, ok := indexDimension(options); ok && dim != s.dim {
			return apperr.Config("embedding.dimension",
				"vector index %s has %d dimensions, configured %d", s.index, dim, s.dim)
		}
		logger.Info("Vector index already exists", zap.String("index", s.index))
		return nil
	}

	create := fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (c:%s) ON (c.embedding) "+
		"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
		s.index, s.label, s.dim)
	if _, err := s.run(ctx, create, nil); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	constraint := fmt.Sprintf("CREATE CONSTRAINT %s_id IF NOT EXISTS FOR (c:%s) REQUIRE c.id IS UNIQUE",
		s.index, s.label)
	if _, err := s.run(ctx, constraint, nil); err != nil {
		return fmt.Errorf("failed to create id constraint: %w", err)
	}
	return nil
}

func indexDimension(options any) (int, bool) {
	m, ok := options.(map[string]any)
	if !ok {
		return 0, false
	}
	cfg, ok := m["indexConfig"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := cfg["vector.dimensions"].(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (s *Store) Store(ctx context.Context, records []models.VectorRecord) ([]string, error) {
	if err := vector.CheckRecords(records, s.dim); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	rows := make([]map[string]any, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		meta, _ := json.Marshal(r.Metadata)
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		rows[i] = map[string]any{
			"id":         r.ID,
			"chunk_id":   r.ChunkID,
			"source_id":  r.SourceID,
			"ordinal":    int64(r.Ordinal),
			"text":       r.Text,
			"metadata":   string(meta),
			"provider":   r.Provider,
			"model":      r.ModelName,
			"created_at": created.Unix(),
			"embedding":  toFloat64(r.Vector),
		}
		ids[i] = r.ID
	}

	query := fmt.Sprintf(`
		UNWIND $rows AS row
		MERGE (c:%s {id: row.id})
		SET c.chunk_id = row.chunk_id,
		    c.source_id = row.source_id,
		    c.ordinal = row.ordinal,
		    c.text = row.text,
		    c.metadata = row.metadata,
		    c.provider = row.provider,
		    c.model = row.model,
		    c.created_at = row.created_at
		WITH c, row
		CALL db.create.setNodeVectorProperty(c, 'embedding', row.embedding)
	`, s.label)

	if _, err := s.run(ctx, query, map[string]any{"rows": rows}); err != nil {
		return nil, fmt.Errorf("failed to store vectors: %w", err)
	}

	logger.Debug("Vectors stored in neo4j", zap.Int("count", len(records)))
	return ids, nil
}

func (s *Store) Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]models.SearchResult, error) {
	if err := vector.CheckQuery(query, s.dim); err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() {
		metrics.VectorSearchDuration.WithLabelValues("neo4j").Observe(time.Since(started).Seconds())
	}()

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if opts.SourceID == "" {
		hits, err := s.neighbours(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return vector.Finalize(hits, opts), nil
	}

	// The index ranks across every source, so a restricted search widens
	// until enough of the neighbours belong to the source.
	k := limit * 5
	for {
		hits, err := s.neighbours(ctx, query, k)
		if err != nil {
			return nil, err
		}
		matched := filterSource(hits, opts.SourceID)
		last := 1.0
		if len(hits) > 0 {
			last = hits[len(hits)-1].Similarity
		}
		next, ok := widen(k, len(hits), countAbove(matched, opts.Threshold), limit, last < opts.Threshold)
		if !ok {
			return vector.Finalize(matched, opts), nil
		}
		logger.Debug("Widening filtered neo4j search",
			zap.String("source_id", opts.SourceID),
			zap.Int("k", next),
		)
		k = next
	}
}

// neighbours returns the k nearest records in index order.
func (s *Store) neighbours(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	res, err := s.run(ctx, `
		CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score
		RETURN node.id AS id, node.chunk_id AS chunk_id, node.source_id AS source_id,
		       node.ordinal AS ordinal, node.text AS text, node.metadata AS metadata, score
		ORDER BY score DESC
	`, map[string]any{
		"index":     s.index,
		"k":         int64(k),
		"embedding": toFloat64(query),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	results := make([]models.SearchResult, 0, len(res.Records))
	for _, rec := range res.Records {
		r := models.SearchResult{Metadata: map[string]string{}}
		r.ID, _ = get[string](rec, "id")
		r.ChunkID, _ = get[string](rec, "chunk_id")
		r.SourceID, _ = get[string](rec, "source_id")
		r.Text, _ = get[string](rec, "text")
		ord, _ := get[int64](rec, "ordinal")
		r.Ordinal = int(ord)
		if raw, ok := get[string](rec, "metadata"); ok {
			_ = json.Unmarshal([]byte(raw), &r.Metadata)
		}
		score, _ := get[float64](rec, "score")
		r.Similarity = scoreToCosine(score)
		results = append(results, r)
	}
	return results, nil
}

// maxNeighbours caps how far a source-restricted search widens.
const maxNeighbours = 4096

// widen returns the next neighbour count for a source-restricted search,
// or false when another query cannot add matches. A short page means the
// index is exhausted.
func widen(k, scanned, matched, limit int, belowThreshold bool) (int, bool) {
	if matched >= limit || scanned < k || belowThreshold || k >= maxNeighbours {
		return k, false
	}
	return min(k*2, maxNeighbours), true
}

func filterSource(results []models.SearchResult, sourceID string) []models.SearchResult {
	kept := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if r.SourceID == sourceID {
			kept = append(kept, r)
		}
	}
	return kept
}

func countAbove(results []models.SearchResult, threshold float64) int {
	n := 0
	for _, r := range results {
		if r.Similarity >= threshold {
			n++
		}
	}
	return n
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	query := fmt.Sprintf(`
		MATCH (c:%s {source_id: $source})
		WITH collect(c) AS nodes
		FOREACH (n IN nodes | DETACH DELETE n)
		RETURN size(nodes) AS deleted
	`, s.label)

	res, err := s.run(ctx, query, map[string]any{"source": sourceID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete source vectors: %w", err)
	}
	if len(res.Records) == 0 {
		return 0, nil
	}
	n, _ := get[int64](res.Records[0], "deleted")
	return int(n), nil
}

// scoreToCosine undoes the (1 + cos) / 2 normalization Neo4j applies to
// cosine index scores.
func scoreToCosine(score float64) float64 {
	return 2*score - 1
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func get[T any](rec *neo4j.Record, key string) (T, bool) {
	var zero T
	raw, ok := rec.Get(key)
	if !ok || raw == nil {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}
