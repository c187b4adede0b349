package embedding

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/circuitbreaker"
	"github.com/rag-agent/backend/pkg/logger"
	"github.com/rag-agent/backend/pkg/retry"
	"github.com/rag-agent/backend/pkg/utils"
)

type Config struct {
	Dimension   int
	Workers     int
	BatchSize   int
	MaxAttempts int
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// BreakerFailure consecutive failed calls open the provider's circuit
	// for BreakerCool.
	BreakerFailure int
	BreakerCool    time.Duration
}

type Generator struct {
	provider Provider
	cfg      Config
	cache    Cache
	retryCfg retry.Config
	cb       *circuitbreaker.CircuitBreaker
	log      *zap.Logger
}

// Failure records a chunk that was excluded from a batch.
type Failure struct {
	ChunkID string
	Err     error
}

type BatchStats struct {
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	SuccessRate float64
	Duration    time.Duration
	Canceled    bool
}

type BatchResult struct {
	// Embeddings follow the order of the input chunks; excluded chunks are
	// simply absent.
	Embeddings []models.Embedding
	Failures   []Failure
	Stats      BatchStats
}

// NewGenerator fails with a ConfigurationError when the provider's declared
// dimension disagrees with the configured one.
func NewGenerator(p Provider, cfg Config, cache Cache) (*Generator, error) {
	if cfg.Dimension <= 0 {
		return nil, apperr.Config("embedding.dimension", "must be positive, got %d", cfg.Dimension)
	}
	if d := p.Dimension(); d != 0 && d != cfg.Dimension {
		return nil, apperr.Config("embedding.dimension",
			"provider %s/%s emits %d dimensions, configured %d", p.Name(), p.Model(), d, cfg.Dimension)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerFailure <= 0 {
		cfg.BreakerFailure = 5
	}
	if cfg.BreakerCool <= 0 {
		cfg.BreakerCool = 30 * time.Second
	}

	log := logger.Named("embedding")
	return &Generator{
		provider: p,
		cfg:      cfg,
		cache:    cache,
		retryCfg: retry.Config{
			MaxAttempts:    cfg.MaxAttempts,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       3 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			AttemptTimeout: cfg.Timeout,
			Logger:         log,
		},
		// Only provider failures count; a dimension mismatch or a caller
		// giving up says nothing about the backend's health.
		cb: circuitbreaker.NewCircuitBreaker("embedding-"+p.Name(), circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          cfg.BreakerCool,
			FailureThreshold: uint32(cfg.BreakerFailure),
			SuccessThreshold: 1,
			IsFailure:        func(err error) bool { return errors.Is(err, apperr.ErrProvider) },
			Logger:           log,
		}),
		log: log,
	}, nil
}

func (g *Generator) Provider() Provider { return g.provider }
func (g *Generator) Dimension() int     { return g.cfg.Dimension }

// Embed embeds a single text, typically a query. Results are cached by
// provider, model and text.
func (g *Generator) Embed(ctx context.Context, text string) (*models.Embedding, error) {
	key := utils.TextKey(g.provider.Name(), g.provider.Model(), text)

	if g.cache != nil {
		if vec, ok := g.cache.GetVector(ctx, key); ok && len(vec) == g.cfg.Dimension {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			return g.wrap(key, "", vec), nil
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
	}

	vecs, err := g.call(ctx, []string{text})
	if err != nil {
		metrics.EmbeddingsTotal.WithLabelValues(g.provider.Name(), "failure").Inc()
		return nil, err
	}
	metrics.EmbeddingsTotal.WithLabelValues(g.provider.Name(), "success").Inc()

	if g.cache != nil {
		g.cache.SetVector(ctx, key, vecs[0])
	}
	return g.wrap(key, "", vecs[0]), nil
}

// EmbedBatch embeds chunks on a fixed pool of workers. A chunk that still
// fails after its retries is left out and reported in Failures. A dimension
// mismatch aborts the batch with a ConfigurationError. Cancelling ctx stops
// dispatching new work and returns whatever finished.
func (g *Generator) EmbedBatch(ctx context.Context, chunks []models.Chunk) (*BatchResult, error) {
	started := time.Now()
	result := &BatchResult{Stats: BatchStats{Total: len(chunks)}}
	if len(chunks) == 0 {
		return result, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	groups := make([][]models.Chunk, 0, len(chunks)/g.cfg.BatchSize+1)
	for i := 0; i < len(chunks); i += g.cfg.BatchSize {
		end := i + g.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		groups = append(groups, chunks[i:end])
	}

	jobs := make(chan []models.Chunk)
	results := make(chan groupResult, g.cfg.Workers)

	var wg sync.WaitGroup
	for w := 0; w < g.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range jobs {
				results <- g.embedGroup(runCtx, group)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, group := range groups {
			select {
			case jobs <- group:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	byID := make(map[string]models.Embedding, len(chunks))
	var fatal error
	for r := range results {
		for _, e := range r.embeddings {
			byID[e.ChunkID] = e
		}
		result.Failures = append(result.Failures, r.failures...)
		if r.fatal != nil && fatal == nil {
			fatal = r.fatal
			cancel()
		}
	}

	for _, ch := range chunks {
		if e, ok := byID[ch.ID]; ok {
			result.Embeddings = append(result.Embeddings, e)
		}
	}

	s := &result.Stats
	s.Succeeded = len(result.Embeddings)
	s.Failed = len(result.Failures)
	s.Skipped = s.Total - s.Succeeded - s.Failed
	s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	s.Duration = time.Since(started)
	s.Canceled = ctx.Err() != nil

	metrics.EmbeddingsTotal.WithLabelValues(g.provider.Name(), "success").Add(float64(s.Succeeded))
	metrics.EmbeddingsTotal.WithLabelValues(g.provider.Name(), "failure").Add(float64(s.Failed))

	g.log.Info("Embedding batch finished",
		zap.Int("total", s.Total),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Float64("success_rate", s.SuccessRate),
		zap.Duration("duration", s.Duration),
		zap.Bool("canceled", s.Canceled),
	)

	if fatal != nil {
		return result, fatal
	}
	return result, nil
}

type groupResult struct {
	embeddings []models.Embedding
	failures   []Failure
	fatal      error
}

// embedGroup tries the whole group in one call first. If that keeps failing,
// each chunk is retried alone so one bad input does not sink its neighbours.
func (g *Generator) embedGroup(ctx context.Context, group []models.Chunk) groupResult {
	var res groupResult
	if ctx.Err() != nil {
		return res
	}

	texts := make([]string, len(group))
	for i, ch := range group {
		texts[i] = ch.Text
	}

	vecs, err := g.call(ctx, texts)
	if err == nil {
		for i, ch := range group {
			res.embeddings = append(res.embeddings, *g.wrap(ch.ID, ch.ID, vecs[i]))
		}
		return res
	}
	if apperr.IsConfiguration(err) {
		res.fatal = err
		return res
	}
	if ctx.Err() != nil {
		return res
	}

	if len(group) == 1 {
		res.failures = append(res.failures, Failure{ChunkID: group[0].ID, Err: err})
		g.log.Warn("Chunk embedding failed", zap.String("chunk_id", group[0].ID), zap.Error(err))
		return res
	}

	for _, ch := range group {
		if ctx.Err() != nil {
			return res
		}
		vecs, err := g.call(ctx, []string{ch.Text})
		switch {
		case err == nil:
			res.embeddings = append(res.embeddings, *g.wrap(ch.ID, ch.ID, vecs[0]))
		case apperr.IsConfiguration(err):
			res.fatal = err
			return res
		case errors.Is(err, context.Canceled):
			return res
		default:
			res.failures = append(res.failures, Failure{ChunkID: ch.ID, Err: err})
			g.log.Warn("Chunk embedding failed", zap.String("chunk_id", ch.ID), zap.Error(err))
		}
	}
	return res
}

// call invokes the provider behind its circuit breaker with bounded retries
// and a per-attempt timeout, then verifies vector count and length.
func (g *Generator) call(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := g.cb.Execute(ctx, func() error {
		var err error
		vecs, err = g.attempt(ctx, texts)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		g.log.Debug("Embedding call rejected by breaker", zap.String("breaker", g.cb.Name()))
		return nil, apperr.Provider(g.provider.Name(), "embed", err)
	}
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

func (g *Generator) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := retry.DoWithResult(ctx, g.retryCfg, func(ctx context.Context) ([][]float32, error) {
		vecs, err := g.provider.Embed(ctx, texts)
		if err != nil {
			return nil, apperr.Provider(g.provider.Name(), "embed", err)
		}
		if err := checkCount(len(vecs), len(texts)); err != nil {
			return nil, apperr.Provider(g.provider.Name(), "embed", err)
		}
		if err := checkDimensions(vecs, g.cfg.Dimension); err != nil {
			return nil, retry.Permanent(err)
		}
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

func (g *Generator) wrap(id, chunkID string, vec []float32) *models.Embedding {
	return &models.Embedding{
		ID:        id,
		ChunkID:   chunkID,
		Vector:    vec,
		Provider:  g.provider.Name(),
		ModelName: g.provider.Model(),
		CreatedAt: time.Now(),
	}
}
