package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/circuitbreaker"
)

type fakeProvider struct {
	dim     int
	emitDim int
	delay   time.Duration
	// failures maps text to the number of calls that should fail before
	// succeeding; a negative value fails forever.
	failures map[string]int
	hook     func(texts []string)

	mu       sync.Mutex
	seen     map[string]int
	calls    int32
	inFlight int32
	maxSeen  int32
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Model() string  { return "fake-1" }
func (f *fakeProvider) Dimension() int { return f.dim }

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		old := atomic.LoadInt32(&f.maxSeen)
		if n <= old || atomic.CompareAndSwapInt32(&f.maxSeen, old, n) {
			break
		}
	}

	if f.hook != nil {
		f.hook(texts)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.seen == nil {
		f.seen = map[string]int{}
	}
	for _, t := range texts {
		budget, ok := f.failures[t]
		if !ok {
			continue
		}
		f.seen[t]++
		if budget < 0 || f.seen[t] <= budget {
			f.mu.Unlock()
			return nil, fmt.Errorf("backend rejected %q", t)
		}
	}
	f.mu.Unlock()

	dim := f.dim
	if f.emitDim != 0 {
		dim = f.emitDim
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dim)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

func newGen(t *testing.T, p Provider, cfg Config) *Generator {
	t.Helper()
	g, err := NewGenerator(p, cfg, nil)
	require.NoError(t, err)
	g.retryCfg.InitialDelay = time.Millisecond
	g.retryCfg.MaxDelay = 5 * time.Millisecond
	return g
}

func makeChunks(n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{ID: fmt.Sprintf("c%02d", i), SourceID: "doc", Ordinal: i, Text: fmt.Sprintf("chunk-%d", i)}
	}
	return chunks
}

func TestEmbedBatchAllSucceed(t *testing.T) {
	p := &fakeProvider{dim: 4, delay: 5 * time.Millisecond}
	g := newGen(t, p, Config{Dimension: 4, Workers: 3, BatchSize: 2})

	chunks := makeChunks(17)
	res, err := g.EmbedBatch(context.Background(), chunks)
	require.NoError(t, err)

	require.Len(t, res.Embeddings, 17)
	for i, e := range res.Embeddings {
		assert.Equal(t, chunks[i].ID, e.ChunkID)
		assert.Equal(t, float32(len(chunks[i].Text)), e.Vector[0])
		assert.Len(t, e.Vector, 4)
		assert.Equal(t, "fake", e.Provider)
		assert.Equal(t, "fake-1", e.ModelName)
	}
	assert.Equal(t, 17, res.Stats.Succeeded)
	assert.Equal(t, 1.0, res.Stats.SuccessRate)
	assert.LessOrEqual(t, atomic.LoadInt32(&p.maxSeen), int32(3))
}

func TestEmbedBatchExcludesPersistentFailure(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: map[string]int{"chunk-3": -1}}
	g := newGen(t, p, Config{Dimension: 4, Workers: 2, BatchSize: 4, MaxAttempts: 2})

	res, err := g.EmbedBatch(context.Background(), makeChunks(8))
	require.NoError(t, err)

	assert.Equal(t, 7, res.Stats.Succeeded)
	assert.Equal(t, 1, res.Stats.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "c03", res.Failures[0].ChunkID)
	assert.ErrorIs(t, res.Failures[0].Err, apperr.ErrProvider)
	assert.InDelta(t, 7.0/8.0, res.Stats.SuccessRate, 1e-9)

	for _, e := range res.Embeddings {
		assert.NotEqual(t, "c03", e.ChunkID)
	}
}

func TestEmbedBatchRetriesTransientFailure(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: map[string]int{"chunk-1": 2}}
	g := newGen(t, p, Config{Dimension: 4, Workers: 1, BatchSize: 1, MaxAttempts: 3})

	res, err := g.EmbedBatch(context.Background(), makeChunks(3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Succeeded)
	assert.Empty(t, res.Failures)
}

func TestEmbedBatchDimensionMismatchIsFatal(t *testing.T) {
	p := &fakeProvider{dim: 4, emitDim: 3}
	g := newGen(t, p, Config{Dimension: 4, Workers: 2, BatchSize: 2})

	res, err := g.EmbedBatch(context.Background(), makeChunks(6))
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
	assert.Empty(t, res.Embeddings)
}

func TestNewGeneratorRejectsProviderDimension(t *testing.T) {
	_, err := NewGenerator(&fakeProvider{dim: 8}, Config{Dimension: 4}, nil)
	assert.True(t, apperr.IsConfiguration(err))
}

func TestEmbedBatchCancelReportsPartialSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &fakeProvider{dim: 4}
	p.hook = func([]string) {
		if atomic.LoadInt32(&p.calls) == 3 {
			cancel()
		}
	}
	p.delay = time.Millisecond
	g := newGen(t, p, Config{Dimension: 4, Workers: 1, BatchSize: 1})

	res, err := g.EmbedBatch(ctx, makeChunks(10))
	require.NoError(t, err)

	assert.True(t, res.Stats.Canceled)
	assert.Equal(t, 2, res.Stats.Succeeded)
	assert.Equal(t, 0, res.Stats.Failed)
	assert.Equal(t, 8, res.Stats.Skipped)
	assert.Equal(t, "c00", res.Embeddings[0].ChunkID)
	assert.Equal(t, "c01", res.Embeddings[1].ChunkID)
}

func TestEmbedBatchEmpty(t *testing.T) {
	g := newGen(t, &fakeProvider{dim: 4}, Config{Dimension: 4})
	res, err := g.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.Total)
}

func TestEmbedUsesCache(t *testing.T) {
	p := &fakeProvider{dim: 4}
	g, err := NewGenerator(p, Config{Dimension: 4}, NewLRUCache(8, time.Minute))
	require.NoError(t, err)

	a, err := g.Embed(context.Background(), "what is the total")
	require.NoError(t, err)
	b, err := g.Embed(context.Background(), "what is the total")
	require.NoError(t, err)

	assert.Equal(t, a.Vector, b.Vector)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls))
}

func TestEmbedSurfacesProviderError(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: map[string]int{"q": -1}}
	g := newGen(t, p, Config{Dimension: 4, MaxAttempts: 2})

	_, err := g.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProvider))
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
}

func TestBreakerStopsCallingFailingProvider(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: map[string]int{"q": -1}}
	g := newGen(t, p, Config{Dimension: 4, MaxAttempts: 1, BreakerFailure: 2, BreakerCool: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Embed(ctx, "q")
		require.Error(t, err)
	}
	require.Equal(t, int32(2), atomic.LoadInt32(&p.calls))

	_, err := g.Embed(ctx, "healthy text")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.ErrorIs(t, err, apperr.ErrProvider)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
}

func TestDimensionMismatchDoesNotTripBreaker(t *testing.T) {
	p := &fakeProvider{dim: 4, emitDim: 3}
	g := newGen(t, p, Config{Dimension: 4, MaxAttempts: 1, BreakerFailure: 1, BreakerCool: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := g.Embed(context.Background(), "q")
		assert.True(t, apperr.IsConfiguration(err))
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.calls))
}

func TestHashingProviderIsDeterministicAndNormalised(t *testing.T) {
	h := NewHashingProvider(64)
	vecs, err := h.Embed(context.Background(), []string{"Total de vendas por mês", "total de vendas por mês", ""})
	require.NoError(t, err)

	assert.Equal(t, vecs[0], vecs[1])
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.Len(t, vecs[2], 64)
}

func TestLRUCacheEvictsAndExpires(t *testing.T) {
	c := NewLRUCache(2, time.Minute)
	ctx := context.Background()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.SetVector(ctx, "a", []float32{1})
	c.SetVector(ctx, "b", []float32{2})
	_, _ = c.GetVector(ctx, "a")
	c.SetVector(ctx, "c", []float32{3})

	_, ok := c.GetVector(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.GetVector(ctx, "a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.GetVector(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}
