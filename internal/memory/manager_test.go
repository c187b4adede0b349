package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/embedding"
	"github.com/rag-agent/backend/internal/llm"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/storage/sqlite"
	"github.com/rag-agent/backend/internal/vector"
	memvec "github.com/rag-agent/backend/internal/vector/memory"
	"github.com/rag-agent/backend/pkg/apperr"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	gen, err := embedding.NewGenerator(embedding.NewHashingProvider(128), embedding.Config{Dimension: 128}, nil)
	require.NoError(t, err)

	return NewManager(db, memvec.NewStore(128), gen, &PatternExtractor{}, cfg)
}

func TestRecallRecentReturnsPriorTurnsInOrder(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	sid, created, err := m.InitSession(ctx, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sid)

	for _, text := range []string{"first", "second", "third"} {
		_, err := m.RememberTurn(ctx, sid, models.RoleUser, text, nil)
		require.NoError(t, err)
	}

	turns, err := m.RecallRecent(ctx, sid, 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "first", turns[0].Content)
	assert.Equal(t, "second", turns[1].Content)
	assert.Equal(t, "third", turns[2].Content)
	for i := 1; i < len(turns); i++ {
		assert.False(t, turns[i].Timestamp.Before(turns[i-1].Timestamp))
	}
}

func TestRecallRecentWindow(t *testing.T) {
	m := newTestManager(t, Config{RecentWindow: 2})
	ctx := context.Background()
	sid, _, err := m.InitSession(ctx, "s")
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := m.RememberTurn(ctx, sid, models.RoleUser, text, nil)
		require.NoError(t, err)
	}

	turns, err := m.RecallRecent(ctx, sid, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "c", turns[0].Content)
	assert.Equal(t, "d", turns[1].Content)
}

func TestRecallSemanticIsSessionScoped(t *testing.T) {
	m := newTestManager(t, Config{SemanticThreshold: 0.5, SemanticLimit: 3})
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2"} {
		_, _, err := m.InitSession(ctx, sid)
		require.NoError(t, err)
	}

	_, err := m.RememberTurn(ctx, "s1", models.RoleUser, "the invoice totals for march", nil)
	require.NoError(t, err)
	_, err = m.RememberTurn(ctx, "s1", models.RoleUser, "weather is nice", nil)
	require.NoError(t, err)
	_, err = m.RememberTurn(ctx, "s2", models.RoleUser, "the invoice totals for march", nil)
	require.NoError(t, err)

	turns, err := m.RecallSemantic(ctx, "s1", "invoice totals for march", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "s1", turns[0].SessionID)
	assert.Equal(t, "the invoice totals for march", turns[0].Content)
	assert.NotEmpty(t, turns[0].Metadata["similarity"])
}

// memStore names the embedded field so it does not hide the Store method.
type memStore = memvec.Store

type stallingStore struct {
	*memStore
}

func (s stallingStore) Search(ctx context.Context, _ []float32, _ vector.SearchOptions) ([]models.SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecallSemanticHonoursTimeout(t *testing.T) {
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })
	gen, err := embedding.NewGenerator(embedding.NewHashingProvider(128), embedding.Config{Dimension: 128}, nil)
	require.NoError(t, err)

	m := NewManager(db, stallingStore{memvec.NewStore(128)}, gen, nil, Config{Timeout: 100 * time.Millisecond})
	ctx := context.Background()
	_, _, err = m.InitSession(ctx, "s")
	require.NoError(t, err)

	started := time.Now()
	_, err = m.RecallSemantic(ctx, "s", "anything", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestIndexedTurnsMaskKnownSensitiveValues(t *testing.T) {
	m := newTestManager(t, Config{SemanticThreshold: -1})
	ctx := context.Background()
	_, _, err := m.InitSession(ctx, "s")
	require.NoError(t, err)
	require.NoError(t, m.SaveContext(ctx, "s", models.ContextLearning, "address", "Rua das Flores 42"))

	_, err = m.RememberTurn(ctx, "s", models.RoleUser, "ship it to Rua das Flores 42 please", nil)
	require.NoError(t, err)

	hits, err := m.searchTurns(ctx, "s", "ship it please", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ship it to [redacted] please", hits[0].Text)

	turns, err := m.RecallRecent(ctx, "s", 1)
	require.NoError(t, err)
	assert.Equal(t, "ship it to Rua das Flores 42 please", turns[0].Content)
}

func TestShouldRecallSemanticEveryNExchanges(t *testing.T) {
	m := newTestManager(t, Config{SemanticEvery: 2})
	ctx := context.Background()
	sid, _, err := m.InitSession(ctx, "s")
	require.NoError(t, err)

	var due []bool
	for i := 0; i < 4; i++ {
		_, err := m.RememberTurn(ctx, sid, models.RoleUser, "q", nil)
		require.NoError(t, err)
		_, err = m.RememberTurn(ctx, sid, models.RoleAssistant, "a", nil)
		require.NoError(t, err)
		ok, err := m.ShouldRecallSemantic(ctx, sid)
		require.NoError(t, err)
		due = append(due, ok)
	}
	assert.Equal(t, []bool{false, true, false, true}, due)
}

func TestRememberFactsPartitionsAndMerges(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	sid, _, err := m.InitSession(ctx, "s")
	require.NoError(t, err)

	facts, err := m.RememberFacts(ctx, sid, "Meu nome é Ana Souza, meu CPF é 123.456.789-09 e email ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", facts.Safe["name"])
	assert.Equal(t, "123.456.789-09", facts.Sensitive["cpf"])
	assert.Equal(t, "ana@example.com", facts.Sensitive["email"])

	prefs, err := m.ListContext(ctx, sid, models.ContextPreferences)
	require.NoError(t, err)
	for _, p := range prefs {
		assert.NotContains(t, []string{"cpf", "email"}, p.Key)
		assert.Equal(t, models.PrioritySafe, p.Priority)
	}

	learning, err := m.ListContext(ctx, sid, models.ContextLearning)
	require.NoError(t, err)
	require.Len(t, learning, 2)
	for _, l := range learning {
		assert.Equal(t, models.PrioritySensitive, l.Priority)
	}

	// A later message without a name keeps the known one.
	_, err = m.RememberFacts(ctx, sid, "prefiro gráficos de barras")
	require.NoError(t, err)
	known, err := m.LoadFacts(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", known.Safe["name"])
	assert.Equal(t, "gráficos de barras", known.Safe["preference"])

	values, err := m.SensitiveValues(ctx, sid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"123.456.789-09", "ana@example.com"}, values)
}

func TestSaveContextRejectsSensitivePreference(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	err := m.SaveContext(context.Background(), "s", models.ContextPreferences, "cpf", "123")
	assert.Error(t, err)
}

func TestContextCRUD(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	sid, _, err := m.InitSession(ctx, "s")
	require.NoError(t, err)

	require.NoError(t, m.SaveContext(ctx, sid, models.ContextData, "current_dataset", "sales.csv"))
	rec, err := m.GetContext(ctx, sid, models.ContextData, "current_dataset")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sales.csv", rec.Value)
	assert.Equal(t, models.PriorityData, rec.Priority)

	require.NoError(t, m.DeleteContext(ctx, sid, models.ContextData, "current_dataset"))
	rec, err = m.GetContext(ctx, sid, models.ContextData, "current_dataset")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLocalLockerSerialises(t *testing.T) {
	l := NewLocalLocker(time.Second)
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "s1")
			if !assert.NoError(t, err) {
				return
			}
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Zero(t, l.Held())
}

func TestLocalLockerTimeoutAndIndependentKeys(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	other()

	_, err = l.Lock(ctx, "a")
	assert.True(t, errors.Is(err, apperr.ErrLockTimeout))

	unlock()
	unlock()
	assert.Zero(t, l.Held())
}

type fakeChat struct{ reply string }

func (f fakeChat) Chat(ctx context.Context, req llm.ChatRequest) llm.ChatResult {
	return llm.ChatResult{Success: true, Content: f.reply}
}

func TestCombinedExtractorUnion(t *testing.T) {
	ext := &CombinedExtractor{
		Patterns: &PatternExtractor{},
		Assisted: NewLLMExtractor(fakeChat{reply: `Sure: {"facts":[
			{"key":"name","value":"Someone Else","sensitivity":"sensitive"},
			{"key":"company","value":"Acme","sensitivity":"safe"},
			{"key":"salary","value":"5000","sensitivity":"sensitive"},
			{"key":"cpf","value":"[redacted]","sensitivity":"sensitive"}
		]}`}),
	}

	facts, err := ext.Extract(context.Background(), "my name is Bruno and my cpf is 52998224725")
	require.NoError(t, err)
	assert.Equal(t, "Bruno", facts.Safe["name"], "pattern value and fixed sensitivity win")
	assert.Equal(t, "Acme", facts.Safe["company"])
	assert.Equal(t, "5000", facts.Sensitive["salary"])
	assert.Equal(t, "52998224725", facts.Sensitive["cpf"])
	for k := range facts.Sensitive {
		_, dup := facts.Safe[k]
		assert.False(t, dup, k)
	}
}
