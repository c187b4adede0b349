// Package query is the orchestration core: it takes one user query through
// memory recall, routing, retrieval, generation and persistence.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/llm"
	"github.com/rag-agent/backend/internal/memory"
	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/logger"
)

// DatasetKey is the data-context key holding the current dataset pointer.
const DatasetKey = "current_dataset"

var ErrEmptyQuery = errors.New("query must not be empty")

type Classifier interface {
	Classify(ctx context.Context, query string, wctx router.Context) router.Result
	Grounded(route router.Route) bool
}

type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) llm.ChatResult
}

type Embedder interface {
	Embed(ctx context.Context, text string) (*models.Embedding, error)
}

// QueryLog persists answered queries. *sqlite.Client implements it.
type QueryLog interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error
}

// Deps are the collaborators of an Engine. Locker may be nil, in which case
// an in-process locker is used.
type Deps struct {
	Memory   *memory.Manager
	Router   Classifier
	Embedder Embedder
	Vectors  vector.Store
	LLM      Chatter
	History  QueryLog
	Locker   memory.Locker
}

type Options struct {
	RetrievalThreshold float64
	RetrievalLimit     int
	// SearchTimeout bounds the query embedding plus the vector search.
	SearchTimeout time.Duration
}

type Request struct {
	Query     string
	SessionID string
	// FileName is a file attached to the query, used as a routing hint.
	FileName string
}

type Source struct {
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	Ordinal    int     `json:"ordinal"`
	Similarity float64 `json:"similarity"`
	Preview    string  `json:"preview"`
}

type Response struct {
	ID                  string        `json:"id"`
	SessionID           string        `json:"session_id"`
	Content             string        `json:"content"`
	Route               router.Route  `json:"route"`
	Method              router.Method `json:"method"`
	Confidence          float64       `json:"confidence"`
	Sources             []Source      `json:"sources"`
	Provider            string        `json:"provider,omitempty"`
	Model               string        `json:"model,omitempty"`
	TokensUsed          int           `json:"tokens_used"`
	ProcessingTimeMS    int64         `json:"processing_time_ms"`
	InsufficientContext bool          `json:"insufficient_context"`
}

type Engine struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Locker == nil {
		deps.Locker = memory.NewLocalLocker(30 * time.Second)
	}
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = 10
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 15 * time.Second
	}
	return &Engine{deps: deps, opts: opts, log: logger.Named("query")}
}

// turnState is what memory recall produced for one query.
type turnState struct {
	recent    []models.ConversationTurn
	related   []models.ConversationTurn
	safe      map[string]string
	sensitive []string
	dataset   string
	// outbound is the query with sensitive values masked. Only this form
	// may reach an external provider.
	outbound string
}

// Handle answers one query. Only one Handle runs per session at a time.
// Provider exhaustion and storage failures come back as errors; an empty
// retrieval and an unclassifiable query do not.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	release, err := e.deps.Locker.Lock(ctx, "session:"+sessionID)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ActiveSessions.Inc()
	defer func() {
		metrics.ActiveSessions.Dec()
		release()
	}()

	resp, err := e.handle(ctx, started, sessionID, query, req.FileName)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		e.log.Error("Query failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}
	resp.ProcessingTimeMS = time.Since(started).Milliseconds()
	metrics.QueryDuration.WithLabelValues(string(resp.Route)).Observe(time.Since(started).Seconds())

	e.log.Info("Query processed",
		zap.String("query_id", resp.ID),
		zap.String("session_id", resp.SessionID),
		zap.String("route", string(resp.Route)),
		zap.String("method", string(resp.Method)),
		zap.Int("sources", len(resp.Sources)),
		zap.Bool("insufficient_context", resp.InsufficientContext),
		zap.Int64("latency_ms", resp.ProcessingTimeMS),
	)
	return resp, nil
}

func (e *Engine) handle(ctx context.Context, started time.Time, sessionID, query, fileName string) (*Response, error) {
	if _, _, err := e.deps.Memory.InitSession(ctx, sessionID); err != nil {
		return nil, err
	}

	state, err := e.recall(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}
	outbound := state.outbound

	res := e.deps.Router.Classify(ctx, outbound, router.Context{Dataset: state.dataset, FileName: fileName})
	resp := &Response{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Route:      res.Route,
		Method:     res.Method,
		Confidence: res.Confidence,
		Sources:    []Source{},
	}

	var chunks []models.SearchResult
	status := "success"

	switch {
	case res.Route == router.RouteUnknown:
		resp.Content = clarificationMessage
		status = "clarification"

	case res.Route == router.RouteDataLoading:
		resp.Content = datasetMessage(state.dataset)

	default:
		if e.deps.Router.Grounded(res.Route) {
			chunks = e.retrieve(ctx, outbound)
			metrics.VectorResultsCount.Observe(float64(len(chunks)))
			if len(chunks) == 0 {
				resp.Content = insufficientContextMessage
				resp.InsufficientContext = true
				status = "insufficient"
				metrics.InsufficientContext.Inc()
				break
			}
			resp.Sources = sourcesOf(chunks)
		}

		profile := llm.ProfileFor(query)
		result := e.deps.LLM.Chat(ctx, llm.ChatRequest{
			SystemPrompt: systemPrompt(res.Route),
			Prompt:       buildPrompt(outbound, state, chunks),
			Temperature:  profile.Temperature,
			MaxTokens:    profile.MaxTokens,
		})
		if !result.Success {
			return nil, fmt.Errorf("generation failed: %w", result.Err)
		}
		resp.Content = result.Content
		resp.Provider = result.Provider
		resp.Model = result.Model
		resp.TokensUsed = result.TokensUsed
	}

	resp.ProcessingTimeMS = time.Since(started).Milliseconds()
	if err := e.persist(ctx, sessionID, query, resp, chunks); err != nil {
		return nil, err
	}
	metrics.QueryTotal.WithLabelValues(status).Inc()
	return resp, nil
}

func (e *Engine) recall(ctx context.Context, sessionID, query string) (*turnState, error) {
	mem := e.deps.Memory
	state := &turnState{}

	recent, err := mem.RecallRecent(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	state.recent = recent

	facts, err := mem.LoadFacts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state.safe = facts.Safe
	state.sensitive = make([]string, 0, len(facts.Sensitive))
	for _, v := range facts.Sensitive {
		state.sensitive = append(state.sensitive, v)
	}
	state.outbound = redact(query, state.sensitive)

	due, err := mem.ShouldRecallSemantic(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if due {
		related, err := mem.RecallSemantic(ctx, sessionID, state.outbound, 0)
		if err != nil {
			e.log.Warn("Semantic recall failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		state.related = withoutTurns(related, recent)
	}

	rec, err := mem.GetContext(ctx, sessionID, models.ContextData, DatasetKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		state.dataset = rec.Value
	}
	return state, nil
}

// retrieve degrades every failure to an empty result.
func (e *Engine) retrieve(ctx context.Context, query string) []models.SearchResult {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	q, err := e.deps.Embedder.Embed(ctx, query)
	if err != nil {
		e.log.Warn("Failed to embed query", zap.Error(err))
		return nil
	}
	results, err := e.deps.Vectors.Search(ctx, q.Vector, vector.SearchOptions{
		Threshold: e.opts.RetrievalThreshold,
		Limit:     e.opts.RetrievalLimit,
	})
	if err != nil {
		e.log.Warn("Vector search failed", zap.Error(err))
		return nil
	}
	return results
}

func (e *Engine) persist(ctx context.Context, sessionID, query string, resp *Response, chunks []models.SearchResult) error {
	mem := e.deps.Memory

	// Facts first, so turn indexing already masks what this query revealed.
	if _, err := mem.RememberFacts(ctx, sessionID, query); err != nil {
		e.log.Warn("Fact extraction failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if _, err := mem.RememberTurn(ctx, sessionID, models.RoleUser, query, nil); err != nil {
		return err
	}
	meta := map[string]string{"route": string(resp.Route), "query_id": resp.ID}
	if resp.Provider != "" {
		meta["provider"] = resp.Provider
	}
	if _, err := mem.RememberTurn(ctx, sessionID, models.RoleAssistant, resp.Content, meta); err != nil {
		return err
	}

	if len(chunks) > 0 {
		if err := mem.SaveContext(ctx, sessionID, models.ContextData, DatasetKey, chunks[0].SourceID); err != nil {
			e.log.Warn("Failed to save dataset pointer", zap.Error(err))
		}
	}

	if e.deps.History == nil {
		return nil
	}
	record := &models.QueryRecord{
		ID:           resp.ID,
		SessionID:    sessionID,
		QueryText:    query,
		Response:     resp.Content,
		Route:        string(resp.Route),
		Method:       string(resp.Method),
		Confidence:   resp.Confidence,
		Provider:     resp.Provider,
		Model:        resp.Model,
		ChunksUsed:   len(chunks),
		Insufficient: resp.InsufficientContext,
		LatencyMS:    int(resp.ProcessingTimeMS),
		CreatedAt:    time.Now(),
	}
	sources := make([]models.QuerySource, len(chunks))
	for i, c := range chunks {
		sources[i] = models.QuerySource{
			QueryID:    resp.ID,
			ChunkID:    c.ChunkID,
			SourceID:   c.SourceID,
			Similarity: c.Similarity,
		}
	}
	if err := e.deps.History.InsertQueryRecord(ctx, record, sources); err != nil {
		e.log.Warn("Failed to record query", zap.String("query_id", resp.ID), zap.Error(err))
	}
	return nil
}

func sourcesOf(chunks []models.SearchResult) []Source {
	out := make([]Source, len(chunks))
	for i, c := range chunks {
		out[i] = Source{
			ChunkID:    c.ChunkID,
			SourceID:   c.SourceID,
			Ordinal:    c.Ordinal,
			Similarity: c.Similarity,
			Preview:    preview(c.Text, 160),
		}
	}
	return out
}

func preview(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func withoutTurns(turns, exclude []models.ConversationTurn) []models.ConversationTurn {
	if len(turns) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(exclude))
	for _, t := range exclude {
		seen[t.ID] = true
	}
	out := turns[:0:0]
	for _, t := range turns {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func redact(text string, sensitive []string) string {
	return memory.RedactPatterns(memory.RedactValues(text, sensitive))
}
