// Package memory keeps per-session conversational state: the turn
// transcript, typed context records and semantic recall over past turns.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/internal/vector"
	"github.com/rag-agent/backend/pkg/logger"
)

// Store is the persistent backend. *sqlite.Client implements it.
type Store interface {
	EnsureSession(ctx context.Context, id string) (*models.Session, bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	AppendTurn(ctx context.Context, turn *models.ConversationTurn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
	TurnsByID(ctx context.Context, sessionID string, ids []string) ([]models.ConversationTurn, error)
	CountTurns(ctx context.Context, sessionID string) (int, error)
	UpsertContext(ctx context.Context, rec *models.ContextRecord) error
	GetContext(ctx context.Context, sessionID string, ctxType models.ContextType, key string) (*models.ContextRecord, error)
	ListContext(ctx context.Context, sessionID string, ctxType models.ContextType) ([]models.ContextRecord, error)
	DeleteContext(ctx context.Context, sessionID string, ctxType models.ContextType, key string) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) (*models.Embedding, error)
}

type Config struct {
	RecentWindow      int
	SemanticEvery     int
	SemanticThreshold float64
	SemanticLimit     int
	// Timeout bounds each turn embedding plus its vector store call.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{RecentWindow: 8, SemanticEvery: 3, SemanticThreshold: 0.8, SemanticLimit: 3, Timeout: 10 * time.Second}
}

type Manager struct {
	store     Store
	turns     vector.Store
	embedder  Embedder
	extractor Extractor
	cfg       Config
	log       *zap.Logger
}

// NewManager wires the memory manager. turns and embedder may be nil, which
// disables semantic recall.
func NewManager(store Store, turns vector.Store, embedder Embedder, extractor Extractor, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.SemanticEvery <= 0 {
		cfg.SemanticEvery = def.SemanticEvery
	}
	if cfg.SemanticLimit <= 0 {
		cfg.SemanticLimit = def.SemanticLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if extractor == nil {
		extractor = &PatternExtractor{}
	}
	return &Manager{
		store:     store,
		turns:     turns,
		embedder:  embedder,
		extractor: extractor,
		cfg:       cfg,
		log:       logger.Named("memory"),
	}
}

func (m *Manager) Config() Config { return m.cfg }

// InitSession creates a session, generating an id when none is given. An
// existing id is reused and its activity time bumped.
func (m *Manager) InitSession(ctx context.Context, id string) (string, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	_, created, err := m.store.EnsureSession(ctx, id)
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.store.GetSession(ctx, id)
}

// RememberTurn appends a turn and indexes it for semantic recall. Indexing
// failures are logged; the transcript is the source of truth.
func (m *Manager) RememberTurn(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]string) (*models.ConversationTurn, error) {
	turn := &models.ConversationTurn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	if err := m.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}

	if m.turns != nil && m.embedder != nil {
		if err := m.indexTurn(ctx, turn); err != nil {
			m.log.Warn("Failed to index turn for semantic recall",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	return turn, nil
}

func (m *Manager) indexTurn(ctx context.Context, turn *models.ConversationTurn) error {
	// Turn vectors are built from redacted text; the raw turn stays in the
	// transcript only.
	text, err := m.Redact(ctx, turn.SessionID, turn.Content)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	emb, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	_, err = m.turns.Store(ctx, []models.VectorRecord{{
		ID:        turn.ID,
		ChunkID:   turn.ID,
		SourceID:  turn.SessionID,
		Ordinal:   int(turn.Seq),
		Vector:    emb.Vector,
		Text:      text,
		Metadata:  map[string]string{"role": string(turn.Role)},
		Provider:  emb.Provider,
		ModelName: emb.ModelName,
		CreatedAt: turn.Timestamp,
	}})
	return err
}

// RecallRecent returns up to limit most recent turns, oldest first. A
// non-positive limit uses the configured window.
func (m *Manager) RecallRecent(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		limit = m.cfg.RecentWindow
	}
	return m.store.RecentTurns(ctx, sessionID, limit)
}

// RecallSemantic returns past turns of this session similar to query,
// most similar first. The similarity is put in each turn's metadata.
func (m *Manager) RecallSemantic(ctx context.Context, sessionID, query string, limit int) ([]models.ConversationTurn, error) {
	if m.turns == nil || m.embedder == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = m.cfg.SemanticLimit
	}

	query, err := m.Redact(ctx, sessionID, query)
	if err != nil {
		return nil, err
	}
	hits, err := m.searchTurns(ctx, sessionID, query, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	sim := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		sim[h.ID] = h.Similarity
	}

	turns, err := m.store.TurnsByID(ctx, sessionID, ids)
	if err != nil {
		return nil, err
	}
	for i := range turns {
		if turns[i].Metadata == nil {
			turns[i].Metadata = map[string]string{}
		}
		turns[i].Metadata["similarity"] = strconv.FormatFloat(sim[turns[i].ID], 'f', 4, 64)
	}
	sort.SliceStable(turns, func(i, j int) bool {
		return sim[turns[i].ID] > sim[turns[j].ID]
	})
	return turns, nil
}

func (m *Manager) searchTurns(ctx context.Context, sessionID, query string, limit int) ([]models.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	q, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}
	hits, err := m.turns.Search(ctx, q.Vector, vector.SearchOptions{
		Threshold: m.cfg.SemanticThreshold,
		Limit:     limit,
		SourceID:  sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search turn memory: %w", err)
	}
	return hits, nil
}

// ShouldRecallSemantic reports whether this query falls on the periodic
// semantic-recall schedule: every SemanticEvery completed exchanges.
func (m *Manager) ShouldRecallSemantic(ctx context.Context, sessionID string) (bool, error) {
	if m.turns == nil || m.embedder == nil {
		return false, nil
	}
	n, err := m.store.CountTurns(ctx, sessionID)
	if err != nil {
		return false, err
	}
	exchanges := n / 2
	return exchanges > 0 && exchanges%m.cfg.SemanticEvery == 0, nil
}

func priorityFor(t models.ContextType) int {
	switch t {
	case models.ContextLearning:
		return models.PrioritySensitive
	case models.ContextPreferences:
		return models.PrioritySafe
	default:
		return models.PriorityData
	}
}

func (m *Manager) SaveContext(ctx context.Context, sessionID string, t models.ContextType, key, value string) error {
	if t == models.ContextPreferences {
		if s, ok := ClassifyKey(key); ok && s == Sensitive {
			return fmt.Errorf("key %q is sensitive and cannot be stored as a preference", key)
		}
	}
	return m.store.UpsertContext(ctx, &models.ContextRecord{
		SessionID:   sessionID,
		ContextType: t,
		Key:         key,
		Value:       value,
		Priority:    priorityFor(t),
	})
}

func (m *Manager) GetContext(ctx context.Context, sessionID string, t models.ContextType, key string) (*models.ContextRecord, error) {
	return m.store.GetContext(ctx, sessionID, t, key)
}

func (m *Manager) ListContext(ctx context.Context, sessionID string, t models.ContextType) ([]models.ContextRecord, error) {
	return m.store.ListContext(ctx, sessionID, t)
}

func (m *Manager) DeleteContext(ctx context.Context, sessionID string, t models.ContextType, key string) error {
	return m.store.DeleteContext(ctx, sessionID, t, key)
}

func (m *Manager) ExtractFacts(ctx context.Context, text string) (Facts, error) {
	return m.extractor.Extract(ctx, text)
}

// LoadFacts reads the session's safe (preferences) and sensitive (learning)
// buckets.
func (m *Manager) LoadFacts(ctx context.Context, sessionID string) (Facts, error) {
	facts := NewFacts()
	safe, err := m.store.ListContext(ctx, sessionID, models.ContextPreferences)
	if err != nil {
		return facts, err
	}
	sensitive, err := m.store.ListContext(ctx, sessionID, models.ContextLearning)
	if err != nil {
		return facts, err
	}
	for _, r := range safe {
		facts.Safe[r.Key] = r.Value
	}
	for _, r := range sensitive {
		facts.Set(r.Key, r.Value, Sensitive)
	}
	return facts, nil
}

// RememberFacts extracts facts from text, merges them into what the session
// already knows and persists the changes.
func (m *Manager) RememberFacts(ctx context.Context, sessionID, text string) (Facts, error) {
	fresh, err := m.ExtractFacts(ctx, text)
	if err != nil {
		return NewFacts(), err
	}
	if fresh.Empty() {
		return fresh, nil
	}

	known, err := m.LoadFacts(ctx, sessionID)
	if err != nil {
		return NewFacts(), err
	}
	merged := MergeFacts(known, fresh)

	for _, k := range sortedKeys(merged.Sensitive) {
		if v := merged.Sensitive[k]; known.Sensitive[k] != v {
			if err := m.SaveContext(ctx, sessionID, models.ContextLearning, k, v); err != nil {
				return NewFacts(), err
			}
		}
		if _, stale := known.Safe[k]; stale {
			if err := m.store.DeleteContext(ctx, sessionID, models.ContextPreferences, k); err != nil {
				return NewFacts(), err
			}
		}
	}
	for _, k := range sortedKeys(merged.Safe) {
		if v := merged.Safe[k]; known.Safe[k] != v {
			if err := m.SaveContext(ctx, sessionID, models.ContextPreferences, k, v); err != nil {
				return NewFacts(), err
			}
		}
	}

	m.log.Debug("Facts remembered",
		zap.String("session_id", sessionID),
		zap.Strings("safe_keys", sortedKeys(fresh.Safe)),
		zap.Strings("sensitive_keys", sortedKeys(fresh.Sensitive)),
	)
	return merged, nil
}

// Redact masks the session's known sensitive values and the generic
// sensitive patterns in text. Use it on anything bound for an external
// provider.
func (m *Manager) Redact(ctx context.Context, sessionID, text string) (string, error) {
	values, err := m.SensitiveValues(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return RedactPatterns(RedactValues(text, values)), nil
}

// SensitiveValues lists every sensitive value known for the session.
func (m *Manager) SensitiveValues(ctx context.Context, sessionID string) ([]string, error) {
	recs, err := m.store.ListContext(ctx, sessionID, models.ContextLearning)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Value)
	}
	return out, nil
}
