package models

import "time"

// Source is a registered input document. Its raw content is not persisted,
// only the bookkeeping needed to trace chunks back to it.
type Source struct {
	ID         string
	SourceType string
	// Title is the page title for HTML sources, empty otherwise.
	Title      string
	ChunkCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is a bounded, contiguous segment of one source. Chunks of the same
// source are totally ordered by Ordinal.
type Chunk struct {
	ID          string
	SourceID    string
	Ordinal     int
	Text        string
	StartOffset int
	EndOffset   int
	Metadata    map[string]string
}

type Embedding struct {
	ID        string
	ChunkID   string
	Vector    []float32
	Provider  string
	ModelName string
	CreatedAt time.Time
}

// VectorRecord is what a vector backend persists: the embedding plus the
// denormalized chunk fields needed to answer a search without a join.
type VectorRecord struct {
	ID        string
	ChunkID   string
	SourceID  string
	Ordinal   int
	Vector    []float32
	Text      string
	Metadata  map[string]string
	Provider  string
	ModelName string
	CreatedAt time.Time
}

type SearchResult struct {
	ID         string
	ChunkID    string
	SourceID   string
	Ordinal    int
	Text       string
	Metadata   map[string]string
	Similarity float64
}

type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ConversationTurn struct {
	ID        string
	SessionID string
	Seq       int64
	Role      Role
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

type ContextType string

const (
	ContextPreferences ContextType = "preferences"
	ContextLearning    ContextType = "learning"
	ContextData        ContextType = "data"
	ContextAnalysis    ContextType = "analysis"
)

// Higher value means higher priority.
const (
	PriorityData      = 3
	PrioritySafe      = 5
	PrioritySensitive = 10
)

type ContextRecord struct {
	SessionID   string
	ContextType ContextType
	Key         string
	Value       string
	Priority    int
	UpdatedAt   time.Time
}

type QueryRecord struct {
	ID           string
	SessionID    string
	QueryText    string
	Response     string
	Route        string
	Method       string
	Confidence   float64
	Provider     string
	Model        string
	ChunksUsed   int
	Insufficient bool
	LatencyMS    int
	CreatedAt    time.Time
}

type QuerySource struct {
	ID         int
	QueryID    string
	ChunkID    string
	SourceID   string
	Similarity float64
}
