// Package chunker splits source text into overlapping, bounded segments.
//
// All offsets and sizes are measured in runes, so multi-byte text is never
// cut inside a character. Every strategy is a pure function of its input and
// the Chunker's configuration.
package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/utils"
)

type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategyRows      Strategy = "rows"
	StrategySentence  Strategy = "sentence"
	StrategyParagraph Strategy = "paragraph"
)

const (
	DefaultChunkSize    = 512
	DefaultOverlap      = 50
	DefaultMinChunkSize = 50
	DefaultRowsPerChunk = 20
	DefaultOverlapRows  = 4
)

type Config struct {
	ChunkSize    int
	Overlap      int
	MinChunkSize int
	RowsPerChunk int
	OverlapRows  int
	// NoHeader turns off header re-emission for the row strategy.
	NoHeader bool
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		Overlap:      DefaultOverlap,
		MinChunkSize: DefaultMinChunkSize,
		RowsPerChunk: DefaultRowsPerChunk,
		OverlapRows:  DefaultOverlapRows,
	}
}

type Chunker struct {
	cfg Config
}

// New validates cfg. Row overlap is clamped to RowsPerChunk-1; character
// overlap is not clamped, an overlap that reaches the chunk size is rejected.
func New(cfg Config) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, apperr.Config("chunk_size", "must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		return nil, apperr.Config("overlap_size", "must be in [0, chunk_size=%d), got %d", cfg.ChunkSize, cfg.Overlap)
	}
	if cfg.MinChunkSize < 0 {
		return nil, apperr.Config("min_chunk_size", "must not be negative, got %d", cfg.MinChunkSize)
	}
	if cfg.RowsPerChunk <= 0 {
		cfg.RowsPerChunk = DefaultRowsPerChunk
	}
	if cfg.OverlapRows < 0 {
		cfg.OverlapRows = 0
	}
	if cfg.OverlapRows >= cfg.RowsPerChunk {
		cfg.OverlapRows = cfg.RowsPerChunk - 1
	}
	return &Chunker{cfg: cfg}, nil
}

func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk splits text from one source. Empty input yields no chunks and no
// error.
func (c *Chunker) Chunk(text, sourceID string, strategy Strategy) ([]models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)

	var spans []span
	switch strategy {
	case StrategyFixed, "":
		spans = c.fixedSpans(runes, 0, len(runes))
		strategy = StrategyFixed
	case StrategySentence:
		spans = c.pack(runes, sentenceUnits(text, runes))
	case StrategyParagraph:
		spans = c.pack(runes, paragraphUnits(runes))
	case StrategyRows:
		return c.rowChunks(runes, sourceID), nil
	default:
		return nil, apperr.Config("strategy", "unknown chunking strategy %q", strategy)
	}

	spans = c.foldTail(spans)

	chunks := make([]models.Chunk, 0, len(spans))
	for i, sp := range spans {
		chunks = append(chunks, models.Chunk{
			ID:          utils.ContentID(sourceID, i),
			SourceID:    sourceID,
			Ordinal:     i,
			Text:        string(runes[sp.start:sp.end]),
			StartOffset: sp.start,
			EndOffset:   sp.end,
			Metadata: map[string]string{
				"strategy": string(strategy),
			},
		})
	}
	return chunks, nil
}

type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// fixedSpans slides a chunk_size window over runes[from:to]. A window that
// would end mid-word is pulled back to the last whitespace, provided it keeps
// more than half its size and stays longer than the overlap.
func (c *Chunker) fixedSpans(runes []rune, from, to int) []span {
	size, overlap := c.cfg.ChunkSize, c.cfg.Overlap

	var spans []span
	start := from
	for start < to {
		end := start + size
		if end > to {
			end = to
		}
		if end < to {
			if cut := lastSpace(runes[start:end]); cut > size/2 && cut > overlap {
				end = start + cut
			}
		}

		spans = append(spans, span{start, end})
		if end == to {
			break
		}
		start = end - overlap
	}
	return spans
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i > 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i + 1
		}
	}
	return -1
}

// foldTail merges a final span shorter than min_chunk_size into its
// predecessor. A lone short span is kept.
func (c *Chunker) foldTail(spans []span) []span {
	if len(spans) < 2 || c.cfg.MinChunkSize == 0 {
		return spans
	}
	last := spans[len(spans)-1]
	if last.len() >= c.cfg.MinChunkSize {
		return spans
	}
	spans = spans[:len(spans)-1]
	if last.end > spans[len(spans)-1].end {
		spans[len(spans)-1].end = last.end
	}
	return spans
}

// pack groups consecutive units into spans of at most chunk_size runes.
// Each new span repeats trailing units of the previous one worth at most
// overlap runes. Units longer than chunk_size are split with the fixed
// window first.
func (c *Chunker) pack(runes []rune, units []span) []span {
	var flat []span
	for _, u := range units {
		if u.len() > c.cfg.ChunkSize {
			flat = append(flat, c.fixedSpans(runes, u.start, u.end)...)
			continue
		}
		flat = append(flat, u)
	}
	if len(flat) == 0 {
		return nil
	}

	var out []span
	first := 0
	for first < len(flat) {
		last := first
		for last+1 < len(flat) && flat[last+1].end-flat[first].start <= c.cfg.ChunkSize {
			last++
		}
		out = append(out, span{flat[first].start, flat[last].end})
		if last == len(flat)-1 {
			break
		}

		next := last + 1
		for next-1 > first && flat[last].end-flat[next-1].start <= c.cfg.Overlap {
			next--
		}
		first = next
	}
	return out
}

func paragraphUnits(runes []rune) []span {
	var units []span
	start := -1
	newlines := 0
	lastText := -1

	for i, r := range runes {
		switch {
		case r == '\n':
			newlines++
		case unicode.IsSpace(r):
		default:
			if start >= 0 && newlines >= 2 {
				units = append(units, span{start, lastText + 1})
				start = -1
			}
			if start < 0 {
				start = i
			}
			newlines = 0
			lastText = i
		}
	}
	if start >= 0 {
		units = append(units, span{start, lastText + 1})
	}
	return units
}

// Stats summarises a chunk list for logging and ingest reports.
type Stats struct {
	Count      int     `json:"count"`
	TotalChars int     `json:"total_chars"`
	AvgChars   float64 `json:"avg_chars"`
	MinChars   int     `json:"min_chars"`
	MaxChars   int     `json:"max_chars"`
}

func ComputeStats(chunks []models.Chunk) Stats {
	var s Stats
	for i, ch := range chunks {
		n := len([]rune(ch.Text))
		s.TotalChars += n
		if i == 0 || n < s.MinChars {
			s.MinChars = n
		}
		if n > s.MaxChars {
			s.MaxChars = n
		}
	}
	s.Count = len(chunks)
	if s.Count > 0 {
		s.AvgChars = float64(s.TotalChars) / float64(s.Count)
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("chunks=%d avg=%.1f min=%d max=%d", s.Count, s.AvgChars, s.MinChars, s.MaxChars)
}

func itoa(i int) string { return strconv.Itoa(i) }
