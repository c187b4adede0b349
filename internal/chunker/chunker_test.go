package chunker

import (
	"encoding/csv"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/apperr"
)

func newChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func texts(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out
}

func assertCoverage(t *testing.T, text string, chunks []models.Chunk) {
	t.Helper()
	runes := []rune(text)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(runes), chunks[len(chunks)-1].EndOffset)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, string(runes[ch.StartOffset:ch.EndOffset]), ch.Text)
		if i > 0 {
			assert.LessOrEqual(t, ch.StartOffset, chunks[i-1].EndOffset, "gap before chunk %d", i)
			assert.Greater(t, ch.StartOffset, chunks[i-1].StartOffset)
		}
	}
}

func TestFixedWindowExample(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 4, Overlap: 2, MinChunkSize: 1})

	chunks, err := c.Chunk("ABCDEFGHIJ", "doc", StrategyFixed)
	require.NoError(t, err)

	assert.Equal(t, []string{"ABCD", "CDEF", "EFGH", "GHIJ"}, texts(chunks))
	assertCoverage(t, "ABCDEFGHIJ", chunks)
	assert.Equal(t, "doc", chunks[0].SourceID)
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
}

func TestEmptyInput(t *testing.T) {
	c := newChunker(t, DefaultConfig())

	for _, s := range []Strategy{StrategyFixed, StrategyRows, StrategySentence, StrategyParagraph} {
		chunks, err := c.Chunk("", "doc", s)
		require.NoError(t, err)
		assert.Empty(t, chunks, string(s))
	}
}

func TestInvalidSizing(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"overlap equals size", Config{ChunkSize: 10, Overlap: 10}},
		{"overlap exceeds size", Config{ChunkSize: 10, Overlap: 11}},
		{"zero size", Config{ChunkSize: 0}},
		{"negative overlap", Config{ChunkSize: 10, Overlap: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.True(t, apperr.IsConfiguration(err))
		})
	}
}

func TestUnknownStrategy(t *testing.T) {
	c := newChunker(t, DefaultConfig())
	_, err := c.Chunk("hello", "doc", Strategy("bogus"))
	assert.True(t, apperr.IsConfiguration(err))
}

func TestShortTailFoldsIntoPrevious(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 10, Overlap: 2, MinChunkSize: 5})
	text := "0123456789abcd"

	chunks, err := c.Chunk(text, "doc", StrategyFixed)
	require.NoError(t, err)

	// Window two would be "89abcd" (6 runes) so nothing folds here.
	assert.Equal(t, []string{"0123456789", "89abcd"}, texts(chunks))

	chunks, err = c.Chunk("0123456789ab", "doc", StrategyFixed)
	require.NoError(t, err)
	assert.Equal(t, []string{"0123456789ab"}, texts(chunks))
	assertCoverage(t, "0123456789ab", chunks)
}

func TestOnlyChunkKeptEvenIfShort(t *testing.T) {
	c := newChunker(t, DefaultConfig())
	chunks, err := c.Chunk("tiny", "doc", StrategyFixed)
	require.NoError(t, err)
	assert.Equal(t, []string{"tiny"}, texts(chunks))
}

func TestFixedPrefersWordBoundary(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 12, Overlap: 3, MinChunkSize: 1})
	text := "alpha beta gamma delta epsilon"

	chunks, err := c.Chunk(text, "doc", StrategyFixed)
	require.NoError(t, err)
	assertCoverage(t, text, chunks)
	assert.Equal(t, "alpha beta ", chunks[0].Text)
}

func TestCoverageProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abcdeé ção\n.")

	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(400)
		var sb strings.Builder
		sb.WriteRune('x')
		for j := 1; j < n; j++ {
			sb.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		text := sb.String()

		size := 5 + rng.Intn(60)
		overlap := rng.Intn(size)
		c := newChunker(t, Config{ChunkSize: size, Overlap: overlap, MinChunkSize: rng.Intn(10)})

		chunks, err := c.Chunk(text, "doc", StrategyFixed)
		require.NoError(t, err)
		assertCoverage(t, text, chunks)
	}
}

func TestRowsRepeatHeader(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 100, Overlap: 0, RowsPerChunk: 3, OverlapRows: 1})
	csv := "id,name\n1,a\n2,b\n3,c\n4,d\n5,e\n"

	chunks, err := c.Chunk(csv, "sheet", StrategyRows)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "id,name\n1,a\n2,b\n3,c", chunks[0].Text)
	assert.Equal(t, "1", chunks[0].Metadata["start_row"])
	assert.Equal(t, "3", chunks[0].Metadata["end_row"])

	assert.Equal(t, "id,name\n3,c\n4,d\n5,e", chunks[1].Text)
	assert.Equal(t, "3", chunks[1].Metadata["start_row"])
	assert.Equal(t, "5", chunks[1].Metadata["end_row"])

	for _, ch := range chunks {
		assert.True(t, strings.HasPrefix(ch.Text, "id,name\n"))
		assert.Equal(t, "id,name", ch.Metadata["header"])
	}
}

func TestRowOverlapIsClamped(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 100, RowsPerChunk: 2, OverlapRows: 5})
	assert.Equal(t, 1, c.Config().OverlapRows)

	chunks, err := c.Chunk("h\r\nr1\r\nr2\r\nr3\r\n", "s", StrategyRows)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "h\nr1\nr2", chunks[0].Text)
	assert.Equal(t, "h\nr2\nr3", chunks[1].Text)
}

func TestRowsKeepQuotedLineBreaks(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 100, RowsPerChunk: 2})
	text := "id,note\n1,plain\n2,\"first line\nsecond line\"\n3,plain\n"

	chunks, err := c.Chunk(text, "sheet", StrategyRows)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "id,note\n1,plain\n2,\"first line\nsecond line\"", chunks[0].Text)
	assert.Equal(t, "1", chunks[0].Metadata["start_row"])
	assert.Equal(t, "2", chunks[0].Metadata["end_row"])
	assert.Equal(t, "id,note\n3,plain", chunks[1].Text)
	assert.Equal(t, "3", chunks[1].Metadata["start_row"])
	assert.Equal(t, "3", chunks[1].Metadata["end_row"])

	for _, ch := range chunks {
		records, err := csv.NewReader(strings.NewReader(ch.Text)).ReadAll()
		require.NoError(t, err, "chunk %d", ch.Ordinal)
		assert.Equal(t, []string{"id", "note"}, records[0])
	}
}

func TestRowsHeaderOnly(t *testing.T) {
	c := newChunker(t, DefaultConfig())
	chunks, err := c.Chunk("a,b,c\n", "s", StrategyRows)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "0", chunks[0].Metadata["row_count"])
}

func TestParagraphPacking(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 30, Overlap: 0, MinChunkSize: 1})
	text := "First paragraph here.\n\nSecond one.\n\nThird paragraph is longer."

	chunks, err := c.Chunk(text, "doc", StrategyParagraph)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 30)
		assert.Contains(t, text, ch.Text)
	}
	assert.True(t, strings.HasPrefix(chunks[0].Text, "First paragraph"))
	assert.True(t, strings.HasSuffix(chunks[len(chunks)-1].Text, "longer."))
}

func TestSentencePacking(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 60, Overlap: 20, MinChunkSize: 1})
	text := "The invoice was issued in March. It lists twelve items. " +
		"The total amount is high. Payment is due next week. Contact the supplier for details."

	chunks, err := c.Chunk(text, "doc", StrategySentence)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 60)
		assert.Contains(t, text, ch.Text)
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, "sentence", ch.Metadata["strategy"])
	}
}

func TestDeterministic(t *testing.T) {
	c := newChunker(t, Config{ChunkSize: 16, Overlap: 4, MinChunkSize: 3})
	text := "the same input always yields the same chunks and ids"

	a, err := c.Chunk(text, "doc", StrategyFixed)
	require.NoError(t, err)
	b, err := c.Chunk(text, "doc", StrategyFixed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats([]models.Chunk{{Text: "ab"}, {Text: "abcd"}})
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 2, s.MinChars)
	assert.Equal(t, 4, s.MaxChars)
	assert.InDelta(t, 3.0, s.AvgChars, 1e-9)
	assert.Equal(t, Stats{}, ComputeStats(nil))
}
