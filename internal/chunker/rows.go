package chunker

import (
	"strings"

	"github.com/rag-agent/backend/internal/storage/models"
	"github.com/rag-agent/backend/pkg/utils"
)

// record is one CSV record. A quoted field may span several physical lines.
type record struct {
	text       string
	start, end int
}

// splitRecords splits on newlines outside double-quoted fields, so a record
// with an embedded line break stays whole. Doubled quotes toggle the state
// twice and need no special casing.
func splitRecords(runes []rune) []record {
	var records []record
	start := 0
	quoted := false
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) {
			switch runes[i] {
			case '"':
				quoted = !quoted
				continue
			case '\n':
				if quoted {
					continue
				}
			default:
				continue
			}
		}
		end := i
		if end > start && runes[end-1] == '\r' {
			end--
		}
		if strings.TrimSpace(string(runes[start:end])) != "" {
			records = append(records, record{text: string(runes[start:end]), start: start, end: end})
		}
		start = i + 1
	}
	return records
}

// rowChunks groups data rows, repeating the header as the first line of
// every chunk. start_row and end_row are 1-based data record numbers.
func (c *Chunker) rowChunks(runes []rune, sourceID string) []models.Chunk {
	records := splitRecords(runes)
	if len(records) == 0 {
		return nil
	}

	var header *record
	rows := records
	if !c.cfg.NoHeader {
		header = &records[0]
		rows = records[1:]
	}

	if len(rows) == 0 {
		return []models.Chunk{{
			ID:          utils.ContentID(sourceID, 0),
			SourceID:    sourceID,
			Ordinal:     0,
			Text:        header.text,
			StartOffset: header.start,
			EndOffset:   header.end,
			Metadata: map[string]string{
				"strategy":  string(StrategyRows),
				"header":    header.text,
				"start_row": "0",
				"end_row":   "0",
				"row_count": "0",
			},
		}}
	}

	step := c.cfg.RowsPerChunk - c.cfg.OverlapRows

	var chunks []models.Chunk
	for start := 0; start < len(rows); start += step {
		end := start + c.cfg.RowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}

		var sb strings.Builder
		meta := map[string]string{
			"strategy":  string(StrategyRows),
			"start_row": itoa(start + 1),
			"end_row":   itoa(end),
			"row_count": itoa(end - start),
		}
		if header != nil {
			sb.WriteString(header.text)
			sb.WriteByte('\n')
			meta["header"] = header.text
		}
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteByte('\n')
			}
			sb.WriteString(rows[i].text)
		}

		ordinal := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:          utils.ContentID(sourceID, ordinal),
			SourceID:    sourceID,
			Ordinal:     ordinal,
			Text:        sb.String(),
			StartOffset: rows[start].start,
			EndOffset:   rows[end-1].end,
			Metadata:    meta,
		})

		if end == len(rows) {
			break
		}
	}
	return chunks
}
