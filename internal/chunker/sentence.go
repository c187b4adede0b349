package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

// sentenceUnits locates prose's sentence boundaries in the original text.
// If segmentation fails the whole text becomes one unit and is windowed by
// the fixed strategy.
func sentenceUnits(text string, runes []rune) []span {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return []span{{0, len(runes)}}
	}

	var units []span
	byteCursor, runeCursor := 0, 0
	for _, sent := range doc.Sentences() {
		s := strings.TrimSpace(sent.Text)
		if s == "" {
			continue
		}
		idx := strings.Index(text[byteCursor:], s)
		if idx < 0 {
			continue
		}

		startRune := runeCursor + utf8.RuneCountInString(text[byteCursor:byteCursor+idx])
		endRune := startRune + utf8.RuneCountInString(s)
		units = append(units, span{startRune, endRune})

		byteCursor += idx + len(s)
		runeCursor = endRune
	}

	if len(units) == 0 {
		return []span{{0, len(runes)}}
	}
	return units
}
