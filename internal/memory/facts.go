package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/llm"
	"github.com/rag-agent/backend/pkg/logger"
)

type Sensitivity string

const (
	Safe      Sensitivity = "safe"
	Sensitive Sensitivity = "sensitive"
)

// Facts holds extracted key/value facts split by sensitivity. A key is never
// present in both maps.
type Facts struct {
	Safe      map[string]string `json:"safe"`
	Sensitive map[string]string `json:"sensitive"`
}

func NewFacts() Facts {
	return Facts{Safe: map[string]string{}, Sensitive: map[string]string{}}
}

func (f Facts) Empty() bool {
	return len(f.Safe) == 0 && len(f.Sensitive) == 0
}

// Set files key under the given sensitivity and removes it from the other
// bucket.
func (f Facts) Set(key, value string, s Sensitivity) {
	if s == Sensitive {
		delete(f.Safe, key)
		f.Sensitive[key] = value
		return
	}
	delete(f.Sensitive, key)
	f.Safe[key] = value
}

// Keys whose sensitivity is fixed no matter what an extractor claims.
var (
	sensitiveKeys = map[string]bool{
		"cpf": true, "cnpj": true, "email": true, "phone": true,
		"birth_date": true, "address": true, "rg": true,
	}
	safeKeys = map[string]bool{
		"name": true, "preference": true, "language": true,
		"date": true, "cfop": true, "ncm": true,
	}
)

// ClassifyKey returns the fixed sensitivity of a key, or ok=false when the
// key is not known.
func ClassifyKey(key string) (Sensitivity, bool) {
	switch {
	case sensitiveKeys[key]:
		return Sensitive, true
	case safeKeys[key]:
		return Safe, true
	}
	return "", false
}

type Extractor interface {
	Extract(ctx context.Context, text string) (Facts, error)
}

type pattern struct {
	key         string
	re          *regexp.Regexp
	sensitivity Sensitivity
	// group selects the submatch holding the value; 0 is the whole match.
	group int
}

// Sensitive patterns run first and blank out what they matched, so a CNPJ
// is never re-read as a phone number.
var sensitivePatterns = []pattern{
	{key: "email", re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), sensitivity: Sensitive},
	{key: "cnpj", re: regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`), sensitivity: Sensitive},
	{key: "cpf", re: regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`), sensitivity: Sensitive},
	{key: "birth_date", re: regexp.MustCompile(`(?i:nasci em|data de nascimento:?|born on|date of birth:?)\s+(\d{2}/\d{2}/\d{4}|\d{4}-\d{2}-\d{2})`), sensitivity: Sensitive, group: 1},
	{key: "phone", re: regexp.MustCompile(`(?:\+?55\s?)?\(?\b\d{2}\)?\s?9?\d{4}-?\d{4}\b`), sensitivity: Sensitive},
}

var safePatterns = []pattern{
	{key: "name", re: regexp.MustCompile(`(?i:meu nome é|meu nome e|me chamo|my name is|call me)\s+(\p{Lu}\p{L}+(?:\s+\p{Lu}\p{L}+){0,3})`), sensitivity: Safe, group: 1},
	{key: "language", re: regexp.MustCompile(`(?i:responda em|respond in|answer in|reply in)\s+(\p{L}+)`), sensitivity: Safe, group: 1},
	{key: "preference", re: regexp.MustCompile(`(?i:eu prefiro|prefiro|i prefer|gosto de|i like)\s+([^.,;!?\n]{2,60})`), sensitivity: Safe, group: 1},
	{key: "cfop", re: regexp.MustCompile(`(?i:cfop)\s*:?\s*(\d\.?\d{3})\b`), sensitivity: Safe, group: 1},
	{key: "ncm", re: regexp.MustCompile(`(?i:ncm)\s*:?\s*(\d{4}\.?\d{2}\.?\d{2})\b`), sensitivity: Safe, group: 1},
	{key: "date", re: regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4}|\d{4}-\d{2}-\d{2})\b`), sensitivity: Safe, group: 1},
}

// PatternExtractor is the deterministic extractor. With UseNER it also asks
// prose for PERSON entities when no explicit name statement was found.
type PatternExtractor struct {
	UseNER bool
}

func (p *PatternExtractor) Extract(_ context.Context, text string) (Facts, error) {
	facts := NewFacts()
	rest := text

	for _, pt := range sensitivePatterns {
		m := pt.re.FindStringSubmatchIndex(rest)
		if m == nil {
			continue
		}
		start, end := m[2*pt.group], m[2*pt.group+1]
		facts.Set(pt.key, strings.TrimSpace(rest[start:end]), pt.sensitivity)
		for _, loc := range pt.re.FindAllStringIndex(rest, -1) {
			rest = blank(rest, loc[0], loc[1])
		}
	}

	for _, pt := range safePatterns {
		m := pt.re.FindStringSubmatch(rest)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[pt.group])
		if value == "" {
			continue
		}
		facts.Set(pt.key, value, pt.sensitivity)
	}

	if _, ok := facts.Safe["name"]; !ok && p.UseNER {
		if name := personEntity(rest); name != "" {
			facts.Set("name", name, Safe)
		}
	}

	return facts, nil
}

func blank(s string, start, end int) string {
	return s[:start] + strings.Repeat(" ", end-start) + s[end:]
}

func personEntity(text string) string {
	doc, err := prose.NewDocument(text, prose.WithTagging(true), prose.WithSegmentation(false), prose.WithExtraction(true))
	if err != nil {
		return ""
	}
	for _, ent := range doc.Entities() {
		if ent.Label == "PERSON" {
			return ent.Text
		}
	}
	return ""
}

// RedactPatterns replaces every sensitive pattern match with a marker.
func RedactPatterns(text string) string {
	for _, pt := range sensitivePatterns {
		text = pt.re.ReplaceAllString(text, redactedMarker)
	}
	return text
}

const redactedMarker = "[redacted]"

// RedactValues replaces known sensitive values with a marker. Longer values
// go first so a value containing another is not left half-redacted.
func RedactValues(text string, values []string) string {
	sorted := append([]string(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, v := range sorted {
		if strings.TrimSpace(v) == "" {
			continue
		}
		text = strings.ReplaceAll(text, v, redactedMarker)
	}
	return text
}

// LLMExtractor asks a generative model for facts and a sensitivity label per
// key. Its input is redacted first, so it never sees what the patterns
// already recognise as sensitive.
type LLMExtractor struct {
	chat interface {
		Chat(ctx context.Context, req llm.ChatRequest) llm.ChatResult
	}
}

func NewLLMExtractor(chat interface {
	Chat(ctx context.Context, req llm.ChatRequest) llm.ChatResult
}) *LLMExtractor {
	return &LLMExtractor{chat: chat}
}

const extractionPrompt = `Extract durable facts the user states about themselves or their work.
Return JSON only: {"facts":[{"key":"snake_case_key","value":"...","sensitivity":"safe|sensitive"}]}
Mark personal identifiers, contact data, addresses, financial or health data as sensitive.
Ignore text shown as [redacted]. Return {"facts":[]} when there is nothing.`

func (e *LLMExtractor) Extract(ctx context.Context, text string) (Facts, error) {
	res := e.chat.Chat(ctx, llm.ChatRequest{
		Prompt:       RedactPatterns(text),
		SystemPrompt: extractionPrompt,
		Temperature:  0.01,
		MaxTokens:    300,
	})
	if !res.Success {
		return NewFacts(), res.Err
	}
	return parseLLMFacts(res.Content)
}

func parseLLMFacts(content string) (Facts, error) {
	facts := NewFacts()
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return facts, fmt.Errorf("no JSON object in extraction output")
	}

	var payload struct {
		Facts []struct {
			Key         string `json:"key"`
			Value       string `json:"value"`
			Sensitivity string `json:"sensitivity"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return facts, fmt.Errorf("failed to parse extraction output: %w", err)
	}

	for _, f := range payload.Facts {
		key := strings.ToLower(strings.TrimSpace(f.Key))
		value := strings.TrimSpace(f.Value)
		if key == "" || value == "" || strings.Contains(value, redactedMarker) {
			continue
		}
		s := Safe
		if strings.EqualFold(f.Sensitivity, string(Sensitive)) {
			s = Sensitive
		}
		facts.Set(key, value, s)
	}
	return facts, nil
}

// Union combines the deterministic and model-assisted extractions. Pattern
// values win on conflicts. Known keys keep their fixed sensitivity; for other
// keys a sensitive label from either side wins.
func Union(deterministic, assisted Facts) Facts {
	out := NewFacts()

	place := func(key, value string, claimed Sensitivity) {
		if s, ok := ClassifyKey(key); ok {
			out.Set(key, value, s)
			return
		}
		if _, already := out.Sensitive[key]; already {
			claimed = Sensitive
		}
		out.Set(key, value, claimed)
	}

	for _, k := range sortedKeys(assisted.Safe) {
		place(k, assisted.Safe[k], Safe)
	}
	for _, k := range sortedKeys(assisted.Sensitive) {
		place(k, assisted.Sensitive[k], Sensitive)
	}
	for _, k := range sortedKeys(deterministic.Safe) {
		claimed := Safe
		if _, ok := assisted.Sensitive[k]; ok {
			claimed = Sensitive
		}
		place(k, deterministic.Safe[k], claimed)
	}
	for _, k := range sortedKeys(deterministic.Sensitive) {
		place(k, deterministic.Sensitive[k], Sensitive)
	}
	return out
}

// MergeFacts applies fresh facts on top of known ones. Non-empty values
// overwrite; empty values never erase a known value. A key that is now
// sensitive leaves the safe bucket.
func MergeFacts(known, fresh Facts) Facts {
	out := NewFacts()
	for k, v := range known.Safe {
		out.Safe[k] = v
	}
	for k, v := range known.Sensitive {
		out.Sensitive[k] = v
	}

	for _, k := range sortedKeys(fresh.Safe) {
		if v := fresh.Safe[k]; strings.TrimSpace(v) != "" {
			if _, wasSensitive := out.Sensitive[k]; wasSensitive {
				// A key never moves from sensitive back to safe.
				out.Sensitive[k] = v
				continue
			}
			out.Safe[k] = v
		}
	}
	for _, k := range sortedKeys(fresh.Sensitive) {
		if v := fresh.Sensitive[k]; strings.TrimSpace(v) != "" {
			out.Set(k, v, Sensitive)
		} else if old, ok := out.Safe[k]; ok {
			out.Set(k, old, Sensitive)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CombinedExtractor runs the pattern extractor and, when set, the
// model-assisted one, and unions the results.
type CombinedExtractor struct {
	Patterns *PatternExtractor
	Assisted Extractor
}

func (c *CombinedExtractor) Extract(ctx context.Context, text string) (Facts, error) {
	det, err := c.Patterns.Extract(ctx, text)
	if err != nil {
		return NewFacts(), err
	}
	if c.Assisted == nil {
		return det, nil
	}

	assisted, err := c.Assisted.Extract(ctx, text)
	if err != nil {
		logger.Warn("Assisted fact extraction failed, using patterns only", zap.Error(err))
		return det, nil
	}
	return Union(det, assisted), nil
}
