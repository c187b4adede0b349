package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rag-agent/backend/internal/router"
	"github.com/rag-agent/backend/internal/storage/models"
)

const (
	insufficientContextMessage = "I could not find any information in the loaded documents that answers this question. " +
		"Try rephrasing it, or load the dataset or document that covers the topic."

	clarificationMessage = "I am not sure what you are asking for. Could you rephrase the question, " +
		"or say whether you want to analyse a loaded dataset or search the documents?"
)

func datasetMessage(dataset string) string {
	if dataset == "" {
		return "No dataset is loaded for this conversation yet. Upload a CSV or document to get started."
	}
	return fmt.Sprintf("The current dataset for this conversation is %q. Ask a question about it, or load another source to switch.", dataset)
}

const baseSystemPrompt = "You are a data analysis assistant. Answer in the language of the question. " +
	"Be precise and concise, and say so plainly when you do not know."

func systemPrompt(route router.Route) string {
	switch route {
	case router.RouteCSVAnalysis:
		return baseSystemPrompt + " You analyse tabular data. Base every figure you give on the context excerpts, " +
			"and do not invent columns or values that are not shown."
	case router.RouteRAGSearch:
		return baseSystemPrompt + " Answer only from the context excerpts. Cite the excerpt numbers you used, like [1]. " +
			"If the excerpts do not contain the answer, say that no matching information was found."
	case router.RouteLLMAnalysis:
		return baseSystemPrompt + " Give a structured, step-by-step analysis with explicit reasoning."
	default:
		return baseSystemPrompt
	}
}

// buildPrompt assembles the user prompt. Only safe facts are included, and
// recalled turns are redacted of the session's sensitive values.
func buildPrompt(query string, state *turnState, chunks []models.SearchResult) string {
	var sb strings.Builder

	if len(state.safe) > 0 {
		sb.WriteString("Known about the user:\n")
		keys := make([]string, 0, len(state.safe))
		for k := range state.safe {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, state.safe[k])
		}
		sb.WriteString("\n")
	}

	if len(state.related) > 0 {
		sb.WriteString("Related earlier messages:\n")
		writeTurns(&sb, state.related, state.sensitive)
		sb.WriteString("\n")
	}

	if len(state.recent) > 0 {
		sb.WriteString("Conversation so far:\n")
		writeTurns(&sb, state.recent, state.sensitive)
		sb.WriteString("\n")
	}

	if len(chunks) > 0 {
		sb.WriteString("Context excerpts:\n")
		for i, c := range chunks {
			fmt.Fprintf(&sb, "[%d] source %s, part %d, similarity %.2f\n%s\n\n", i+1, c.SourceID, c.Ordinal, c.Similarity, strings.TrimSpace(c.Text))
		}
	}

	sb.WriteString("Question: ")
	sb.WriteString(query)
	return sb.String()
}

func writeTurns(sb *strings.Builder, turns []models.ConversationTurn, sensitive []string) {
	for _, t := range turns {
		fmt.Fprintf(sb, "%s: %s\n", t.Role, redact(strings.TrimSpace(t.Content), sensitive))
	}
}
