package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"deepresearch/internal/search"
	"deepresearch/internal/session"
	"deepresearch/internal/token"
)

// findingsPreviewTokens bounds how much of each prior summary the supervisor
// prompt carries; the compression stage still sees the full text.
const findingsPreviewTokens = 400

// plannerTask mirrors the JSON shape the supervisor prompt requests.
type plannerTask struct {
	ResearchQuestion string `json:"research_question"`
	Description      string `json:"description"`
}

// parseSubtasks decodes the supervisor's plan. The model is asked for a bare
// JSON array; chatty or fenced output is tolerated by extracting the
// outermost array, and near-JSON is run through jsonrepair before giving up.
func parseSubtasks(text string) ([]session.Subtask, error) {
	payload := extractArray(text)
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in supervisor output")
	}

	var raw []plannerTask
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("decoding supervisor plan: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return nil, fmt.Errorf("decoding repaired supervisor plan: %w", err)
		}
	}

	tasks := make([]session.Subtask, 0, len(raw))
	for _, t := range raw {
		q := strings.TrimSpace(t.ResearchQuestion)
		if q == "" {
			continue
		}
		tasks = append(tasks, session.Subtask{
			Question:    q,
			Description: strings.TrimSpace(t.Description),
		})
	}
	return tasks, nil
}

// extractArray returns the outermost [...] span of text, tolerating prose or
// code fences around it.
func extractArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// dedupeSubtasks drops questions already researched in this session and
// repeats within the batch itself, then caps the batch at limit.
func dedupeSubtasks(batch, prior []session.Subtask, limit int) []session.Subtask {
	seen := make(map[string]struct{}, len(prior)+len(batch))
	for _, t := range prior {
		seen[subtaskKey(t.Question)] = struct{}{}
	}
	out := make([]session.Subtask, 0, len(batch))
	for _, t := range batch {
		key := subtaskKey(t.Question)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func subtaskKey(question string) string {
	return strings.ToLower(strings.TrimSpace(question))
}

// formatFindings renders prior summaries for the supervisor prompt, trimmed
// per summary so late iterations do not blow the context window.
func formatFindings(summaries []session.Summary) string {
	if len(summaries) == 0 {
		return "(no findings yet)"
	}
	var b strings.Builder
	for i, s := range summaries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n%s", i+1, s.SubtaskRef, token.Truncate(s.Text, findingsPreviewTokens))
	}
	return b.String()
}

// formatSummaries renders the full summaries with their sources for the
// compression prompt.
func formatSummaries(summaries []session.Summary) string {
	var b strings.Builder
	for i, s := range summaries {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "Research Question: %s\nSummary: %s", s.SubtaskRef, s.Text)
		if len(s.Sources) > 0 {
			fmt.Fprintf(&b, "\nSources: %s", strings.Join(s.Sources, ", "))
		}
	}
	return b.String()
}

// formatSnippets renders search hits for the researcher prompt, truncating
// each snippet to the configured budget.
func formatSnippets(results []search.Result, truncation int) string {
	if len(results) == 0 {
		return "(no web search results available)"
	}
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Source: %s\nURL: %s\nContent: %s", res.Title, res.URL, truncateRunes(res.Snippet, truncation))
	}
	return b.String()
}

// truncateRunes caps s at n runes, marking the cut with an ellipsis.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
