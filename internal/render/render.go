// Package render formats run results for a terminal.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"docqa/internal/embedding/hashing"
	"docqa/internal/service"
)

// Styles holds the styles bound to one output renderer.
type Styles struct {
	Question  lipgloss.Style
	Answer    lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style
	Failure   lipgloss.Style
	Box       lipgloss.Style
}

// NewStyles creates styles for w. Colors are dropped when w is not a terminal.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Question:  r.NewStyle().Bold(true),
		Answer:    r.NewStyle(),
		Highlight: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		Muted:     r.NewStyle().Foreground(lipgloss.Color("8")),
		Failure:   r.NewStyle().Foreground(lipgloss.Color("9")),
		Box:       r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Answers writes one block per question. Traces are shown when present.
func Answers(w io.Writer, questions []string, resp *service.Response) error {
	st := NewStyles(w)
	var b strings.Builder
	for i, q := range questions {
		if i >= len(resp.Answers) {
			break
		}
		var block strings.Builder
		block.WriteString(st.Question.Render(fmt.Sprintf("Q%d. %s", i+1, q)))
		block.WriteString("\n")
		block.WriteString(HighlightBestSentence(st, resp.Answers[i], q))
		if i < len(resp.Traces) {
			block.WriteString("\n\n")
			block.WriteString(trace(st, resp.Traces[i]))
		}
		b.WriteString(st.Box.Render(block.String()))
		b.WriteString("\n")
	}
	for _, f := range resp.Failures {
		b.WriteString(st.Failure.Render(fmt.Sprintf("skipped %s (%s): %s", f.URL, f.Kind, f.Message)))
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func trace(st Styles, t service.Trace) string {
	lines := []string{st.Muted.Render(fmt.Sprintf("confidence %.2f  %s", t.Confidence, t.Reasoning))}
	for _, c := range t.SourceClauses {
		lines = append(lines, st.Muted.Render(fmt.Sprintf("  %s  score=%.3f  %s", c.ID, c.Score, formatMetadata(c.Metadata))))
	}
	return strings.Join(lines, "\n")
}

// formatMetadata prints keys in sorted order, skipping the source url.
func formatMetadata(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "source_url" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return strings.Join(parts, " ")
}

// HighlightBestSentence renders the sentence of text sharing the most terms
// with query in the highlight style.
func HighlightBestSentence(st Styles, text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := splitSentences(text)
	qTokens := tokenSet(query)
	if len(qTokens) == 0 || len(sentences) < 2 {
		return strings.Join(sentences, " ")
	}
	bestIdx, bestScore := 0, 0
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestScore == 0 {
		return strings.Join(sentences, " ")
	}
	out := make([]string, len(sentences))
	for i, s := range sentences {
		if i == bestIdx {
			out[i] = st.Highlight.Render(s)
		} else {
			out[i] = s
		}
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			next := i + 1
			if next < len(text) && text[next] != ' ' && text[next] != '\n' {
				continue
			}
			if s := strings.TrimSpace(text[start:next]); s != "" {
				out = append(out, s)
			}
			start = next
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	tokens := hashing.Tokens(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	for t := range tokenSet(sentence) {
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
