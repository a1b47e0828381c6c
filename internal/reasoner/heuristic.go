package reasoner

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"docqa/internal/domain"
	"docqa/internal/embedding/hashing"
)

const heuristicConfidence = 0.4

var sentenceRe = regexp.MustCompile(`[^.!?]+(?:[.!?]+|$)`)

// Heuristic answers with the context sentence sharing the most terms with the question.
type Heuristic struct{}

// NewHeuristic creates the lexical reasoner.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Name returns the identifier of this reasoner.
func (h *Heuristic) Name() string { return "heuristic" }

// Reason scores every sentence of every passage by Ochiai overlap with the
// question's terms and answers with the best one. Confidence is fixed.
func (h *Heuristic) Reason(_ context.Context, question string, passages []domain.Passage) (domain.Reasoning, error) {
	qset := toTokenSet(question)
	best, bestScore := "", 0.0
	for _, p := range passages {
		for _, sent := range splitSentences(p.Text) {
			if score := overlapOchiai(qset, sent); score > bestScore {
				best, bestScore = sent, score
			}
		}
	}

	out := domain.Reasoning{
		Answer:     NotStated,
		Reasoning:  "No context sentence shares terms with the question.",
		Confidence: heuristicConfidence,
		Citations:  passageIDs(passages, 2),
	}
	if bestScore > 0 {
		out.Answer = best
		out.Reasoning = fmt.Sprintf("Selected the context sentence with the highest term overlap (%.2f); no language model configured.", bestScore)
	}
	return out, nil
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toTokenSet(s string) map[string]struct{} {
	tokens := hashing.Tokens(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

// overlapOchiai returns |A∩B| / sqrt(|A||B|) over distinct terms.
func overlapOchiai(qset map[string]struct{}, text string) float64 {
	seen := toTokenSet(text)
	if len(qset) == 0 || len(seen) == 0 {
		return 0
	}
	inter := 0
	for t := range seen {
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	return float64(inter) / math.Sqrt(float64(len(qset))*float64(len(seen)))
}
