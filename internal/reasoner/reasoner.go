// Package reasoner answers questions from retrieved passages, either with a
// chat-completion model or with a deterministic lexical heuristic.
package reasoner

import (
	"os"

	"github.com/charmbracelet/log"

	"docqa/internal/config"
	"docqa/internal/domain"
)

// NotStated is the answer given when the context does not support one.
const NotStated = "Not explicitly stated."

// New selects the reasoner for cfg. The chat reasoner needs its API key in
// the environment; without it the heuristic reasoner is used.
func New(cfg config.ReasonerConfig, logger *log.Logger) domain.Reasoner {
	if cfg.Type == config.ReasonerOpenAI && cfg.OpenAI != nil {
		if key := os.Getenv(cfg.OpenAI.APIKeyEnv); key != "" {
			return NewOpenAI(*cfg.OpenAI, key, logger)
		}
		logger.Info("chat reasoner has no API key, using heuristic reasoner", "env", cfg.OpenAI.APIKeyEnv)
	}
	return NewHeuristic()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func passageIDs(passages []domain.Passage, n int) []string {
	if n > len(passages) {
		n = len(passages)
	}
	ids := make([]string, 0, n)
	for _, p := range passages[:n] {
		ids = append(ids, p.ID)
	}
	return ids
}
