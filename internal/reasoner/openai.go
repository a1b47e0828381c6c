package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"docqa/internal/config"
	"docqa/internal/domain"
)

const (
	systemPrompt = "You reason carefully and cite sources by chunk id."

	freeTextConfidence = 0.5
	errorConfidence    = 0.3
	defaultConfidence  = 0.6
)

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// ChatClient is the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI asks a chat-completion model for a strict-JSON grounded answer.
type OpenAI struct {
	client      ChatClient
	model       string
	temperature float32
	timeout     time.Duration
	logger      *log.Logger
}

// NewOpenAI creates a chat reasoner using apiKey.
func NewOpenAI(cfg config.OpenAIReasonerConfig, apiKey string, logger *log.Logger) *OpenAI {
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}
	return NewOpenAIWithClient(cfg, openai.NewClientWithConfig(oc), logger)
}

// NewOpenAIWithClient creates a chat reasoner around an existing client.
func NewOpenAIWithClient(cfg config.OpenAIReasonerConfig, client ChatClient, logger *log.Logger) *OpenAI {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		timeout:     timeout,
		logger:      logger.With("component", "reasoner.openai"),
	}
}

// Name returns the identifier of this reasoner.
func (o *OpenAI) Name() string { return "openai:" + o.model }

// Reason never fails: API errors become a low-confidence "not stated" answer.
func (o *OpenAI) Reason(ctx context.Context, question string, passages []domain.Passage) (domain.Reasoning, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(question, passages)},
		},
	})
	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("no completion choices returned")
	}
	if err != nil {
		o.logger.Warn("chat completion failed", "err", err)
		return domain.Reasoning{
			Answer:     NotStated,
			Reasoning:  fmt.Sprintf("LLM error: %v", err),
			Confidence: errorConfidence,
			Citations:  passageIDs(passages, 1),
		}, nil
	}
	return ParseReply(resp.Choices[0].Message.Content), nil
}

// BuildPrompt renders the question and passages into the user prompt.
func BuildPrompt(question string, passages []domain.Passage) string {
	blocks := make([]string, len(passages))
	for i, p := range passages {
		blocks[i] = fmt.Sprintf("[Chunk %s | score=%.2f]\n%s", p.ID, p.Score, p.Text)
	}
	return strings.TrimSpace(fmt.Sprintf(`
You are a domain expert (insurance/legal/HR/compliance). Answer the QUESTION using only the CONTEXT.
If the answer is not explicitly supported, say "%s" Be concise.

Return STRICT JSON with keys: answer (string), reasoning (string, <= 2 sentences), confidence (0..1), citations (array of chunk ids).

CONTEXT:
%s

QUESTION:
%s

JSON ONLY:
`, NotStated, strings.Join(blocks, "\n\n"), question))
}

// ParseReply extracts the structured answer from a model reply. The first
// {...} block is tried when the reply is not pure JSON; anything else is
// returned as a free-text answer.
func ParseReply(content string) domain.Reasoning {
	content = strings.TrimSpace(content)
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		block := jsonBlockRe.FindString(content)
		if block == "" || json.Unmarshal([]byte(block), &fields) != nil {
			return domain.Reasoning{
				Answer:     content,
				Reasoning:  "LLM returned free text.",
				Confidence: freeTextConfidence,
				Citations:  []string{},
			}
		}
	}

	out := domain.Reasoning{Answer: NotStated, Confidence: defaultConfidence, Citations: []string{}}
	if v, ok := fields["answer"].(string); ok {
		out.Answer = v
	}
	if v, ok := fields["reasoning"].(string); ok {
		out.Reasoning = v
	}
	switch v := fields["confidence"].(type) {
	case float64:
		out.Confidence = v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			out.Confidence = f
		}
	}
	out.Confidence = clamp01(out.Confidence)
	if list, ok := fields["citations"].([]any); ok {
		for _, c := range list {
			if s, ok := c.(string); ok && s != "" {
				out.Citations = append(out.Citations, s)
			}
		}
	}
	return out
}
