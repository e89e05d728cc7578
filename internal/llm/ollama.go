package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

// OllamaGenerator calls a local Ollama server's /api/generate endpoint with a
// plain-text transcript prompt.
type OllamaGenerator struct {
	client      *resty.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *zap.SugaredLogger
}

func NewOllamaGenerator(cfg utils.LLMConfig, logger *zap.SugaredLogger) (*OllamaGenerator, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("llm: ollama base url is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &OllamaGenerator{
		client:      resty.New().SetBaseURL(base),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}, nil
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (g *OllamaGenerator) Generate(ctx context.Context, prompt, serializedHistory string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	turns, err := priorTurns(prompt, serializedHistory)
	if err != nil {
		return "", err
	}

	var result ollamaResponse
	res, err := g.client.R().
		SetContext(ctx).
		SetBody(ollamaRequest{
			Model:  g.model,
			Prompt: renderTranscript(prompt, turns),
			Stream: false,
			Options: ollamaOptions{
				Temperature: g.temperature,
				NumPredict:  g.maxTokens,
			},
		}).
		SetResult(&result).
		SetError(&result).
		Post("/api/generate")
	if err != nil {
		return "", fmt.Errorf("call ollama: %w", err)
	}

	if res.IsError() {
		detail := strings.TrimSpace(result.Error)
		if detail == "" {
			detail = truncateRunes(strings.TrimSpace(res.String()), 256)
		}
		return "", fmt.Errorf("ollama api error (%d): %s", res.StatusCode(), detail)
	}

	reply := cleanReply(result.Response)
	if reply == "" {
		return "", ErrEmptyReply
	}

	g.logger.Debugw("ollama generation finished", "model", g.model, "history_turns", len(turns))
	return reply, nil
}

// renderTranscript lays prior turns out as "User:"/"Assistant:" lines followed
// by the new prompt and the practice instruction.
func renderTranscript(prompt string, turns models.TurnLog) string {
	if len(turns) == 0 {
		return practiceInstruction + ": " + prompt
	}

	var builder strings.Builder
	for i, turn := range turns {
		if i > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(labelForRole(turn.Role))
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(turn.Content))
	}
	builder.WriteString("\nUser: ")
	builder.WriteString(prompt)
	builder.WriteString("\nAssistant: ")
	builder.WriteString(practiceInstruction)
	builder.WriteString(":")

	return builder.String()
}

var _ Generator = (*OllamaGenerator)(nil)
