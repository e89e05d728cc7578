package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/oraltrainer/internal/models"
	"github.com/wuwenbin0122/oraltrainer/internal/utils"
)

// OpenAIGenerator talks to any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client           openai.Client
	model            string
	temperature      float64
	maxTokens        int
	summaryThreshold int
	recentKeep       int
	logger           *zap.SugaredLogger
}

func NewOpenAIGenerator(cfg utils.LLMConfig, logger *zap.SugaredLogger) (*OpenAIGenerator, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}

	threshold := cfg.SummaryThreshold
	if threshold <= 0 {
		threshold = defaultSummaryThreshold
	}
	keep := cfg.RecentKeep
	if keep <= 0 {
		keep = defaultRecentKeep
	}
	if keep > threshold {
		keep = threshold
	}

	return &OpenAIGenerator{
		client:           openai.NewClient(opts...),
		model:            model,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		summaryThreshold: threshold,
		recentKeep:       keep,
		logger:           logger,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt, serializedHistory string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	turns, err := priorTurns(prompt, serializedHistory)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionNewParams{
		Model:    g.model,
		Messages: g.buildMessages(prompt, turns),
	}
	if g.temperature > 0 {
		req.Temperature = openai.Float(g.temperature)
	}
	if g.maxTokens > 0 {
		req.MaxTokens = openai.Int(int64(g.maxTokens))
	}

	res, err := g.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}

	reply := cleanReply(res.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	g.logger.Debugw("chat completion finished",
		"model", g.model,
		"history_turns", len(turns),
		"prompt_tokens", res.Usage.PromptTokens,
		"completion_tokens", res.Usage.CompletionTokens,
	)

	return reply, nil
}

func (g *OpenAIGenerator) buildMessages(prompt string, turns models.TurnLog) []openai.ChatCompletionMessageParamUnion {
	summary, preserved := splitHistory(turns, g.summaryThreshold, g.recentKeep)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(preserved)+3)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	if summary != "" {
		messages = append(messages, openai.SystemMessage("Summary of the earlier conversation:\n"+summary))
	}
	for _, turn := range preserved {
		if turn.Role == models.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(turn.Content))
	}
	messages = append(messages, openai.UserMessage(prompt))

	return messages
}

var _ Generator = (*OpenAIGenerator)(nil)
