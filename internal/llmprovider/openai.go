package llmprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint,
// including OpenRouter (used for the classifier's free-model rotation).
type OpenAIProvider struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIProvider builds a provider against apiBase (empty for api.openai.com).
func NewOpenAIProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), defaultModel: defaultModel}
}

func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema, model string, maxTokens int, temperature float64) (Response, error) {
	if model == "" {
		model = p.defaultModel
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    msgs,
		Temperature: param.NewOpt(temperature),
		MaxTokens:   param.NewOpt(int64(maxTokens)),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("openai chat completion: no choices returned")
	}

	choice := resp.Choices[0]
	out := Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: map[string]int{
			"prompt_tokens":     int(resp.Usage.PromptTokens),
			"completion_tokens": int(resp.Usage.CompletionTokens),
			"total_tokens":      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}
