package llmprovider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider talks to the Anthropic Messages API. Selected by
// model-id prefix ("claude-") the same way the root package dispatches
// between providers.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolSchema, model string, maxTokens int, temperature float64) (Response, error) {
	if model == "" {
		model = p.defaultModel
	}

	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.NewTextBlock(m.Content))
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(turns),
	}
	if len(system) > 0 {
		params.System = anthropic.F(system)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if text, ok := block.AsUnion().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}

	return Response{
		Content:      content,
		FinishReason: string(msg.StopReason),
		Usage: map[string]int{
			"input_tokens":  int(msg.Usage.InputTokens),
			"output_tokens": int(msg.Usage.OutputTokens),
		},
	}, nil
}
