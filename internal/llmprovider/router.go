package llmprovider

import (
	"context"
	"fmt"
	"strings"
)

// Router dispatches Chat calls to a concrete Provider by model-id prefix,
// mirroring the root package's per-provider dispatch in openai_client.go
// and anthropic.go. OpenRouter-style ids ("qwen/...", "mistralai/...")
// and bare OpenAI ids route to the OpenAI-compatible backend; "claude-"
// prefixed ids route to Anthropic.
type Router struct {
	OpenAI    Provider
	Anthropic Provider
}

func (r *Router) DefaultModel() string {
	if r.OpenAI != nil {
		return r.OpenAI.DefaultModel()
	}
	if r.Anthropic != nil {
		return r.Anthropic.DefaultModel()
	}
	return ""
}

func (r *Router) Chat(ctx context.Context, messages []Message, tools []ToolSchema, model string, maxTokens int, temperature float64) (Response, error) {
	target := r.pick(model)
	if target == nil {
		return Response{}, fmt.Errorf("llmprovider: no backend configured for model %q", model)
	}
	return target.Chat(ctx, messages, tools, model, maxTokens, temperature)
}

func (r *Router) pick(model string) Provider {
	if strings.HasPrefix(model, "claude-") || strings.HasPrefix(model, "anthropic/") {
		if r.Anthropic != nil {
			return r.Anthropic
		}
	}
	if r.OpenAI != nil {
		return r.OpenAI
	}
	return r.Anthropic
}
