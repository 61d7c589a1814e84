package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"manifold/internal/llmprovider"
)

type stubProvider struct {
	response llmprovider.Response
	err      error
	delay    time.Duration
	calls    int
}

func (s *stubProvider) DefaultModel() string { return "stub-model" }

func (s *stubProvider) Chat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSchema, model string, maxTokens int, temperature float64) (llmprovider.Response, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return llmprovider.Response{}, ctx.Err()
		}
	}
	return s.response, s.err
}

func TestProcessSuccessfulLLMCall(t *testing.T) {
	provider := &stubProvider{response: llmprovider.Response{
		Content: `{"classification":"respond","confidence":0.95,"reason":"direct question","topic":"weather","tone":"curious"}`,
	}}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{ChannelKey: "chan-1", Text: "what's the weather like?"})
	assert.Equal(t, ClassRespond, result.Classification)
	assert.Equal(t, 0.95, result.Confidence)
	assert.Equal(t, "primary-model", result.ModelUsed)
	assert.Equal(t, 1, provider.calls)
}

func TestProcessFencedJSONResponse(t *testing.T) {
	provider := &stubProvider{response: llmprovider.Response{
		Content: "```json\n{\"classification\":\"drop\",\"confidence\":0.2}\n```",
	}}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{Text: "lol random spam"})
	assert.Equal(t, ClassDrop, result.Classification)
}

func TestProcessTimeoutFallsBackToRegex(t *testing.T) {
	provider := &stubProvider{delay: 50 * time.Millisecond}
	c := New(provider, "primary-model", nil, nil)
	c.SetTimeout(5 * time.Millisecond)

	result := c.Process(context.Background(), Input{Text: "hey ene, can you help me?"})
	assert.Equal(t, ClassRespond, result.Classification)
	assert.Equal(t, "hardcoded_fallback", result.ModelUsed)
	assert.True(t, result.FallbackUsed)
	assert.False(t, result.ImplicitAgentReference)
}

func TestProcessNoProviderConfiguredReturnsNotInitialized(t *testing.T) {
	c := New(nil, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{Text: "hey ene, can you help me?"})
	assert.Equal(t, ClassRespond, result.Classification)
	assert.Equal(t, "not_initialized", result.ModelUsed)
	assert.True(t, result.FallbackUsed)
	assert.False(t, result.ImplicitAgentReference)
}

func TestProcessErrorFallsBackToMathClassifierWithChannelSignals(t *testing.T) {
	provider := &stubProvider{err: errors.New("provider unavailable")}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{
		Text:           "just chatting with friends",
		IsReplyToAgent: true,
		ChannelSignals: &ChannelSignals{RecentMessageCount: 5},
	})
	assert.Equal(t, ClassRespond, result.Classification)
	assert.Equal(t, "math_classifier", result.ModelUsed)
}

func TestRegexFallbackWordBoundaryDoesNotMatchSubstring(t *testing.T) {
	provider := &stubProvider{err: errors.New("down")}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{Text: "that scene was generic and boring"})
	assert.False(t, result.ImplicitAgentReference)
	assert.NotEqual(t, ClassRespond, result.Classification)
}

func TestRegexFallbackPrimaryUserNeverDropped(t *testing.T) {
	provider := &stubProvider{err: errors.New("down")}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{Text: "just thinking out loud", IsPrimaryUser: true})
	assert.NotEqual(t, ClassDrop, result.Classification)
}

func TestRegexFallbackStaleNonPrimaryDowngradesFromRespond(t *testing.T) {
	provider := &stubProvider{err: errors.New("down")}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{
		Text:                     "hey ene are you there",
		IsPrimaryUser:            false,
		SecondsSinceLastActivity: 900,
	})
	assert.Equal(t, ClassContext, result.Classification)
}

func TestRotateModelCyclesThroughFallbacks(t *testing.T) {
	provider := &stubProvider{err: errors.New("down")}
	c := New(provider, "primary-model", []string{"free-a", "free-b"}, nil)

	assert.Equal(t, "primary-model", c.currentModel())
	c.rotateModel()
	assert.Equal(t, "free-a", c.currentModel())
	c.rotateModel()
	assert.Equal(t, "free-b", c.currentModel())
	c.rotateModel()
	assert.Equal(t, "free-a", c.currentModel())
}

func TestHasSecurityFlagsAndAutoMute(t *testing.T) {
	r := Result{SecurityFlags: []SecurityFlag{{Type: "prompt_injection"}}}
	assert.True(t, r.HasSecurityFlags())
	assert.True(t, r.ShouldAutoMute())

	r2 := Result{SecurityFlags: []SecurityFlag{{Type: "spam"}}}
	assert.True(t, r2.HasSecurityFlags())
	assert.False(t, r2.ShouldAutoMute())
}

func TestParseResponseDefaultsOnMissingFields(t *testing.T) {
	provider := &stubProvider{response: llmprovider.Response{Content: `{"classification":"unknown-value"}`}}
	c := New(provider, "primary-model", nil, nil)

	result := c.Process(context.Background(), Input{Text: "hello"})
	assert.Equal(t, ClassContext, result.Classification)
	assert.Equal(t, 0.5, result.Confidence)
}

