package lab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/llmprovider"
)

type fakeRunner struct {
	stopped bool
}

func (f *fakeRunner) Start(ctx context.Context, cfg RunnerConfig) (func() error, error) {
	cfg.Channel.SetHandler(func(ctx context.Context, msg InboundMessage) error {
		reply, err := cfg.Provider.Chat(ctx, []llmprovider.Message{{Role: "user", Content: msg.Text}}, nil, cfg.Model, cfg.MaxTokens, cfg.Temperature)
		if err != nil {
			return err
		}
		return cfg.Channel.Send(ctx, msg.ChannelKey, reply.Content)
	})
	return func() error { f.stopped = true; return nil }, nil
}

type echoProvider struct{}

func (echoProvider) DefaultModel() string { return "echo-model" }
func (echoProvider) Chat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSchema, model string, maxTokens int, temperature float64) (llmprovider.Response, error) {
	last := messages[len(messages)-1].Content
	return llmprovider.Response{Content: "echo: " + last}, nil
}

func TestHarnessStartInjectAndReceiveResponse(t *testing.T) {
	withTestLabRoot(t)

	cfg := DefaultConfig("harness-run")
	runner := &fakeRunner{}
	h := New(cfg, runner)

	require.NoError(t, h.Start(context.Background(), echoProvider{}))
	defer h.Stop()

	require.NoError(t, h.Inject(context.Background(), "chan-1", "alice", "ping", true, false))

	resp := h.channel.WaitForResponse(context.Background(), time.Second)
	require.NotNil(t, resp)
	assert.Equal(t, "echo: ping", resp.Text)
}

func TestHarnessRunScriptWithVerify(t *testing.T) {
	withTestLabRoot(t)

	cfg := DefaultConfig("harness-run-2")
	cfg.ResponseTimeout = time.Second
	runner := &fakeRunner{}
	h := New(cfg, runner)
	require.NoError(t, h.Start(context.Background(), echoProvider{}))
	defer h.Stop()

	verified := false
	script := []ScriptMessage{
		{AuthorName: "alice", Text: "hello", IsPrimaryUser: true, Verify: func(resp *OutboundMessage) error {
			verified = resp != nil && resp.Text == "echo: hello"
			return nil
		}},
	}

	results, err := h.RunScript(context.Background(), "chan-1", script)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, verified)
}

func TestHarnessStopCallsRunnerStop(t *testing.T) {
	withTestLabRoot(t)

	cfg := DefaultConfig("harness-run-3")
	runner := &fakeRunner{}
	h := New(cfg, runner)
	require.NoError(t, h.Start(context.Background(), echoProvider{}))

	require.NoError(t, h.Stop())
	assert.True(t, runner.stopped)
}
