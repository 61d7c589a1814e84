package lab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"manifold/internal/llmprovider"
	"manifold/internal/replay"
)

// Config configures one lab harness run.
type Config struct {
	RunName            string
	SnapshotName       string
	Model              string
	CacheMode          replay.Mode
	CacheDir           string
	ResponseTimeout    time.Duration
	ObservatoryEnabled bool
	DashboardPort      int
	Temperature        float64
	MaxTokens          int
	MaxIterations      int
}

// DefaultConfig mirrors the original harness's defaults.
func DefaultConfig(runName string) Config {
	return Config{
		RunName:         runName,
		ResponseTimeout: 60 * time.Second,
		DashboardPort:   18792,
		Temperature:     0.7,
		MaxTokens:       4096,
		MaxIterations:   20,
	}
}

// RunnerConfig is what an AgentRunner needs to start the real agent
// loop against a lab run's isolated paths and mock channel.
type RunnerConfig struct {
	Paths         Paths
	Provider      llmprovider.Provider
	Channel       *MockChannel
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	Logger        zerolog.Logger
}

// AgentRunner starts and stops the real agent loop. Defined as an
// interface here, rather than imported directly, because the agent
// loop itself depends on the channel and session packages the lab
// harness must stay independent of — the same reason the original
// harness imports its agent loop lazily inside Start rather than at
// module scope.
type AgentRunner interface {
	Start(ctx context.Context, cfg RunnerConfig) (stop func() error, err error)
}

// ScriptMessage is one scripted line in a lab conversation script.
type ScriptMessage struct {
	AuthorName     string
	Text           string
	IsPrimaryUser  bool
	IsReplyToAgent bool
	Delay          time.Duration
	Verify         func(response *OutboundMessage) error
}

// ScriptResult records the outbound response (if any) produced for one
// scripted message and any verification error.
type ScriptResult struct {
	Message      ScriptMessage
	Response     *OutboundMessage
	VerifyError  error
}

// Harness wires a Config, an isolated run's Paths, a record/replay
// wrapped Provider, a MockChannel, and an injected AgentRunner into a
// runnable lab session.
type Harness struct {
	cfg      Config
	paths    Paths
	provider *replay.Provider
	channel  *MockChannel
	runner   AgentRunner
	stop     func() error
	logger   zerolog.Logger
}

// New builds a Harness; call Start to create the run and launch the
// agent loop. The harness gets its own run-scoped logger rather than
// using the global zerolog singleton, so the agent runner it hands off
// to can attribute every log line back to this run.
func New(cfg Config, runner AgentRunner) *Harness {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("run_name", cfg.RunName).Logger()
	return &Harness{cfg: cfg, runner: runner, logger: logger}
}

// Start creates the run directory (failing if a run of that name
// already exists), wraps real behind
// record/replay per the config's cache mode, builds the mock channel,
// and hands off to the injected AgentRunner.
func (h *Harness) Start(ctx context.Context, real llmprovider.Provider) error {
	paths, err := CreateRun(h.cfg.RunName, h.cfg.SnapshotName)
	if err != nil {
		return fmt.Errorf("lab: create run: %w", err)
	}
	h.paths = paths

	cacheDir := h.cfg.CacheDir
	if cacheDir == "" {
		cacheDir = GetCacheDir()
	}
	mode := h.cfg.CacheMode
	if mode == "" {
		mode = replay.ModePassthrough
	}
	h.provider = replay.New(real, cacheDir, mode)

	h.channel = NewMockChannel()

	h.logger.Info().Str("snapshot", h.cfg.SnapshotName).Str("cache_mode", string(mode)).Msg("lab: starting run")

	stop, err := h.runner.Start(ctx, RunnerConfig{
		Paths:         h.paths,
		Provider:      h.provider,
		Channel:       h.channel,
		Model:         h.cfg.Model,
		Temperature:   h.cfg.Temperature,
		MaxTokens:     h.cfg.MaxTokens,
		MaxIterations: h.cfg.MaxIterations,
		Logger:        h.logger,
	})
	if err != nil {
		return fmt.Errorf("lab: start agent runner: %w", err)
	}
	h.stop = stop
	return nil
}

// Stop tears down the agent runner started by Start.
func (h *Harness) Stop() error {
	if h.stop == nil {
		return nil
	}
	h.logger.Info().Msg("lab: stopping run")
	return h.stop()
}

// WaitForResponse blocks for the mock channel's next outbound message,
// up to timeout, returning nil on timeout.
func (h *Harness) WaitForResponse(ctx context.Context, timeout time.Duration) *OutboundMessage {
	return h.channel.WaitForResponse(ctx, timeout)
}

// Inject sends one message through the mock channel.
func (h *Harness) Inject(ctx context.Context, channelKey, authorName, text string, isPrimaryUser, isReplyToAgent bool) error {
	return h.channel.Inject(ctx, channelKey, authorName, text, isPrimaryUser, isReplyToAgent)
}

// RunScript drives a full scripted conversation through the mock
// channel, honoring each message's Delay before injection and Verify
// callback after a response (or timeout) is observed.
func (h *Harness) RunScript(ctx context.Context, channelKey string, script []ScriptMessage) ([]ScriptResult, error) {
	results := make([]ScriptResult, 0, len(script))
	for _, msg := range script {
		if msg.Delay > 0 {
			select {
			case <-time.After(msg.Delay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}

		if err := h.channel.Inject(ctx, channelKey, msg.AuthorName, msg.Text, msg.IsPrimaryUser, msg.IsReplyToAgent); err != nil {
			return results, fmt.Errorf("lab: inject message: %w", err)
		}

		resp := h.channel.WaitForResponse(ctx, h.cfg.ResponseTimeout)
		result := ScriptResult{Message: msg, Response: resp}
		if msg.Verify != nil {
			result.VerifyError = msg.Verify(resp)
		}
		results = append(results, result)
	}
	return results, nil
}

// GetState reads the run's on-disk state for display, treating missing
// files as simply absent rather than an error.
func (h *Harness) GetState() (Manifest, error) {
	root := filepath.Dir(h.paths.Workspace)
	return buildManifest(root, "run:"+h.cfg.RunName)
}

// GetProviderStats returns the record/replay cache statistics for this
// run's provider.
func (h *Harness) GetProviderStats() replay.Stats {
	return h.provider.StatsSnapshot()
}
