// Command labctl drives the memory engine through the Lab Harness from
// a terminal: every line typed at the prompt is injected into a mock
// channel as a message from the primary user, routed through the
// Subconscious Classifier, and — when the classifier says to respond —
// answered by an LLM call that is itself wrapped in the Record/Replay
// provider and grounded in Core + Vector Memory context.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"manifold/internal/audit"
	"manifold/internal/classifier"
	"manifold/internal/consolidator"
	"manifold/internal/corememory"
	"manifold/internal/embedgateway"
	"manifold/internal/lab"
	"manifold/internal/labtelemetry"
	"manifold/internal/llmprovider"
	"manifold/internal/memconfig"
	"manifold/internal/memoryfacade"
	"manifold/internal/replay"
	"manifold/internal/tokencount"
	"manifold/internal/vectormemory"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	runName := flag.String("run", "", "lab run name (defaults to config's lab.run_name, or a timestamp)")
	snapshot := flag.String("snapshot", "", "snapshot name to restore the run from")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint for audit span export (optional)")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := memconfig.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("labctl: load config")
	}

	name := *runName
	if name == "" {
		name = cfg.Lab.RunName
	}
	if name == "" {
		name = fmt.Sprintf("labctl-%d", time.Now().UnixNano())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTelemetry, err := labtelemetry.Init(ctx, labtelemetry.Config{
		OTLPEndpoint: *otlpEndpoint,
		ServiceName:  "manifold-memory-engine",
		RunName:      name,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("labctl: init telemetry")
	}
	defer shutdownTelemetry(context.Background())

	collector := audit.New(tracer)

	router := buildRouter(cfg)

	harnessCfg := lab.DefaultConfig(name)
	harnessCfg.SnapshotName = *snapshot
	if *snapshot == "" {
		harnessCfg.SnapshotName = cfg.Lab.SnapshotName
	}
	harnessCfg.Model = firstNonEmpty(cfg.Lab.Model, cfg.Subconscious.DaemonModel, router.DefaultModel())
	harnessCfg.CacheMode = replay.Mode(firstNonEmpty(cfg.Replay.Mode, string(replay.ModePassthrough)))
	harnessCfg.CacheDir = cfg.Replay.CacheDir
	if cfg.Lab.ResponseTimeout > 0 {
		harnessCfg.ResponseTimeout = time.Duration(cfg.Lab.ResponseTimeout * float64(time.Second))
	}
	if cfg.Lab.Temperature > 0 {
		harnessCfg.Temperature = cfg.Lab.Temperature
	}
	if cfg.Lab.MaxTokens > 0 {
		harnessCfg.MaxTokens = cfg.Lab.MaxTokens
	}

	runner := &memoryRunner{cfg: cfg, collector: collector, logger: logger}
	harness := lab.New(harnessCfg, runner)

	if err := harness.Start(ctx, router); err != nil {
		logger.Fatal().Err(err).Msg("labctl: start harness")
	}
	defer harness.Stop()

	fmt.Println("labctl: type a message and press enter; Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := harness.Inject(ctx, "cli", "operator", line, true, false); err != nil {
			logger.Error().Err(err).Msg("labctl: inject")
			continue
		}
		resp := harness.WaitForResponse(ctx, harnessCfg.ResponseTimeout)
		if resp == nil {
			fmt.Println("(no response)")
			continue
		}
		fmt.Println(resp.Text)
	}

	summary := collector.Summary()
	logger.Info().
		Int("events", summary.TotalEvents).
		Int("prompts", summary.TotalPrompts).
		Msg("labctl: session summary")
	stats := harness.GetProviderStats()
	logger.Info().
		Int("cache_hits", stats.Hits).
		Int("cache_misses", stats.Misses).
		Int("cache_records", stats.Records).
		Msg("labctl: provider stats")

	auditPath := filepath.Join(name + "-audit.jsonl")
	if err := collector.Save(auditPath); err != nil {
		logger.Error().Err(err).Msg("labctl: save audit log")
	}
}

func buildRouter(cfg memconfig.Config) *llmprovider.Router {
	router := &llmprovider.Router{}
	if cfg.OpenAIAPIKey != "" {
		model := firstNonEmpty(cfg.Subconscious.DaemonModel, "gpt-4o-mini")
		router.OpenAI = llmprovider.NewOpenAIProvider(cfg.OpenAIAPIKey, "", model)
	}
	if cfg.AnthropicAPIKey != "" {
		model := firstNonEmpty(cfg.Subconscious.DaemonModel, "claude-3-5-haiku-latest")
		router.Anthropic = llmprovider.NewAnthropicProvider(cfg.AnthropicAPIKey, model)
	}
	return router
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// memoryRunner is the lab.AgentRunner that assembles Core + Vector
// Memory, the Subconscious Classifier, and the Sleep Consolidator over
// one run's isolated data paths, and wires them to the run's mock
// channel.
type memoryRunner struct {
	cfg       memconfig.Config
	collector *audit.Collector
	logger    zerolog.Logger
}

func (r *memoryRunner) Start(ctx context.Context, rcfg lab.RunnerConfig) (func() error, error) {
	runLogger := rcfg.Logger
	counter, err := tokencount.New()
	if err != nil {
		return nil, fmt.Errorf("labctl: build token counter: %w", err)
	}

	gateway := embedgateway.New(r.cfg.OpenAIAPIKey, "", r.cfg.Memory.EmbeddingModel)

	var store vectormemory.Store
	switch {
	case r.cfg.Memory.VectorDriver == "qdrant" && r.cfg.Memory.QdrantDSN != "":
		qs, err := vectormemory.NewQdrantStore(r.cfg.Memory.QdrantDSN, "manifold_memory", embedgateway.Dim)
		if err != nil {
			return nil, fmt.Errorf("labctl: build qdrant store: %w", err)
		}
		store = qs
	case r.cfg.Memory.VectorDriver == "postgres" && r.cfg.Memory.PostgresDSN != "":
		ps, err := vectormemory.NewPostgresStore(ctx, r.cfg.Memory.PostgresDSN, embedgateway.Dim)
		if err != nil {
			return nil, fmt.Errorf("labctl: build postgres store: %w", err)
		}
		store = ps
	default:
		fs, err := vectormemory.NewFileStore(filepath.Join(rcfg.Paths.ChromaPath, "memories.json"))
		if err != nil {
			return nil, fmt.Errorf("labctl: build file store: %w", err)
		}
		store = fs
	}

	core, err := corememory.Load(filepath.Join(rcfg.Paths.DataDir, "memory", "core.json"), counter, r.cfg.Memory.TokenBudget)
	if err != nil {
		return nil, fmt.Errorf("labctl: load core memory: %w", err)
	}
	core.SetLogger(runLogger)

	vector, err := vectormemory.New(store, gateway, filepath.Join(rcfg.Paths.DataDir, "memory", "entities.json"))
	if err != nil {
		return nil, fmt.Errorf("labctl: build vector memory: %w", err)
	}
	vector.SetLogger(runLogger)

	memory := memoryfacade.New(core, vector, filepath.Join(rcfg.Paths.DataDir, "memory", "diary"), r.cfg.Memory.DiaryContextDays)

	cl := classifier.New(rcfg.Provider, firstNonEmpty(r.cfg.Subconscious.DaemonModel, rcfg.Model), r.cfg.Subconscious.FallbackModels, r.collector)
	cl.SetLogger(runLogger)
	if r.cfg.Subconscious.TimeoutSeconds > 0 {
		cl.SetTimeout(time.Duration(r.cfg.Subconscious.TimeoutSeconds * float64(time.Second)))
	}

	cons := consolidator.New(rcfg.Provider, firstNonEmpty(r.cfg.Consolidator.Model, rcfg.Model), memory, r.collector)
	cons.SetLogger(runLogger)

	rcfg.Channel.SetHandler(func(ctx context.Context, msg lab.InboundMessage) error {
		return r.handle(ctx, rcfg, cl, cons, memory, msg)
	})

	return func() error { return nil }, nil
}

func (r *memoryRunner) handle(ctx context.Context, rcfg lab.RunnerConfig, cl *classifier.Classifier, cons *consolidator.Consolidator, memory *memoryfacade.MemorySystem, msg lab.InboundMessage) error {
	result := cl.Process(ctx, classifier.Input{
		ChannelKey:    msg.ChannelKey,
		Text:          msg.Text,
		IsPrimaryUser: msg.IsPrimaryUser,
		IsReplyToAgent: msg.IsReplyToAgent,
	})
	r.collector.RecordEvent(ctx, audit.EventClassification, msg.ChannelKey, map[string]any{
		"classification": string(result.Classification),
	})

	if result.HasSecurityFlags() {
		r.logger.Warn().Str("channel", msg.ChannelKey).Bool("auto_mute", result.ShouldAutoMute()).Msg("labctl: classifier raised a security flag")
	}

	go func() {
		bgCtx := context.Background()
		if result.Classification != classifier.ClassDrop {
			if _, err := cons.ProcessIdle(bgCtx, msg.Text); err != nil {
				r.logger.Warn().Err(err).Msg("labctl: idle consolidation failed")
			}
		}
	}()

	if result.Classification != classifier.ClassRespond {
		return nil
	}

	memoryContext, err := memory.GetMemoryContext()
	if err != nil {
		r.logger.Warn().Err(err).Msg("labctl: build memory context")
	}
	relevant, err := memory.GetRelevantContext(ctx, msg.Text)
	if err != nil {
		r.logger.Warn().Err(err).Msg("labctl: build relevant context")
	}

	system := strings.TrimSpace(memoryContext + "\n" + relevant)
	messages := []llmprovider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: msg.Text},
	}

	resp, err := rcfg.Provider.Chat(ctx, messages, nil, rcfg.Model, rcfg.MaxTokens, rcfg.Temperature)
	if err != nil {
		r.collector.RecordEvent(ctx, audit.EventError, msg.ChannelKey, map[string]any{"message": err.Error()})
		return fmt.Errorf("labctl: chat: %w", err)
	}

	r.collector.RecordEvent(ctx, audit.EventResponseSent, msg.ChannelKey, map[string]any{"text": resp.Content})
	return rcfg.Channel.Send(ctx, msg.ChannelKey, resp.Content)
}
