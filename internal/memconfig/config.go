// Package memconfig loads the memory engine's configuration from a
// config.yaml plus an environment/.env overlay for secrets, following
// the same two-layer pattern as the rest of this codebase's config
// loader: YAML for structure and defaults, environment variables for
// anything that shouldn't live in a committed file.
package memconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// MemoryConfig configures Core Memory's token budget and Vector
// Memory's storage and embedding settings.
type MemoryConfig struct {
	TokenBudget        int    `yaml:"token_budget"`
	ChromaPath         string `yaml:"chroma_path"`
	VectorDriver       string `yaml:"vector_driver"` // "file", "qdrant", or "postgres"
	QdrantDSN          string `yaml:"qdrant_dsn,omitempty"`
	PostgresDSN        string `yaml:"postgres_dsn,omitempty"`
	EmbeddingModel     string `yaml:"embedding_model"`
	IdleTriggerSeconds int    `yaml:"idle_trigger_seconds"`
	DiaryContextDays   int    `yaml:"diary_context_days"`
}

// SubconsciousConfig configures the classifier.
type SubconsciousConfig struct {
	DaemonModel        string   `yaml:"daemon_model,omitempty"`
	ConsolidationModel string   `yaml:"consolidation_model,omitempty"`
	Temperature        float64  `yaml:"temperature"`
	TimeoutSeconds     float64  `yaml:"timeout_seconds"`
	FallbackModels     []string `yaml:"fallback_models,omitempty"`
}

// ConsolidatorConfig configures the sleep-time consolidator.
type ConsolidatorConfig struct {
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature"`
}

// ReplayConfig configures the record/replay LLM provider wrapper.
type ReplayConfig struct {
	Mode     string `yaml:"mode"` // record|replay|replay_or_live|passthrough
	CacheDir string `yaml:"cache_dir"`
}

// LabConfig configures a Lab Harness run's defaults.
type LabConfig struct {
	RunName         string  `yaml:"run_name"`
	SnapshotName    string  `yaml:"snapshot_name,omitempty"`
	Model           string  `yaml:"model"`
	CacheMode       string  `yaml:"cache_mode"`
	ResponseTimeout float64 `yaml:"response_timeout"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	MaxIterations   int     `yaml:"max_iterations"`
}

// Config is the full memory engine configuration tree, one config.yaml
// section per component.
type Config struct {
	Memory       MemoryConfig       `yaml:"memory"`
	Subconscious SubconsciousConfig `yaml:"subconscious"`
	Consolidator ConsolidatorConfig `yaml:"consolidator"`
	Replay       ReplayConfig       `yaml:"replay"`
	Lab          LabConfig          `yaml:"lab"`

	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
}

// Default returns the configuration reference's documented defaults.
func Default() Config {
	return Config{
		Memory: MemoryConfig{
			TokenBudget:        4000,
			ChromaPath:         "chroma_db",
			VectorDriver:       "file",
			EmbeddingModel:     "text-embedding-3-small",
			IdleTriggerSeconds: 300,
			DiaryContextDays:   3,
		},
		Subconscious: SubconsciousConfig{
			Temperature:    0.1,
			TimeoutSeconds: 10,
		},
		Consolidator: ConsolidatorConfig{
			Temperature: 0.3,
		},
		Replay: ReplayConfig{
			Mode:     "passthrough",
			CacheDir: "replay_cache",
		},
		Lab: LabConfig{
			ResponseTimeout: 60,
			Temperature:     0.7,
			MaxTokens:       4096,
			MaxIterations:   20,
		},
	}
}

// Load reads path as YAML over the documented defaults, then overlays
// API keys from the environment (after loading a .env file in the
// working directory, if present — mirroring the teacher's own
// godotenv.Overload-then-read-env pattern).
func Load(path string) (Config, error) {
	_ = godotenv.Overload()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file: defaults plus env overlay only.
		case err != nil:
			return Config{}, fmt.Errorf("memconfig: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("memconfig: parse %s: %w", path, err)
			}
		}
	}

	cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.AnthropicAPIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))

	if v := strings.TrimSpace(os.Getenv("MEMORY_TOKEN_BUDGET")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.TokenBudget = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MEMORY_EMBEDDING_MODEL")); v != "" {
		cfg.Memory.EmbeddingModel = v
	}

	return cfg, nil
}
