// Package replay implements record/replay interception of LLM calls:
// a Provider wrapper that can record live responses to disk, replay
// them deterministically, or fall through to a live call when nothing
// is cached. This is what lets the lab harness run identical scripted
// scenarios without burning tokens on every run.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"manifold/internal/llmprovider"
)

// Mode selects how Provider behaves on each call.
type Mode string

const (
	// ModeRecord always calls the wrapped provider live and saves the result.
	ModeRecord Mode = "record"
	// ModeReplay always serves from cache, failing with ErrCacheMiss if absent.
	ModeReplay Mode = "replay"
	// ModeReplayOrLive serves from cache when present, otherwise calls live
	// and records the result for next time.
	ModeReplayOrLive Mode = "replay_or_live"
	// ModePassthrough ignores the cache entirely and always calls live.
	ModePassthrough Mode = "passthrough"
)

// ErrCacheMiss is returned by a ModeReplay call when no cached response
// exists for the request's hash.
var ErrCacheMiss = fmt.Errorf("replay: cache miss")

// Stats tallies cache behavior across a Provider's lifetime.
type Stats struct {
	Hits    int
	Misses  int
	Records int
	Errors  int
}

// Total returns the sum of every counted event.
func (s Stats) Total() int { return s.Hits + s.Misses + s.Records + s.Errors }

type cachedResponse struct {
	Response llmprovider.Response `json:"response"`

	Hash         string `json:"_hash"`
	Model        string `json:"_model"`
	LastUserMsg  string `json:"_last_user_msg"`
	MessageCount int    `json:"_message_count"`
}

// Provider wraps a real llmprovider.Provider with SHA-256 cache-keyed
// record/replay behavior.
type Provider struct {
	mu       sync.Mutex
	real     llmprovider.Provider
	cacheDir string
	mode     Mode
	stats    Stats
}

// New builds a record/replay Provider over real, persisting cache
// entries as JSON files under cacheDir.
func New(real llmprovider.Provider, cacheDir string, mode Mode) *Provider {
	return &Provider{real: real, cacheDir: cacheDir, mode: mode}
}

func (p *Provider) DefaultModel() string { return p.real.DefaultModel() }

// Chat dispatches by mode: passthrough always calls live; record always
// calls live then saves; replay always serves cache or returns
// ErrCacheMiss; replay_or_live serves cache when present, otherwise
// calls live and records.
func (p *Provider) Chat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSchema, model string, maxTokens int, temperature float64) (llmprovider.Response, error) {
	if model == "" {
		model = p.real.DefaultModel()
	}

	switch p.mode {
	case ModePassthrough:
		return p.callReal(ctx, messages, tools, model, maxTokens, temperature)

	case ModeRecord:
		resp, err := p.callReal(ctx, messages, tools, model, maxTokens, temperature)
		if err != nil {
			p.incr(func(s *Stats) { s.Errors++ })
			return resp, err
		}
		if err := p.saveToCache(model, messages, tools, resp); err != nil {
			return resp, err
		}
		p.incr(func(s *Stats) { s.Records++ })
		return resp, nil

	case ModeReplay:
		resp, ok, err := p.loadFromCache(model, messages, tools)
		if err != nil {
			p.incr(func(s *Stats) { s.Errors++ })
			return llmprovider.Response{}, err
		}
		if !ok {
			p.incr(func(s *Stats) { s.Misses++ })
			return llmprovider.Response{}, ErrCacheMiss
		}
		p.incr(func(s *Stats) { s.Hits++ })
		return resp, nil

	case ModeReplayOrLive:
		resp, ok, err := p.loadFromCache(model, messages, tools)
		if err != nil {
			p.incr(func(s *Stats) { s.Errors++ })
			return llmprovider.Response{}, err
		}
		if ok {
			p.incr(func(s *Stats) { s.Hits++ })
			return resp, nil
		}
		p.incr(func(s *Stats) { s.Misses++ })
		live, err := p.callReal(ctx, messages, tools, model, maxTokens, temperature)
		if err != nil {
			p.incr(func(s *Stats) { s.Errors++ })
			return live, err
		}
		if err := p.saveToCache(model, messages, tools, live); err != nil {
			return live, err
		}
		p.incr(func(s *Stats) { s.Records++ })
		return live, nil

	default:
		return llmprovider.Response{}, fmt.Errorf("replay: unknown mode %q", p.mode)
	}
}

func (p *Provider) callReal(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSchema, model string, maxTokens int, temperature float64) (llmprovider.Response, error) {
	return p.real.Chat(ctx, messages, tools, model, maxTokens, temperature)
}

func (p *Provider) incr(f func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.stats)
}

// StatsSnapshot returns a copy of the current cache statistics.
func (p *Provider) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// CacheSize returns the number of cache entry files on disk.
func (p *Provider) CacheSize() (int, error) {
	entries, err := os.ReadDir(p.cacheDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("replay: read cache dir: %w", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

// ClearCache deletes every cache entry file.
func (p *Provider) ClearCache() error {
	entries, err := os.ReadDir(p.cacheDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay: read cache dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			if err := os.Remove(filepath.Join(p.cacheDir, e.Name())); err != nil {
				return fmt.Errorf("replay: remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// HashRequest computes the canonical cache key for a request: a
// SHA-256 digest over the model id, each message's role and content,
// and the sorted tool names if any are present. temperature and
// max_tokens are deliberately excluded so sampling-parameter tweaks
// during a lab run don't fragment the cache.
func HashRequest(model string, messages []llmprovider.Message, tools []llmprovider.ToolSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "model:%s\n", model)
	for _, m := range messages {
		fmt.Fprintf(&b, "%s:%s\n", m.Role, m.Content)
	}
	if len(tools) > 0 {
		names := make([]string, len(tools))
		for i, t := range tools {
			names[i] = t.Name
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "tools:%s\n", strings.Join(names, ","))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (p *Provider) cachePath(hash string) string {
	return filepath.Join(p.cacheDir, hash+".json")
}

func (p *Provider) saveToCache(model string, messages []llmprovider.Message, tools []llmprovider.ToolSchema, resp llmprovider.Response) error {
	hash := HashRequest(model, messages, tools)

	entry := cachedResponse{
		Response:     resp,
		Hash:         hash,
		Model:        model,
		LastUserMsg:  lastUserMessage(messages),
		MessageCount: len(messages),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("replay: marshal cache entry: %w", err)
	}
	if err := os.MkdirAll(p.cacheDir, 0o755); err != nil {
		return fmt.Errorf("replay: mkdir %s: %w", p.cacheDir, err)
	}
	if err := os.WriteFile(p.cachePath(hash), data, 0o644); err != nil {
		return fmt.Errorf("replay: write cache entry: %w", err)
	}
	return nil
}

func (p *Provider) loadFromCache(model string, messages []llmprovider.Message, tools []llmprovider.ToolSchema) (llmprovider.Response, bool, error) {
	hash := HashRequest(model, messages, tools)

	data, err := os.ReadFile(p.cachePath(hash))
	if os.IsNotExist(err) {
		return llmprovider.Response{}, false, nil
	}
	if err != nil {
		return llmprovider.Response{}, false, fmt.Errorf("replay: read cache entry: %w", err)
	}

	var entry cachedResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		return llmprovider.Response{}, false, fmt.Errorf("replay: parse cache entry: %w", err)
	}
	return entry.Response, true, nil
}

func lastUserMessage(messages []llmprovider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
