// Package embedgateway produces embedding vectors for vector memory
// entries and search queries. It prefers a remote embedding API and
// falls back to a local deterministic hash-expansion embedder when the
// remote call fails, so vector memory keeps functioning (with degraded
// recall quality) during an embedding-provider outage.
package embedgateway

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Dim is the fixed embedding width used throughout vector memory. Both
// the remote and local backends are adapted to this width so callers
// never need to special-case which one produced a given vector.
const Dim = 768

// ErrUnavailable is returned by Embed when both the remote backend and
// the local fallback fail to produce a vector — the local fallback is
// deterministic and should never itself fail, so in practice this
// indicates a programming error (e.g. an empty Dim).
var ErrUnavailable = fmt.Errorf("embedgateway: embedding unavailable")

// Gateway produces embedding vectors, trying a remote backend first and
// falling back to a local one on failure.
type Gateway struct {
	remote *remoteBackend
	local  *localBackend
}

// New builds a Gateway. If apiKey is empty, the gateway skips the remote
// backend entirely and always uses the local fallback — useful for labs
// and offline tests where no embedding API is reachable.
func New(apiKey, apiBase, model string) *Gateway {
	g := &Gateway{local: newLocalBackend()}
	if apiKey != "" {
		g.remote = newRemoteBackend(apiKey, apiBase, model)
	}
	return g
}

// Embed returns a single vector for text, trying the remote backend
// first (if configured) and falling back to the local deterministic
// embedder on any error.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.remote != nil {
		vec, err := g.remote.embed(ctx, text)
		if err == nil {
			return vec, nil
		}
	}
	return g.local.embed(text)
}

// EmbedBatch embeds multiple texts concurrently, bounded to a fixed
// worker count, matching the fan-out pattern used for document chunk
// embedding elsewhere in this codebase. A failure on one item falls
// back to the local embedder for that item only; the batch as a whole
// never fails outright.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 5)

	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			vec, err := g.Embed(ctx, text)
			if err != nil {
				vec, _ = g.local.embed(text)
			}
			results[i] = vec
		}(i, text)
	}
	wg.Wait()
	return results
}

// remoteBackend calls an OpenAI-compatible embeddings endpoint.
type remoteBackend struct {
	client openai.Client
	model  string
}

func newRemoteBackend(apiKey, apiBase, model string) *remoteBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &remoteBackend{client: openai.NewClient(opts...), model: model}
}

func (r *remoteBackend) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, Dim), nil
	}
	resp, err := r.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedgateway: remote embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedgateway: remote embed: empty response")
	}
	raw := resp.Data[0].Embedding
	return fitToDim(raw), nil
}

func fitToDim(raw []float64) []float32 {
	out := make([]float32, Dim)
	for i := range out {
		if i < len(raw) {
			out[i] = float32(raw[i])
		}
	}
	return out
}

// localBackend produces a deterministic pseudo-embedding from a SHA-256
// expansion of the input text. It carries no semantic meaning beyond
// "same text, same vector" and exists only to keep vector memory
// operating (with degraded recall) during a remote outage.
type localBackend struct{}

func newLocalBackend() *localBackend { return &localBackend{} }

func (l *localBackend) embed(text string) ([]float32, error) {
	vec := make([]float32, Dim)
	if strings.TrimSpace(text) == "" {
		return vec, nil
	}

	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	for i := range vec {
		if i > 0 && i%len(block) == 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		b := block[i%len(block)]
		vec[i] = (float32(b)/255.0)*2 - 1
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
