// Package tokencount counts tokens for core-memory budgets and vector
// memory entries. It mirrors internal/llm's Tokenizer seam but backs it
// with a real BPE encoder instead of the chars/4 heuristic, since core
// memory's section budgets are enforced in tokens, not characters.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text using a cached tiktoken encoding.
type Counter struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
}

// New builds a Counter using the cl100k_base encoding, the same one used
// by GPT-3.5/GPT-4 family models and a reasonable stand-in for any model
// whose exact tokenizer isn't known in advance.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &Counter{encoding: enc}, nil
}

// Count returns the number of tokens in s. Falls back to the chars/4
// heuristic from internal/llm if the encoder itself is unavailable.
func (c *Counter) Count(s string) int {
	if s == "" {
		return 0
	}
	if c == nil || c.encoding == nil {
		return EstimateTokens(s)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoding.Encode(s, nil, nil))
}

// EstimateTokens is the heuristic fallback (chars/4) used when a real
// encoder could not be constructed, matching internal/llm's EstimateTokens.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return len([]rune(s))/4 + 1
}
