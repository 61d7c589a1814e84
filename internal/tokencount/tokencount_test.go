package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountNonEmpty(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	n := c.Count("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 20)
}

func TestCountEmpty(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, 0, c.Count(""))
}

func TestEstimateTokensFallback(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("some moderately long string of text"), 0)
}

func TestCountNilCounterUsesFallback(t *testing.T) {
	var c *Counter
	assert.Equal(t, EstimateTokens("hello world"), c.Count("hello world"))
}
