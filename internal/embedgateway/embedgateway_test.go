package embedgateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendDeterministic(t *testing.T) {
	l := newLocalBackend()
	v1, err := l.embed("hello world")
	require.NoError(t, err)
	v2, err := l.embed("hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, Dim)
}

func TestLocalBackendDiffersByInput(t *testing.T) {
	l := newLocalBackend()
	v1, _ := l.embed("hello world")
	v2, _ := l.embed("goodbye world")
	assert.NotEqual(t, v1, v2)
}

func TestLocalBackendEmptyText(t *testing.T) {
	l := newLocalBackend()
	v, err := l.embed("")
	require.NoError(t, err)
	assert.Len(t, v, Dim)
	for _, f := range v {
		assert.Equal(t, float32(0), f)
	}
}

func TestGatewayFallsBackWithoutAPIKey(t *testing.T) {
	g := New("", "", "")
	vec, err := g.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
}

func TestEmbedBatchFallback(t *testing.T) {
	g := New("", "", "")
	texts := []string{"alpha", "beta", "gamma"}
	out := g.EmbedBatch(context.Background(), texts)
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Len(t, v, Dim)
	}
	assert.NotEqual(t, out[0], out[1])
}
