package llmjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRaw(t *testing.T) {
	out, err := Extract(`{"classification": "respond", "confidence": 0.9}`)
	require.NoError(t, err)
	assert.Equal(t, "respond", out["classification"])
}

func TestExtractFencedBlock(t *testing.T) {
	text := "Here is my answer:\n```json\n{\"classification\": \"drop\", \"confidence\": 0.4}\n```\nLet me know if that helps."
	out, err := Extract(text)
	require.NoError(t, err)
	assert.Equal(t, "drop", out["classification"])
}

func TestExtractBraceMatch(t *testing.T) {
	text := `Sure, here's the classification: {"classification": "context", "nested": {"a": 1}} -- hope that helps!`
	out, err := Extract(text)
	require.NoError(t, err)
	assert.Equal(t, "context", out["classification"])
	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), nested["a"])
}

func TestExtractBraceInStringLiteral(t *testing.T) {
	text := `{"reason": "looks like a {curly} aside", "classification": "drop"}`
	out, err := Extract(text)
	require.NoError(t, err)
	assert.Equal(t, "drop", out["classification"])
	assert.Contains(t, out["reason"], "{curly}")
}

func TestExtractNoJSON(t *testing.T) {
	_, err := Extract("no json here at all")
	assert.Error(t, err)
}

func TestExtractInto(t *testing.T) {
	type result struct {
		Classification string  `json:"classification"`
		Confidence     float64 `json:"confidence"`
	}
	var r result
	err := ExtractInto(`{"classification": "respond", "confidence": 0.75}`, &r)
	require.NoError(t, err)
	assert.Equal(t, "respond", r.Classification)
	assert.Equal(t, 0.75, r.Confidence)
}
