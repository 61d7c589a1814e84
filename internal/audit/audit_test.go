package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/classifier"
)

func TestRecordClassificationAndSummary(t *testing.T) {
	c := New(nil)
	c.RecordClassification(context.Background(), "chan-1", classifier.Result{
		Classification: classifier.ClassRespond,
		Confidence:     0.9,
		ModelUsed:      "test-model",
	})
	c.RecordClassification(context.Background(), "chan-1", classifier.Result{
		Classification: classifier.ClassDrop,
		Confidence:     0.7,
		ModelUsed:      "test-model",
	})

	summary := c.Summary()
	assert.Equal(t, 2, summary.TotalEvents)
	assert.Equal(t, 1, summary.ClassificationCounts[string(classifier.ClassRespond)])
	assert.Equal(t, 1, summary.ClassificationCounts[string(classifier.ClassDrop)])
}

func TestRecordPrompt(t *testing.T) {
	c := New(nil)
	c.RecordPrompt(context.Background(), "classify", "prompt text", "response text")

	prompts := c.GetPrompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "classify", prompts[0].Label)
	assert.Equal(t, "response text", prompts[0].Response)
}

func TestRecordEventErrorsAndResponses(t *testing.T) {
	c := New(nil)
	c.RecordEvent(context.Background(), EventResponseSent, "chan-1", map[string]any{"text": "hi"})
	c.RecordEvent(context.Background(), EventError, "chan-1", map[string]any{"message": "boom"})

	assert.Len(t, c.GetResponses(), 1)
	assert.Len(t, c.GetErrors(), 1)

	summary := c.Summary()
	assert.Equal(t, 1, summary.ResponseCount)
	assert.Equal(t, 1, summary.ErrorCount)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	c := New(nil)
	c.RecordClassification(context.Background(), "chan-1", classifier.Result{
		Classification: classifier.ClassContext,
		Confidence:     0.5,
		ModelUsed:      "test-model",
	})
	c.RecordPrompt(context.Background(), "reflect", "p", "r")
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.GetClassifications(), 1)
	assert.Len(t, loaded.GetPrompts(), 1)
}

func TestClearEmptiesCollector(t *testing.T) {
	c := New(nil)
	c.RecordEvent(context.Background(), EventError, "chan-1", nil)
	require.NotEmpty(t, c.GetEvents(""))

	c.Clear()
	assert.Empty(t, c.GetEvents(""))
	assert.Empty(t, c.GetPrompts())
}

func TestCompareDetectsClassificationAndResponseChanges(t *testing.T) {
	before := New(nil)
	after := New(nil)

	before.RecordClassification(context.Background(), "chan-1", classifier.Result{
		Classification: classifier.ClassRespond, Confidence: 0.9,
	})
	after.RecordClassification(context.Background(), "chan-1", classifier.Result{
		Classification: classifier.ClassDrop, Confidence: 0.6,
	})

	before.RecordEvent(context.Background(), EventResponseSent, "chan-1", map[string]any{"text": "hello"})
	after.RecordEvent(context.Background(), EventResponseSent, "chan-1", map[string]any{"text": "hi there"})

	diff := Compare(before, after)
	require.Len(t, diff.Classifications, 1)
	assert.Equal(t, string(classifier.ClassRespond), diff.Classifications[0].Before)
	assert.Equal(t, string(classifier.ClassDrop), diff.Classifications[0].After)

	require.Len(t, diff.Responses, 1)
	assert.Equal(t, "hello", diff.Responses[0].Before)
	assert.Equal(t, "hi there", diff.Responses[0].After)

	assert.Contains(t, diff.Summary, "1 classification change")
}

func TestCompareNoDifferences(t *testing.T) {
	before := New(nil)
	after := New(nil)

	before.RecordClassification(context.Background(), "chan-1", classifier.Result{Classification: classifier.ClassRespond, Confidence: 0.9})
	after.RecordClassification(context.Background(), "chan-1", classifier.Result{Classification: classifier.ClassRespond, Confidence: 0.9})

	diff := Compare(before, after)
	assert.Empty(t, diff.Classifications)
	assert.Equal(t, "no behavioral differences detected", diff.Summary)
}
