package corememory

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/tokencount"
)

func newTestCoreMemory(t *testing.T) *CoreMemory {
	t.Helper()
	counter, err := tokencount.New()
	require.NoError(t, err)
	cm, err := Load(filepath.Join(t.TempDir(), "core.json"), counter, DefaultTokenBudget)
	require.NoError(t, err)
	return cm
}

func TestFreshCoreMemoryHasDefaultSections(t *testing.T) {
	cm := newTestCoreMemory(t)
	for key, budget := range DefaultBudgets {
		assert.Equal(t, budget, cm.BudgetRemaining(key))
	}
	assert.False(t, cm.IsOverBudget())
	assert.Equal(t, DefaultTokenBudget, cm.GlobalBudgetRemaining())
}

func TestAddEntryAndRender(t *testing.T) {
	cm := newTestCoreMemory(t)
	entry, err := cm.AddEntry("identity", "I'm Ene. Dad built me.", DefaultImportance)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Greater(t, entry.Tokens, 0)
	assert.Equal(t, DefaultImportance, entry.Importance)
	assert.NotEmpty(t, entry.CreatedAt)
	assert.Equal(t, entry.CreatedAt, entry.UpdatedAt)

	rendered := cm.RenderForContext()
	assert.Contains(t, rendered, "## Core Memory")
	assert.Contains(t, rendered, "### Who I Am")
	assert.Contains(t, rendered, "- I'm Ene. Dad built me. [id:"+entry.ID+"]")
}

func TestAddEntryClampsImportance(t *testing.T) {
	cm := newTestCoreMemory(t)
	low, err := cm.AddEntry("scratch", "too low", -5)
	require.NoError(t, err)
	assert.Equal(t, 1, low.Importance)

	high, err := cm.AddEntry("scratch", "too high", 99)
	require.NoError(t, err)
	assert.Equal(t, 10, high.Importance)
}

func TestContextSectionRenderSuffix(t *testing.T) {
	cm := newTestCoreMemory(t)
	_, err := cm.AddEntry("context", "Background note about the user's timezone.", DefaultImportance)
	require.NoError(t, err)

	rendered := cm.RenderForContext()
	assert.True(t, strings.Contains(rendered, "### Current Context (background notes, NOT current conversation)"))
}

func TestAddEntryBudgetExceeded(t *testing.T) {
	cm := newTestCoreMemory(t)
	huge := strings.Repeat("word ", 10000)
	_, err := cm.AddEntry("identity", huge, DefaultImportance)
	require.Error(t, err)
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "identity", budgetErr.Section)
}

func TestAddEntryGlobalBudgetExceeded(t *testing.T) {
	counter, err := tokencount.New()
	require.NoError(t, err)
	cm, err := Load(filepath.Join(t.TempDir(), "core.json"), counter, 50)
	require.NoError(t, err)

	_, err = cm.AddEntry("identity", strings.Repeat("word ", 40), DefaultImportance)
	require.NoError(t, err)

	_, err = cm.AddEntry("people", strings.Repeat("word ", 40), DefaultImportance)
	require.Error(t, err)
	var budgetErr *BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "global", budgetErr.Section)
}

func TestEditAndDeleteEntry(t *testing.T) {
	cm := newTestCoreMemory(t)
	entry, err := cm.AddEntry("scratch", "temporary note", DefaultImportance)
	require.NoError(t, err)

	err = cm.EditEntry(entry.ID, "updated note", 8)
	require.NoError(t, err)

	got, section, found := cm.FindEntry(entry.ID)
	require.True(t, found)
	assert.Equal(t, "scratch", section)
	assert.Equal(t, "updated note", got.Content)
	assert.Equal(t, 8, got.Importance)

	err = cm.DeleteEntry(entry.ID)
	require.NoError(t, err)

	_, _, found = cm.FindEntry(entry.ID)
	assert.False(t, found)
}

func TestEditEntryZeroImportanceLeavesItUnchanged(t *testing.T) {
	cm := newTestCoreMemory(t)
	entry, err := cm.AddEntry("scratch", "temporary note", 7)
	require.NoError(t, err)

	err = cm.EditEntry(entry.ID, "still temporary", 0)
	require.NoError(t, err)

	got, _, found := cm.FindEntry(entry.ID)
	require.True(t, found)
	assert.Equal(t, 7, got.Importance)
}

func TestDeleteUnknownEntryReturnsNotFound(t *testing.T) {
	cm := newTestCoreMemory(t)
	err := cm.DeleteEntry("does-not-exist")
	require.Error(t, err)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSaveAndReload(t *testing.T) {
	counter, err := tokencount.New()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "core.json")

	cm, err := Load(path, counter, DefaultTokenBudget)
	require.NoError(t, err)
	_, err = cm.AddEntry("people", "User's partner is named Sam.", DefaultImportance)
	require.NoError(t, err)
	require.NoError(t, cm.Save())

	reloaded, err := Load(path, counter, DefaultTokenBudget)
	require.NoError(t, err)
	entries := reloaded.GetAllEntries()["people"]
	require.Len(t, entries, 1)
	assert.Equal(t, "User's partner is named Sam.", entries[0].Content)
}

func TestGetTotalTokensAcrossSections(t *testing.T) {
	cm := newTestCoreMemory(t)
	_, err := cm.AddEntry("identity", "a short fact", DefaultImportance)
	require.NoError(t, err)
	_, err = cm.AddEntry("scratch", "another short fact", DefaultImportance)
	require.NoError(t, err)

	total := cm.GetTotalTokens()
	assert.Equal(t, cm.GetSectionTokens("identity")+cm.GetSectionTokens("scratch"), total)
}
