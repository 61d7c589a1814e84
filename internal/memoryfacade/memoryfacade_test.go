package memoryfacade

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/corememory"
	"manifold/internal/embedgateway"
	"manifold/internal/tokencount"
	"manifold/internal/vectormemory"
)

func newTestSystem(t *testing.T) *MemorySystem {
	t.Helper()
	return newTestSystemWithDiaryDays(t, 30)
}

func newTestSystemWithDiaryDays(t *testing.T, diaryContextDays int) *MemorySystem {
	t.Helper()
	dir := t.TempDir()

	counter, err := tokencount.New()
	require.NoError(t, err)
	core, err := corememory.Load(filepath.Join(dir, "core.json"), counter, corememory.DefaultTokenBudget)
	require.NoError(t, err)

	store, err := vectormemory.NewFileStore(filepath.Join(dir, "memories.json"))
	require.NoError(t, err)
	gateway := embedgateway.New("", "", "")
	vector, err := vectormemory.New(store, gateway, filepath.Join(dir, "entities.json"))
	require.NoError(t, err)

	return New(core, vector, filepath.Join(dir, "diary"), diaryContextDays)
}

func TestGetMemoryContextIncludesCoreAndDiary(t *testing.T) {
	ms := newTestSystem(t)
	_, err := ms.Core().AddEntry("identity", "The agent's name is Rin.", corememory.DefaultImportance)
	require.NoError(t, err)
	require.NoError(t, ms.WriteDiaryEntry("Had a quiet day.", []string{"user", "agent"}))

	ctx, err := ms.GetMemoryContext()
	require.NoError(t, err)
	assert.Contains(t, ctx, "## Core Memory")
	assert.Contains(t, ctx, "The agent's name is Rin.")
	assert.Contains(t, ctx, "## Recent Diary")
	assert.Contains(t, ctx, "Had a quiet day.")
	assert.Contains(t, ctx, "### "+time.Now().Format("2006-01-02"))
	assert.NotContains(t, ctx, "participants=")
}

func TestDiaryCapsAtMaxEntriesAndGroupsByDay(t *testing.T) {
	ms := newTestSystem(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < MaxDiaryEntries+3; i++ {
		day := base.AddDate(0, 0, i)
		ms.now = func() time.Time { return day }
		require.NoError(t, ms.WriteDiaryEntry("entry content", nil))
	}
	ms.now = func() time.Time { return base.AddDate(0, 0, MaxDiaryEntries+2) }

	diary, err := ms.loadRecentDiary()
	require.NoError(t, err)
	require.NotEmpty(t, diary)
	assert.NotContains(t, diary, "participants=")

	count := 0
	for i := 0; i+len("entry content") <= len(diary); i++ {
		if diary[i:i+len("entry content")] == "entry content" {
			count++
		}
	}
	assert.Equal(t, MaxDiaryEntries, count)

	// The three oldest days should have been dropped entirely.
	assert.NotContains(t, diary, "### 2026-01-01")
	assert.Contains(t, diary, "### "+base.AddDate(0, 0, MaxDiaryEntries+2).Format("2006-01-02"))
}

func TestDiaryContextDaysLimitsLookback(t *testing.T) {
	ms := newTestSystemWithDiaryDays(t, 2)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		day := base.AddDate(0, 0, i)
		ms.now = func() time.Time { return day }
		require.NoError(t, ms.WriteDiaryEntry("day entry", nil))
	}
	ms.now = func() time.Time { return base.AddDate(0, 0, 4) }

	diary, err := ms.loadRecentDiary()
	require.NoError(t, err)
	assert.NotContains(t, diary, "### 2026-03-01")
	assert.Contains(t, diary, "### 2026-03-05")
}

func TestGetRelevantContextEmptyWhenNoMemories(t *testing.T) {
	ms := newTestSystem(t)
	ctx, err := ms.GetRelevantContext(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, ctx)
}

func TestGetRelevantContextWithMemories(t *testing.T) {
	ms := newTestSystem(t)
	_, err := ms.Vector().AddMemory(context.Background(), "The user prefers tea over coffee.", vectormemory.TypeFact, "sleep_agent_idle", 5)
	require.NoError(t, err)

	ctx, err := ms.GetRelevantContext(context.Background(), "The user prefers tea over coffee.")
	require.NoError(t, err)
	assert.Contains(t, ctx, "## Retrieved Memories")
	assert.Contains(t, ctx, "tea over coffee")
}

func TestGetRelevantContextIncludesEntityMentions(t *testing.T) {
	ms := newTestSystem(t)
	_, err := ms.Vector().UpsertEntity("Sam", vectormemory.EntityPerson, "The user's partner.", 6, nil)
	require.NoError(t, err)

	ctx, err := ms.GetRelevantContext(context.Background(), "I talked to Sam today.")
	require.NoError(t, err)
	assert.Contains(t, ctx, "## Entity Context")
	assert.Contains(t, ctx, "**Sam** (person): The user's partner.")
}

func TestGetEntityContextDirectFetch(t *testing.T) {
	ms := newTestSystem(t)
	entity, err := ms.Vector().UpsertEntity("Sam", vectormemory.EntityPerson, "The user's partner.", 5, []string{"Sammy"})
	require.NoError(t, err)

	rendered, ok := ms.GetEntityContext(entity.ID)
	require.True(t, ok)
	assert.Contains(t, rendered, "Sam")
	assert.Contains(t, rendered, "The user's partner.")

	_, ok = ms.GetEntityContext("unknown-id")
	assert.False(t, ok)
}
