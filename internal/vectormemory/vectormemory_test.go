package vectormemory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifold/internal/embedgateway"
)

func newTestVectorMemory(t *testing.T) (*VectorMemory, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "memories.json"))
	require.NoError(t, err)
	gateway := embedgateway.New("", "", "")
	vm, err := New(store, gateway, filepath.Join(t.TempDir(), "entities.json"))
	require.NoError(t, err)
	return vm, store
}

func TestAddMemoryAndSearch(t *testing.T) {
	vm, _ := newTestVectorMemory(t)
	ctx := context.Background()

	_, err := vm.AddMemory(ctx, "The user's favorite color is blue.", TypeFact, "sleep_agent_idle", 6)
	require.NoError(t, err)
	_, err = vm.AddMemory(ctx, "The weather today is sunny.", TypeFact, "sleep_agent_idle", 3)
	require.NoError(t, err)

	results, err := vm.Search(ctx, "The user's favorite color is blue.", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "The user's favorite color is blue.", results[0].Content)
	assert.GreaterOrEqual(t, results[0].Score, results[len(results)-1].Score)
}

func TestSearchExcludesSuperseded(t *testing.T) {
	vm, _ := newTestVectorMemory(t)
	ctx := context.Background()

	rec, err := vm.AddMemory(ctx, "The user lives in Seattle.", TypeFact, "sleep_agent_idle", 5)
	require.NoError(t, err)
	require.NoError(t, vm.MarkSuperseded(ctx, rec.ID, "new-id"))

	results, err := vm.Search(ctx, "The user lives in Seattle.", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, rec.ID, r.ID)
	}
}

func TestSearchUpdatesAccessStats(t *testing.T) {
	vm, store := newTestVectorMemory(t)
	ctx := context.Background()

	rec, err := vm.AddMemory(ctx, "The user has a dog named Biscuit.", TypeFact, "sleep_agent_idle", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.AccessCount)

	_, err = vm.Search(ctx, "The user has a dog named Biscuit.", 5)
	require.NoError(t, err)

	updated, ok, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, updated.AccessCount)
}

func TestDeleteMemory(t *testing.T) {
	vm, store := newTestVectorMemory(t)
	ctx := context.Background()

	rec, err := vm.AddMemory(ctx, "Temporary fact.", TypeFact, "sleep_agent_idle", 1)
	require.NoError(t, err)
	require.NoError(t, vm.DeleteMemory(ctx, rec.ID))

	_, ok, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPruningCandidates(t *testing.T) {
	vm, _ := newTestVectorMemory(t)
	ctx := context.Background()
	vm.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	old, err := vm.AddMemory(ctx, "An old, rarely relevant aside.", TypeFact, "sleep_agent_idle", 1)
	require.NoError(t, err)
	old.LastAccessedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	old.CreatedAt = old.LastAccessedAt
	require.NoError(t, vm.store.Upsert(ctx, old))

	_, err = vm.AddMemory(ctx, "Important fact with high importance.", TypeFact, "sleep_agent_idle", 9)
	require.NoError(t, err)

	candidates, err := vm.GetPruningCandidates(ctx, 0.1, 0.2, 4, 20)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, old.ID, candidates[0].ID)
}

func TestUpsertEntityCreatesNew(t *testing.T) {
	vm, _ := newTestVectorMemory(t)

	created, err := vm.UpsertEntity("Sam", EntityPerson, "The user's partner.", 6, []string{"Sammy"})
	require.NoError(t, err)
	assert.Equal(t, "Sam", created.Name)
	assert.Equal(t, EntityPerson, created.EntityType)
	assert.Equal(t, 6, created.Importance)
	assert.Equal(t, 1, created.InteractionCount)
	assert.Equal(t, []string{"sammy"}, created.Aliases)

	fetched, ok := vm.GetEntity(created.ID)
	require.True(t, ok)
	assert.Equal(t, "The user's partner.", fetched.Description)
}

func TestUpsertEntityMergesByNameAndAlias(t *testing.T) {
	vm, _ := newTestVectorMemory(t)

	created, err := vm.UpsertEntity("Sam", EntityPerson, "The user's partner.", 5, []string{"Sammy"})
	require.NoError(t, err)

	updated, err := vm.UpsertEntity("sam", "", "", 9, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 9, updated.Importance)
	assert.Equal(t, 2, updated.InteractionCount)
	assert.Equal(t, "The user's partner.", updated.Description)

	byAlias, err := vm.UpsertEntity("Sammy", "", "Works in finance.", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, byAlias.ID)
	assert.Equal(t, 3, byAlias.InteractionCount)
	assert.Equal(t, 9, byAlias.Importance, "importance only ever increases on upsert")
	assert.Equal(t, "Works in finance.", byAlias.Description)
}

func TestEntityNameLookupIsCaseInsensitive(t *testing.T) {
	vm, _ := newTestVectorMemory(t)
	_, err := vm.UpsertEntity("Sam", EntityPerson, "The user's partner.", 5, []string{"Sammy"})
	require.NoError(t, err)

	byName, ok := vm.GetEntityByName("SAM")
	require.True(t, ok)
	assert.Equal(t, "Sam", byName.Name)

	byAlias, ok := vm.GetEntityByName("sammy")
	require.True(t, ok)
	assert.Equal(t, "Sam", byAlias.Name)

	names := vm.GetEntityNames()
	assert.Contains(t, names, "sam")
	assert.Contains(t, names, "sammy")
}

func TestAddReflectionRecordsSourceIDs(t *testing.T) {
	vm, store := newTestVectorMemory(t)
	ctx := context.Background()

	rec, err := vm.AddReflection(ctx, "The user seems to be adjusting well to the new job.", []string{"a", "b", "c"})
	require.NoError(t, err)

	stored, ok, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeReflection, stored.Type)
	assert.Equal(t, []string{"a", "b", "c"}, stored.SourceIDs)
}
