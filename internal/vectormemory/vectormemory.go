// Package vectormemory implements the ANN-searchable long-term store
// beneath core memory: facts, reflections, and archived core entries,
// ranked on retrieval by a three-factor score blending embedding
// similarity, stated importance, and a recency/access-frequency
// strength term.
package vectormemory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"manifold/internal/embedgateway"
)

// Memory type tags. "archived_core" marks a core-memory entry demoted
// to vector memory during budget review; everything else is written by
// the consolidator's idle or daily passes.
const (
	TypeFact         = "fact"
	TypeReflection   = "reflection"
	TypeArchivedCore = "archived_core"
)

// MemoryRecord is one stored unit of long-term memory.
type MemoryRecord struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	Importance     int       `json:"importance"` // 0-10
	Embedding      []float32 `json:"embedding"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	Superseded     bool      `json:"superseded"`
	SupersededBy   string    `json:"superseded_by,omitempty"`
	SourceIDs      []string  `json:"source_ids,omitempty"`
}

// ScoredMemory pairs a MemoryRecord with the ranking factors that
// produced its position in a Search result set.
type ScoredMemory struct {
	MemoryRecord
	Similarity float64
	Strength   float64
	Score      float64
}

// Store is the pluggable persistence seam for memory records, mirroring
// internal/persistence/databases' aggregated backend-interface pattern:
// the default is a flat filesystem index, with a Qdrant-backed
// implementation available behind the same interface.
type Store interface {
	Upsert(ctx context.Context, rec MemoryRecord) error
	Get(ctx context.Context, id string) (MemoryRecord, bool, error)
	All(ctx context.Context) ([]MemoryRecord, error)
	Delete(ctx context.Context, id string) error
}

// Entity type enum. Anything else supplied by a caller collapses to
// EntityOther.
const (
	EntityPerson       = "person"
	EntityPlace        = "place"
	EntityProject      = "project"
	EntityOrganization = "organization"
	EntityOther        = "other"
)

// EntityRecord is a lightweight profile of a person or thing the agent
// has learned about, kept separate from the searchable memory stream.
type EntityRecord struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Aliases          []string  `json:"aliases,omitempty"` // lowercased
	EntityType       string    `json:"entity_type"`
	Description      string    `json:"description"`
	Importance       int       `json:"importance"` // 1-10
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	InteractionCount int       `json:"interaction_count"`
}

func normalizeEntityType(t string) string {
	switch t {
	case EntityPerson, EntityPlace, EntityProject, EntityOrganization:
		return t
	default:
		return EntityOther
	}
}

func clampEntityImportance(importance int) int {
	if importance < 1 {
		return 1
	}
	if importance > 10 {
		return 10
	}
	return importance
}

// DefaultDecayRate is the recency-decay constant used both in search
// ranking's strength term and as the default for pruning-candidate
// selection.
const DefaultDecayRate = 0.1

// VectorMemory composes a pluggable Store, an embedding gateway, and a
// filesystem-backed entity table into the full long-term memory API.
type VectorMemory struct {
	mu           sync.Mutex
	store        Store
	gateway      *embedgateway.Gateway
	entitiesPath string
	entities     map[string]*EntityRecord
	nameCache    map[string]string // lowercased name or alias -> entity id
	decayRate    float64
	now          func() time.Time
	logger       zerolog.Logger
}

// New builds a VectorMemory over store, loading any existing entity
// table from entitiesPath (created lazily on first save).
func New(store Store, gateway *embedgateway.Gateway, entitiesPath string) (*VectorMemory, error) {
	vm := &VectorMemory{
		store:        store,
		gateway:      gateway,
		entitiesPath: entitiesPath,
		entities:     make(map[string]*EntityRecord),
		nameCache:    make(map[string]string),
		decayRate:    DefaultDecayRate,
		now:          time.Now,
		logger:       log.Logger,
	}

	data, err := os.ReadFile(entitiesPath)
	if os.IsNotExist(err) {
		return vm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vectormemory: read entities %s: %w", entitiesPath, err)
	}
	var list []*EntityRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("vectormemory: parse entities %s: %w", entitiesPath, err)
	}
	for _, e := range list {
		vm.entities[e.ID] = e
	}
	vm.rebuildNameCacheLocked()
	return vm, nil
}

// SetLogger overrides the default global logger with a per-instance one,
// letting the Lab Harness inject a per-run logger.
func (vm *VectorMemory) SetLogger(logger zerolog.Logger) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.logger = logger
}

func newEntityID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:4])
}

// AddMemory embeds content and stores it as a new record of the given
// type, source, and importance (0-10, clamped).
func (vm *VectorMemory) AddMemory(ctx context.Context, content, memType, source string, importance int) (MemoryRecord, error) {
	if importance < 0 {
		importance = 0
	}
	if importance > 10 {
		importance = 10
	}

	vec, err := vm.gateway.Embed(ctx, content)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("vectormemory: embed: %w", err)
	}

	now := vm.now()
	rec := MemoryRecord{
		ID:             newID(),
		Content:        content,
		Type:           memType,
		Source:         source,
		Importance:     importance,
		Embedding:      vec,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
	}

	if err := vm.store.Upsert(ctx, rec); err != nil {
		return MemoryRecord{}, fmt.Errorf("vectormemory: upsert: %w", err)
	}
	return rec, nil
}

// AddReflection stores content as a reflection memory, recording the
// ids of the memories it was synthesized from.
func (vm *VectorMemory) AddReflection(ctx context.Context, content string, sourceIDs []string) (MemoryRecord, error) {
	rec, err := vm.AddMemory(ctx, content, TypeReflection, "sleep_agent_daily", 5)
	if err != nil {
		return MemoryRecord{}, err
	}
	rec.SourceIDs = sourceIDs
	if err := vm.store.Upsert(ctx, rec); err != nil {
		return MemoryRecord{}, fmt.Errorf("vectormemory: upsert reflection sources: %w", err)
	}
	return rec, nil
}

// Search embeds query and returns up to limit non-superseded memories
// ranked by the three-factor score: 60% cosine similarity, 25%
// normalized importance, 15% recency/access strength. Returned
// memories have their access count and last-accessed time bumped.
func (vm *VectorMemory) Search(ctx context.Context, query string, limit int) ([]ScoredMemory, error) {
	vec, err := vm.gateway.Embed(ctx, query)
	if err != nil {
		vm.logger.Warn().Err(err).Msg("vectormemory: embedding unavailable, degrading search to empty result")
		return nil, nil
	}

	all, err := vm.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: list: %w", err)
	}

	now := vm.now()
	scored := make([]ScoredMemory, 0, len(all))
	for _, rec := range all {
		if rec.Superseded {
			continue
		}
		sim := cosineSimilarity(vec, rec.Embedding)
		strength := vm.strength(rec, now)
		score := 0.6*sim + 0.25*(float64(rec.Importance)/10.0) + 0.15*strength
		scored = append(scored, ScoredMemory{MemoryRecord: rec, Similarity: sim, Strength: strength, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	for i := range scored {
		scored[i].AccessCount++
		scored[i].LastAccessedAt = now
		if err := vm.store.Upsert(ctx, scored[i].MemoryRecord); err != nil {
			return nil, fmt.Errorf("vectormemory: record access: %w", err)
		}
	}
	return scored, nil
}

func (vm *VectorMemory) strength(rec MemoryRecord, now time.Time) float64 {
	days := now.Sub(rec.LastAccessedAt).Hours() / 24.0
	if days < 0 {
		days = 0
	}
	accessFactor := float64(rec.AccessCount)
	if accessFactor > 10 {
		accessFactor = 10
	}
	raw := math.Exp(-vm.decayRate*days) + 0.05*accessFactor + 0.1*(float64(rec.Importance)/10.0)
	return clamp01(raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MarkSuperseded flags id as superseded by a newer record, excluding it
// from future Search results without deleting it outright.
func (vm *VectorMemory) MarkSuperseded(ctx context.Context, id, supersededBy string) error {
	rec, ok, err := vm.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vectormemory: get %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("vectormemory: no memory with id %q", id)
	}
	rec.Superseded = true
	rec.SupersededBy = supersededBy
	return vm.store.Upsert(ctx, rec)
}

// DeleteMemory permanently removes a record, used by pruning.
func (vm *VectorMemory) DeleteMemory(ctx context.Context, id string) error {
	return vm.store.Delete(ctx, id)
}

// GetPruningCandidates returns low-strength, low-importance memories
// eligible for the daily consolidation pass to review for deletion:
// non-superseded records with importance <= maxImportance whose
// strength has decayed below pruneThreshold.
func (vm *VectorMemory) GetPruningCandidates(ctx context.Context, decayRate, pruneThreshold float64, maxImportance, limit int) ([]MemoryRecord, error) {
	all, err := vm.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: list: %w", err)
	}

	now := vm.now()
	saved := vm.decayRate
	vm.decayRate = decayRate
	defer func() { vm.decayRate = saved }()

	type candidate struct {
		rec      MemoryRecord
		strength float64
	}
	var candidates []candidate
	for _, rec := range all {
		if rec.Superseded || rec.Importance > maxImportance {
			continue
		}
		s := vm.strength(rec, now)
		if s < pruneThreshold {
			candidates = append(candidates, candidate{rec: rec, strength: s})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].strength < candidates[j].strength })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]MemoryRecord, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

// AddEntity unconditionally creates a new entity profile, returning its
// id. Name and entityType are required; aliases are lowercased on
// entry. Most callers want UpsertEntity instead, which folds repeat
// mentions into the existing record rather than creating a duplicate.
func (vm *VectorMemory) AddEntity(name, entityType, description string, importance int, aliases []string) (EntityRecord, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	now := vm.now()
	rec := &EntityRecord{
		ID:               newEntityID(),
		Name:             name,
		Aliases:          lowercaseAliases(aliases),
		EntityType:       normalizeEntityType(entityType),
		Description:      description,
		Importance:       clampEntityImportance(importance),
		FirstSeen:        now,
		LastSeen:         now,
		InteractionCount: 1,
	}
	vm.entities[rec.ID] = rec
	vm.rebuildNameCacheLocked()

	if err := vm.saveEntitiesLocked(); err != nil {
		return EntityRecord{}, err
	}
	return *rec, nil
}

// UpsertEntity implements the merge semantics an entity-aware agent
// needs on every mention: if an entity already exists whose name or
// any alias matches name case-insensitively, it is updated in place
// (description replaced when non-empty, importance bumped to the max
// of old and new, interaction_count incremented, last_seen refreshed,
// any new aliases folded in); otherwise a new entity is created.
func (vm *VectorMemory) UpsertEntity(name, entityType, description string, importance int, aliases []string) (EntityRecord, error) {
	vm.mu.Lock()

	if id, ok := vm.nameCache[strings.ToLower(name)]; ok {
		existing := vm.entities[id]
		if description != "" {
			existing.Description = description
		}
		if clamped := clampEntityImportance(importance); clamped > existing.Importance {
			existing.Importance = clamped
		}
		existing.InteractionCount++
		existing.LastSeen = vm.now()
		if entityType != "" {
			existing.EntityType = normalizeEntityType(entityType)
		}
		existing.Aliases = mergeAliases(existing.Aliases, aliases)
		vm.rebuildNameCacheLocked()

		if err := vm.saveEntitiesLocked(); err != nil {
			vm.mu.Unlock()
			return EntityRecord{}, err
		}
		result := *existing
		vm.mu.Unlock()
		return result, nil
	}
	vm.mu.Unlock()

	return vm.AddEntity(name, entityType, description, importance, aliases)
}

// GetEntity fetches an entity profile directly by id — a plain lookup,
// deliberately not routed through Search the way the original's
// entity-context helper did.
func (vm *VectorMemory) GetEntity(id string) (EntityRecord, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	e, ok := vm.entities[id]
	if !ok {
		return EntityRecord{}, false
	}
	return *e, true
}

// GetEntityByName looks up an entity by its exact name or any alias,
// case-insensitively.
func (vm *VectorMemory) GetEntityByName(name string) (EntityRecord, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	id, ok := vm.nameCache[strings.ToLower(name)]
	if !ok {
		return EntityRecord{}, false
	}
	return *vm.entities[id], true
}

// GetEntityNames returns a snapshot of the lowercased name/alias -> id
// cache that backs the facade's per-message entity scan.
func (vm *VectorMemory) GetEntityNames() map[string]string {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	out := make(map[string]string, len(vm.nameCache))
	for k, v := range vm.nameCache {
		out[k] = v
	}
	return out
}

// InvalidateEntityCache rebuilds the name/alias lookup cache from the
// current entity table. Exposed for API symmetry with callers that
// mutate entity state through other means; UpsertEntity and AddEntity
// already keep the cache current on their own.
func (vm *VectorMemory) InvalidateEntityCache() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.rebuildNameCacheLocked()
}

func (vm *VectorMemory) rebuildNameCacheLocked() {
	vm.nameCache = make(map[string]string, len(vm.entities))
	for id, e := range vm.entities {
		vm.nameCache[strings.ToLower(e.Name)] = id
		for _, a := range e.Aliases {
			vm.nameCache[a] = id
		}
	}
}

func lowercaseAliases(aliases []string) []string {
	if len(aliases) == 0 {
		return nil
	}
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range lowercaseAliases(incoming) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func (vm *VectorMemory) saveEntitiesLocked() error {
	list := make([]*EntityRecord, 0, len(vm.entities))
	for _, e := range vm.entities {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("vectormemory: marshal entities: %w", err)
	}
	dir := filepath.Dir(vm.entitiesPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectormemory: mkdir %s: %w", dir, err)
	}
	tmp := vm.entitiesPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vectormemory: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, vm.entitiesPath)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:6])
}
