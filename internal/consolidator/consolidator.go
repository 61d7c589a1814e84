// Package consolidator implements sleep-time consolidation: the
// background maintenance pass that turns raw conversation text into
// durable facts and entity profiles (the idle path), and periodically
// reflects on, prunes, and rebalances the memory store as a whole (the
// daily path).
package consolidator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"manifold/internal/classifier"
	"manifold/internal/corememory"
	"manifold/internal/llmjson"
	"manifold/internal/llmprovider"
	"manifold/internal/memoryfacade"
	"manifold/internal/vectormemory"
)

const extractFactsPrompt = `Extract durable facts and named entities from the conversation text below. A fact is a single, atomic, standalone statement that will still make sense read in isolation months from now — skip anything tied to the moment (weather right now, what time it is).

Respond ONLY with JSON of this exact shape:
{"facts":["fact one", "fact two"],"entities":[{"name":"...","entity_type":"person","description":"...","importance":5,"aliases":["..."]}]}
entity_type is one of person, place, project, organization, other.

Conversation text:
%s`

const contradictionCheckPrompt = `An existing memory may be contradicted by a new fact. Decide whether to keep the new fact (superseding the old one) or keep the existing memory as-is.

Existing memory: %s
New fact: %s

Respond ONLY with JSON: {"keep":"new"|"existing","reason":"brief"}`

const reflectionPrompt = `Given the following memories, write one or two sentences of reflection: a higher-level observation, pattern, or synthesis that isn't explicitly stated in any single memory.

Memories:
%s

Respond ONLY with JSON: {"reflection":"..."}`

const pruningPrompt = `Decide whether this low-importance, rarely-accessed memory is still worth keeping.

Memory: %s

Respond ONLY with JSON: {"decision":"keep"|"prune","reason":"brief"}`

const coreReviewPrompt = `Core memory is over its token budget. Decide whether this entry should stay in core memory or be archived to long-term memory (it remains searchable, just no longer always-visible).

Entry: %s

Respond ONLY with JSON: {"decision":"keep"|"archive","reason":"brief"}`

// contradictionThreshold is the minimum similarity score against an
// existing memory before a new fact is even worth running through the
// contradiction-check prompt.
const contradictionThreshold = 0.5

// IdleResult summarizes one idle-path consolidation pass.
type IdleResult struct {
	FactsAdded      int
	EntitiesUpdated int
}

// DailyResult summarizes one daily-path consolidation pass.
type DailyResult struct {
	ReflectionsAdded     int
	MemoriesPruned       int
	CoreEntriesArchived  int
}

type entityExtraction struct {
	Name        string   `json:"name"`
	EntityType  string   `json:"entity_type"`
	Description string   `json:"description"`
	Importance  int      `json:"importance"`
	Aliases     []string `json:"aliases"`
}

// Consolidator runs idle and daily consolidation passes over a
// MemorySystem, sharing the same observatory hook interface the
// classifier uses since it too makes at most a handful of provider
// calls per pass.
type Consolidator struct {
	provider    llmprovider.Provider
	model       string
	memory      *memoryfacade.MemorySystem
	observatory classifier.MetricsRecorder
	logger      zerolog.Logger
}

// New builds a Consolidator. observatory may be nil.
func New(provider llmprovider.Provider, model string, memory *memoryfacade.MemorySystem, observatory classifier.MetricsRecorder) *Consolidator {
	return &Consolidator{provider: provider, model: model, memory: memory, observatory: observatory, logger: log.Logger}
}

// SetLogger overrides the default global logger with a per-instance one,
// letting the Lab Harness inject a per-run logger.
func (c *Consolidator) SetLogger(logger zerolog.Logger) { c.logger = logger }

func (c *Consolidator) call(ctx context.Context, prompt string) (string, error) {
	resp, err := c.provider.Chat(ctx, []llmprovider.Message{{Role: "user", Content: prompt}}, nil, c.model, 1024, 0.3)
	if err != nil {
		return "", fmt.Errorf("consolidator: llm call: %w", err)
	}
	if c.observatory != nil {
		c.observatory.RecordPrompt(ctx, "consolidator", prompt, resp.Content)
	}
	return resp.Content, nil
}

// ProcessIdle extracts facts and entities from text (conversation
// content supplied by the caller — consolidation has no access to a
// session log of its own), resolves contradictions against existing
// memory, and writes a diary entry if at least one fact was added.
func (c *Consolidator) ProcessIdle(ctx context.Context, text string) (IdleResult, error) {
	raw, err := c.call(ctx, fmt.Sprintf(extractFactsPrompt, text))
	if err != nil {
		return IdleResult{}, err
	}

	var extracted struct {
		Facts    []string           `json:"facts"`
		Entities []entityExtraction `json:"entities"`
	}
	if err := llmjson.ExtractInto(raw, &extracted); err != nil {
		return IdleResult{}, fmt.Errorf("consolidator: parse extraction: %w", err)
	}

	result := IdleResult{}

	for _, fact := range extracted.Facts {
		added, err := c.addFactWithContradictionCheck(ctx, fact)
		if err != nil {
			return result, err
		}
		if added {
			result.FactsAdded++
		}
	}

	for _, e := range extracted.Entities {
		if e.Name == "" {
			continue
		}
		importance := e.Importance
		if importance == 0 {
			importance = corememory.DefaultImportance
		}
		if _, err := c.memory.Vector().UpsertEntity(e.Name, e.EntityType, e.Description, importance, e.Aliases); err != nil {
			return result, fmt.Errorf("consolidator: upsert entity %q: %w", e.Name, err)
		}
		result.EntitiesUpdated++
	}
	if result.EntitiesUpdated > 0 {
		c.memory.InvalidateEntityCache()
	}

	if result.FactsAdded > 0 {
		if err := c.memory.WriteDiaryEntry(
			fmt.Sprintf("Learned %d new fact(s) and updated %d entity profile(s).", result.FactsAdded, result.EntitiesUpdated),
			nil,
		); err != nil {
			return result, fmt.Errorf("consolidator: write diary: %w", err)
		}
	}

	return result, nil
}

func (c *Consolidator) addFactWithContradictionCheck(ctx context.Context, fact string) (bool, error) {
	matches, err := c.memory.Vector().Search(ctx, fact, 1)
	if err != nil {
		return false, fmt.Errorf("consolidator: search for contradiction: %w", err)
	}

	if len(matches) > 0 && matches[0].Similarity >= contradictionThreshold {
		existing := matches[0]
		raw, err := c.call(ctx, fmt.Sprintf(contradictionCheckPrompt, existing.Content, fact))
		if err != nil {
			return false, err
		}
		var decision struct {
			Keep   string `json:"keep"`
			Reason string `json:"reason"`
		}
		if err := llmjson.ExtractInto(raw, &decision); err != nil {
			return false, fmt.Errorf("consolidator: parse contradiction decision: %w", err)
		}
		if decision.Keep != "new" {
			return false, nil
		}
		newRec, err := c.memory.Vector().AddMemory(ctx, fact, vectormemory.TypeFact, "sleep_agent_idle", 5)
		if err != nil {
			return false, fmt.Errorf("consolidator: add fact: %w", err)
		}
		if err := c.memory.Vector().MarkSuperseded(ctx, existing.ID, newRec.ID); err != nil {
			return false, fmt.Errorf("consolidator: mark superseded: %w", err)
		}
		return true, nil
	}

	if _, err := c.memory.Vector().AddMemory(ctx, fact, vectormemory.TypeFact, "sleep_agent_idle", 5); err != nil {
		return false, fmt.Errorf("consolidator: add fact: %w", err)
	}
	return true, nil
}

// ProcessDaily runs the reflections, pruning, and core-budget review
// passes in sequence, writing a single summary diary entry at the end.
func (c *Consolidator) ProcessDaily(ctx context.Context) (DailyResult, error) {
	result := DailyResult{}

	reflections, err := c.generateReflections(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("consolidator: reflection pass failed")
		return result, err
	}
	result.ReflectionsAdded = reflections

	pruned, err := c.pruneWeakMemories(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("consolidator: pruning pass failed")
		return result, err
	}
	result.MemoriesPruned = pruned

	archived, err := c.reviewCoreBudget(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("consolidator: core budget review failed")
		return result, err
	}
	result.CoreEntriesArchived = archived

	if err := c.memory.WriteDiaryEntry(
		fmt.Sprintf("Daily consolidation: %d reflection(s), %d memory(ies) pruned, %d core entry(ies) archived.",
			result.ReflectionsAdded, result.MemoriesPruned, result.CoreEntriesArchived),
		nil,
	); err != nil {
		return result, fmt.Errorf("consolidator: write daily diary: %w", err)
	}

	return result, nil
}

func (c *Consolidator) generateReflections(ctx context.Context) (int, error) {
	matches, err := c.memory.Vector().Search(ctx, "summary of recent notable events and facts", 15)
	if err != nil {
		return 0, fmt.Errorf("consolidator: search for reflection context: %w", err)
	}
	if len(matches) < 3 {
		return 0, nil
	}

	var memoryContext strings.Builder
	for _, m := range matches {
		memoryContext.WriteString("- ")
		memoryContext.WriteString(m.Content)
		memoryContext.WriteString("\n")
	}

	raw, err := c.call(ctx, fmt.Sprintf(reflectionPrompt, memoryContext.String()))
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Reflection string `json:"reflection"`
	}
	if err := llmjson.ExtractInto(raw, &parsed); err != nil {
		return 0, fmt.Errorf("consolidator: parse reflection: %w", err)
	}
	if strings.TrimSpace(parsed.Reflection) == "" {
		return 0, nil
	}

	topN := matches
	if len(topN) > 5 {
		topN = topN[:5]
	}
	sourceIDs := make([]string, len(topN))
	for i, m := range topN {
		sourceIDs[i] = m.ID
	}

	if _, err := c.memory.Vector().AddReflection(ctx, parsed.Reflection, sourceIDs); err != nil {
		return 0, fmt.Errorf("consolidator: add reflection: %w", err)
	}
	return 1, nil
}

func (c *Consolidator) pruneWeakMemories(ctx context.Context) (int, error) {
	candidates, err := c.memory.Vector().GetPruningCandidates(ctx, vectormemory.DefaultDecayRate, 0.2, 4, 20)
	if err != nil {
		return 0, fmt.Errorf("consolidator: get pruning candidates: %w", err)
	}

	pruned := 0
	for _, candidate := range candidates {
		raw, err := c.call(ctx, fmt.Sprintf(pruningPrompt, candidate.Content))
		if err != nil {
			return pruned, err
		}
		var decision struct {
			Decision string `json:"decision"`
		}
		if err := llmjson.ExtractInto(raw, &decision); err != nil {
			return pruned, fmt.Errorf("consolidator: parse pruning decision: %w", err)
		}
		if decision.Decision != "prune" {
			continue
		}
		if err := c.memory.Vector().DeleteMemory(ctx, candidate.ID); err != nil {
			return pruned, fmt.Errorf("consolidator: delete pruned memory: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

func (c *Consolidator) reviewCoreBudget(ctx context.Context) (int, error) {
	core := c.memory.Core()
	if !core.IsOverBudget() {
		return 0, nil
	}

	archived := 0
	for section, entries := range core.GetAllEntries() {
		for _, entry := range entries {
			raw, err := c.call(ctx, fmt.Sprintf(coreReviewPrompt, entry.Content))
			if err != nil {
				return archived, err
			}
			var decision struct {
				Decision string `json:"decision"`
			}
			if err := llmjson.ExtractInto(raw, &decision); err != nil {
				return archived, fmt.Errorf("consolidator: parse core review decision: %w", err)
			}
			if decision.Decision != "archive" {
				continue
			}
			if err := core.DeleteEntry(entry.ID); err != nil {
				return archived, fmt.Errorf("consolidator: delete core entry %s/%s: %w", section, entry.ID, err)
			}
			if _, err := c.memory.Vector().AddMemory(ctx, entry.Content, vectormemory.TypeArchivedCore, "core_budget_review", 4); err != nil {
				return archived, fmt.Errorf("consolidator: archive core entry: %w", err)
			}
			archived++
			if !core.IsOverBudget() {
				return archived, nil
			}
		}
	}
	return archived, nil
}
