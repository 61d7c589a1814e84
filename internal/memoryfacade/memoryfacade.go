// Package memoryfacade composes core memory, vector memory, and the
// diary log into the single API the conversational agent and the
// subconscious classifier/consolidator actually drive: one place to
// ask "what should be in context right now."
package memoryfacade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"manifold/internal/corememory"
	"manifold/internal/vectormemory"
)

// MaxDiaryEntries bounds how many individual diary entries (not files)
// are folded into GetMemoryContext, so a long-lived agent's diary
// doesn't grow the per-turn context linearly with its lifetime.
const MaxDiaryEntries = 7

// DefaultDiaryContextDays is how many calendar days of diary files are
// considered before MaxDiaryEntries trims the result, when the caller
// doesn't supply memconfig.MemoryConfig.DiaryContextDays.
const DefaultDiaryContextDays = 3

var diaryHeaderLine = regexp.MustCompile(`(?m)^\[[0-9:]{5,8}\] participants=.*\n?`)
var excessBlankLines = regexp.MustCompile(`\n{3,}`)

// MemorySystem is the facade over core memory, vector memory, and the
// diary log.
type MemorySystem struct {
	core             *corememory.CoreMemory
	vector           *vectormemory.VectorMemory
	diaryDir         string
	diaryContextDays int
	now              func() time.Time
}

// New composes an already-loaded CoreMemory and VectorMemory with a
// diary directory. diaryContextDays is the number of trailing calendar
// dates GetMemoryContext folds in; values <= 0 fall back to
// DefaultDiaryContextDays.
func New(core *corememory.CoreMemory, vector *vectormemory.VectorMemory, diaryDir string, diaryContextDays int) *MemorySystem {
	if diaryContextDays <= 0 {
		diaryContextDays = DefaultDiaryContextDays
	}
	return &MemorySystem{core: core, vector: vector, diaryDir: diaryDir, diaryContextDays: diaryContextDays, now: time.Now}
}

// Core returns the underlying core memory store.
func (m *MemorySystem) Core() *corememory.CoreMemory { return m.core }

// Vector returns the underlying vector memory store.
func (m *MemorySystem) Vector() *vectormemory.VectorMemory { return m.vector }

// GetMemoryContext renders the block injected into every turn: core
// memory's sections followed by recent diary entries.
func (m *MemorySystem) GetMemoryContext() (string, error) {
	var b strings.Builder
	b.WriteString(m.core.RenderForContext())

	diary, err := m.loadRecentDiary()
	if err != nil {
		return "", fmt.Errorf("memoryfacade: load diary: %w", err)
	}
	if diary != "" {
		b.WriteString("\n## Recent Diary\n\n")
		b.WriteString(diary)
	}
	return b.String(), nil
}

// GetRelevantContext returns a "Retrieved Memories" block (top 5 vector
// search hits) plus an "Entity Context" block built by lowercase-
// scanning message against the known entity name/alias cache. Either
// block is omitted when empty; the result is "" when both are.
func (m *MemorySystem) GetRelevantContext(ctx context.Context, message string) (string, error) {
	results, err := m.vector.Search(ctx, message, 5)
	if err != nil {
		return "", fmt.Errorf("memoryfacade: search: %w", err)
	}

	var b strings.Builder
	if len(results) > 0 {
		b.WriteString("## Retrieved Memories\n\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", r.Content)
		}
	}

	entities := m.scanEntities(message)
	if len(entities) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Entity Context\n\n")
		for _, e := range entities {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", e.Name, e.EntityType, e.Description)
		}
	}
	return b.String(), nil
}

// scanEntities lowercases message and checks it for every known entity
// name/alias, returning the matched entity records deduplicated by id
// and ordered by name for stable rendering.
func (m *MemorySystem) scanEntities(message string) []vectormemory.EntityRecord {
	lower := strings.ToLower(message)
	names := m.vector.GetEntityNames()

	seen := make(map[string]bool)
	var matches []vectormemory.EntityRecord
	for nameOrAlias, id := range names {
		if seen[id] || !strings.Contains(lower, nameOrAlias) {
			continue
		}
		entity, ok := m.vector.GetEntity(id)
		if !ok {
			continue
		}
		seen[id] = true
		matches = append(matches, entity)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	return matches
}

// GetEntityContext fetches an entity profile directly by id and renders
// it as a context block. Deliberately a direct store lookup rather than
// routing through Search, avoiding the quirk in the system this facade
// is modeled on where entity lookups were folded into similarity search.
func (m *MemorySystem) GetEntityContext(entityID string) (string, bool) {
	entity, ok := m.vector.GetEntity(entityID)
	if !ok {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", entity.Name)
	if entity.Description != "" {
		b.WriteString(entity.Description)
		b.WriteString("\n")
	}
	return b.String(), true
}

// InvalidateEntityCache forwards to vector memory, retained so callers
// that touched entity state via the facade don't need to know which
// layer actually owns the cache.
func (m *MemorySystem) InvalidateEntityCache() { m.vector.InvalidateEntityCache() }

// WriteDiaryEntry appends a dated entry to today's diary file, tagged
// with the given participant names.
func (m *MemorySystem) WriteDiaryEntry(content string, participants []string) error {
	if err := os.MkdirAll(m.diaryDir, 0o755); err != nil {
		return fmt.Errorf("memoryfacade: mkdir %s: %w", m.diaryDir, err)
	}

	now := m.now()
	path := filepath.Join(m.diaryDir, now.Format("2006-01-02")+".md")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memoryfacade: open %s: %w", path, err)
	}
	defer f.Close()

	header := fmt.Sprintf("[%s] participants=%s\n", now.Format("15:04:05"), strings.Join(participants, ","))
	if _, err := f.WriteString(header + content + "\n\n"); err != nil {
		return fmt.Errorf("memoryfacade: write %s: %w", path, err)
	}
	return nil
}

// dayEntries holds one date's diary file split into its blank-line-
// separated entries, after header-line stripping and blank-run
// collapsing.
type dayEntries struct {
	date    string // YYYY-MM-DD
	entries []string
}

// loadRecentDiary loads diary files for the last diaryContextDays
// calendar dates, splits each day's file into blank-line-separated
// entries, keeps the last MaxDiaryEntries entries across all of those
// days, and regroups the survivors by day under a "### <date>" header.
func (m *MemorySystem) loadRecentDiary() (string, error) {
	if _, err := os.Stat(m.diaryDir); os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("read diary dir %s: %w", m.diaryDir, err)
	}

	today := m.now()
	var days []dayEntries
	for i := m.diaryContextDays - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		data, err := os.ReadFile(filepath.Join(m.diaryDir, date+".md"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read diary file %s.md: %w", date, err)
		}

		cleaned := diaryHeaderLine.ReplaceAllString(string(data), "")
		cleaned = excessBlankLines.ReplaceAllString(cleaned, "\n\n")
		var entries []string
		for _, e := range strings.Split(cleaned, "\n\n") {
			e = strings.TrimSpace(e)
			if e != "" {
				entries = append(entries, e)
			}
		}
		if len(entries) > 0 {
			days = append(days, dayEntries{date: date, entries: entries})
		}
	}
	if len(days) == 0 {
		return "", nil
	}

	total := 0
	for _, d := range days {
		total += len(d.entries)
	}
	drop := total - MaxDiaryEntries
	for drop > 0 && len(days) > 0 {
		first := &days[0]
		if drop >= len(first.entries) {
			drop -= len(first.entries)
			days = days[1:]
			continue
		}
		first.entries = first.entries[drop:]
		drop = 0
	}

	var b strings.Builder
	for i, d := range days {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### %s\n\n", d.date)
		b.WriteString(strings.Join(d.entries, "\n\n"))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
