// Package corememory implements the always-visible, token-budgeted
// section store described as Core Memory: a small set of named
// sections (identity, people, preferences, context, scratch), each
// with its own token budget, rendered into the agent's system prompt
// on every turn.
package corememory

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"manifold/internal/tokencount"
)

// DefaultImportance is used by AddEntry callers that don't care to pick
// one, mirroring the original's `add(section, content, importance=5)`.
const DefaultImportance = 5

// Entry is a single fact or note stored in one section.
type Entry struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Tokens     int    `json:"tokens"`
	Importance int    `json:"importance"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Section is a named, budgeted group of entries.
type Section struct {
	Label   string  `json:"label"`
	Budget  int     `json:"budget"`
	Entries []Entry `json:"entries"`
}

type document struct {
	Sections    map[string]*Section `json:"sections"`
	TokenBudget int                  `json:"token_budget"`
}

// clampImportance keeps importance within the documented 1..10 range
// rather than rejecting an out-of-range value.
func clampImportance(importance int) int {
	switch {
	case importance < 1:
		return 1
	case importance > 10:
		return 10
	default:
		return importance
	}
}

func nowStamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// sectionOrder fixes the rendering and iteration order; map iteration in
// Go is unordered, so core memory tracks it explicitly rather than
// relying on a sorted key listing (which would put "context" before
// "identity").
var sectionOrder = []string{"identity", "people", "preferences", "context", "scratch"}

// DefaultBudgets mirrors the five-section layout every fresh core memory
// starts with, tuned so identity and people (the sections most load
// bearing for conversational continuity) get the largest allowances.
var DefaultBudgets = map[string]int{
	"identity":    600,
	"people":      1200,
	"preferences": 800,
	"context":     600,
	"scratch":     800,
}

var sectionLabels = map[string]string{
	"identity":    "Who I Am",
	"people":      "People I Know",
	"preferences": "Preferences & Rules",
	"context":     "Current Context",
	"scratch":     "Working Notes",
}

// DefaultTokenBudget is the document-level budget new core memories
// start with, matching the original's `CoreMemory(..., token_budget=4000)`.
const DefaultTokenBudget = 4000

// contextSectionSuffix is appended to the context section's rendered
// header so the model doesn't mistake background notes for the live
// conversation transcript.
const contextSectionSuffix = " (background notes, NOT current conversation)"

// BudgetExceededError is returned by AddEntry/EditEntry when the write
// would push a section over its token budget.
type BudgetExceededError struct {
	Section   string
	Remaining int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("could not save — budget exceeded. You have %d tokens remaining in %s", e.Remaining, e.Section)
}

// NotFoundError is returned by EditEntry/DeleteEntry/FindEntry when no
// entry with the given id exists in any section.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no entry found with id %q", e.ID)
}

// CoreMemory is the always-visible, section-budgeted store. Safe for
// concurrent use: every public method holds an internal mutex for its
// duration, since the memory facade may be driven by a classifier
// goroutine and a consolidator goroutine in the same process.
type CoreMemory struct {
	mu          sync.Mutex
	path        string
	counter     *tokencount.Counter
	doc         document
	tokenBudget int
	logger      zerolog.Logger
}

// Load reads core memory from path, creating a fresh default-sectioned
// store if the file does not yet exist. A corrupt document is logged and
// reinitialized empty rather than treated as fatal, matching how the
// rest of this engine degrades on bad on-disk state instead of refusing
// to start. tokenBudget is the document-level budget (see
// memconfig.MemoryConfig.TokenBudget); a value <= 0 uses DefaultTokenBudget.
func Load(path string, counter *tokencount.Counter, tokenBudget int) (*CoreMemory, error) {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	cm := &CoreMemory{path: path, counter: counter, tokenBudget: tokenBudget, logger: log.Logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cm.doc = freshDocument(tokenBudget)
		return cm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("corememory: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		cm.logger.Warn().Err(err).Str("path", path).Msg("corememory: corrupt document, reinitializing empty")
		cm.doc = freshDocument(tokenBudget)
		return cm, nil
	}
	if doc.Sections == nil {
		doc = freshDocument(tokenBudget)
	}
	for _, key := range sectionOrder {
		if _, ok := doc.Sections[key]; !ok {
			doc.Sections[key] = &Section{Label: sectionLabels[key], Budget: DefaultBudgets[key]}
		}
	}
	cm.doc = doc
	cm.recount()
	return cm, nil
}

// SetLogger overrides the default global logger with a per-instance one,
// letting the Lab Harness inject a per-run logger.
func (cm *CoreMemory) SetLogger(logger zerolog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = logger
}

func freshDocument(tokenBudget int) document {
	doc := document{Sections: make(map[string]*Section, len(sectionOrder)), TokenBudget: tokenBudget}
	for _, key := range sectionOrder {
		doc.Sections[key] = &Section{
			Label:  sectionLabels[key],
			Budget: DefaultBudgets[key],
		}
	}
	return doc
}

// Save atomically persists core memory to its backing file.
func (cm *CoreMemory) Save() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.saveLocked()
}

func (cm *CoreMemory) saveLocked() error {
	cm.doc.TokenBudget = cm.tokenBudget
	data, err := json.MarshalIndent(cm.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("corememory: marshal: %w", err)
	}

	dir := filepath.Dir(cm.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("corememory: mkdir %s: %w", dir, err)
	}

	tmp := cm.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("corememory: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, cm.path); err != nil {
		return fmt.Errorf("corememory: rename %s -> %s: %w", tmp, cm.path, err)
	}
	return nil
}

func (cm *CoreMemory) recount() {
	for _, section := range cm.doc.Sections {
		for i, e := range section.Entries {
			section.Entries[i].Tokens = cm.counter.Count(e.Content)
		}
	}
}

func shortID() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// globalTokensLocked sums token usage across every section. Caller must
// hold cm.mu.
func (cm *CoreMemory) globalTokensLocked() int {
	total := 0
	for _, sec := range cm.doc.Sections {
		total += sectionTokens(sec)
	}
	return total
}

// AddEntry appends content as a new entry in section with the given
// importance (clamped to 1..10), returning BudgetExceededError (without
// mutating state) if the section's or the document's global token
// budget would be exceeded.
func (cm *CoreMemory) AddEntry(section, content string, importance int) (Entry, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sec, ok := cm.doc.Sections[section]
	if !ok {
		return Entry{}, fmt.Errorf("corememory: unknown section %q", section)
	}

	content = strings.TrimSpace(content)
	tokens := cm.counter.Count(content)
	used := sectionTokens(sec)
	if used+tokens > sec.Budget {
		return Entry{}, &BudgetExceededError{Section: section, Remaining: sec.Budget - used}
	}

	globalUsed := cm.globalTokensLocked()
	if globalUsed+tokens > cm.tokenBudget {
		return Entry{}, &BudgetExceededError{Section: "global", Remaining: cm.tokenBudget - globalUsed}
	}

	now := nowStamp()
	entry := Entry{
		ID:         shortID(),
		Content:    content,
		Tokens:     tokens,
		Importance: clampImportance(importance),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sec.Entries = append(sec.Entries, entry)
	return entry, nil
}

// EditEntry replaces the content and/or importance of the entry with
// id, wherever it lives, re-checking both that section's and the
// document's global budget against the new content. An importance of 0
// leaves the entry's current importance unchanged.
func (cm *CoreMemory) EditEntry(id, content string, importance int) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sec, idx := cm.findLocked(id)
	if sec == nil {
		return &NotFoundError{ID: id}
	}

	content = strings.TrimSpace(content)
	newTokens := cm.counter.Count(content)
	oldTokens := sec.Entries[idx].Tokens

	used := sectionTokens(sec) - oldTokens
	if used+newTokens > sec.Budget {
		return &BudgetExceededError{Section: sectionKeyOf(cm.doc, sec), Remaining: sec.Budget - used}
	}

	globalUsed := cm.globalTokensLocked() - oldTokens
	if globalUsed+newTokens > cm.tokenBudget {
		return &BudgetExceededError{Section: "global", Remaining: cm.tokenBudget - globalUsed}
	}

	sec.Entries[idx].Content = content
	sec.Entries[idx].Tokens = newTokens
	if importance != 0 {
		sec.Entries[idx].Importance = clampImportance(importance)
	}
	sec.Entries[idx].UpdatedAt = nowStamp()
	return nil
}

// DeleteEntry removes the entry with id from whichever section holds it.
func (cm *CoreMemory) DeleteEntry(id string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sec, idx := cm.findLocked(id)
	if sec == nil {
		return &NotFoundError{ID: id}
	}
	sec.Entries = append(sec.Entries[:idx], sec.Entries[idx+1:]...)
	return nil
}

// FindEntry returns the entry with id and the section key it lives in.
func (cm *CoreMemory) FindEntry(id string) (Entry, string, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sec, idx := cm.findLocked(id)
	if sec == nil {
		return Entry{}, "", false
	}
	return sec.Entries[idx], sectionKeyOf(cm.doc, sec), true
}

func (cm *CoreMemory) findLocked(id string) (*Section, int) {
	for _, sec := range cm.doc.Sections {
		for i, e := range sec.Entries {
			if e.ID == id {
				return sec, i
			}
		}
	}
	return nil, -1
}

func sectionKeyOf(doc document, target *Section) string {
	for key, sec := range doc.Sections {
		if sec == target {
			return key
		}
	}
	return ""
}

func sectionTokens(sec *Section) int {
	total := 0
	for _, e := range sec.Entries {
		total += e.Tokens
	}
	return total
}

// GetTotalTokens sums token usage across every section.
func (cm *CoreMemory) GetTotalTokens() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.globalTokensLocked()
}

// GetTotalBudget returns the document-level token budget (see
// memconfig.MemoryConfig.TokenBudget), not the sum of per-section budgets.
func (cm *CoreMemory) GetTotalBudget() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.tokenBudget
}

// GetSectionTokens returns current token usage for one section.
func (cm *CoreMemory) GetSectionTokens(section string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sec, ok := cm.doc.Sections[section]
	if !ok {
		return 0
	}
	return sectionTokens(sec)
}

// GetAllEntries returns a copy of every section's entries, keyed by
// section.
func (cm *CoreMemory) GetAllEntries() map[string][]Entry {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := make(map[string][]Entry, len(cm.doc.Sections))
	for key, sec := range cm.doc.Sections {
		entries := make([]Entry, len(sec.Entries))
		copy(entries, sec.Entries)
		out[key] = entries
	}
	return out
}

// IsOverBudget reports whether the document's global token budget is
// currently exceeded — the condition the daily consolidation pass's
// budget-review step reacts to. A single section sitting at its own cap
// is normal and does not trip this; AddEntry/EditEntry already refuse
// any write that would push a section over its own budget.
func (cm *CoreMemory) IsOverBudget() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.globalTokensLocked() > cm.tokenBudget
}

// BudgetRemaining returns the unused token allowance for section.
func (cm *CoreMemory) BudgetRemaining(section string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sec, ok := cm.doc.Sections[section]
	if !ok {
		return 0
	}
	return sec.Budget - sectionTokens(sec)
}

// GlobalBudgetRemaining returns the unused document-level token allowance.
func (cm *CoreMemory) GlobalBudgetRemaining() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	remaining := cm.tokenBudget - cm.globalTokensLocked()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RenderForContext renders the full core memory block as the exact
// markdown injected into the agent's system prompt: entries carry an
// `[id:<id>]` suffix so the agent can reference them for editing or
// deletion via the memory tools.
func (cm *CoreMemory) RenderForContext() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	total := cm.globalTokensLocked()

	var b strings.Builder
	fmt.Fprintf(&b, "## Core Memory (%d/%d tokens)\n\n", total, cm.tokenBudget)

	for _, key := range sectionOrder {
		sec, ok := cm.doc.Sections[key]
		if !ok || len(sec.Entries) == 0 {
			continue
		}
		header := sec.Label
		if key == "context" {
			header += contextSectionSuffix
		}
		fmt.Fprintf(&b, "### %s\n", header)
		for _, e := range sec.Entries {
			fmt.Fprintf(&b, "- %s [id:%s]\n", e.Content, e.ID)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
