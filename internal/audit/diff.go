package audit

import "fmt"

// ClassificationChange is one positional mismatch between two runs'
// classification events.
type ClassificationChange struct {
	Index    int    `json:"index"`
	Before   string `json:"before"`
	After    string `json:"after"`
	Confidence float64 `json:"confidence_delta"`
}

// ResponseChange is one positional mismatch between two runs' sent
// responses.
type ResponseChange struct {
	Index  int    `json:"index"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Diff is the result of comparing two collectors captured from two
// runs of (presumably) the same script. Comparison is positional —
// the Nth classification/response of run A is compared against the
// Nth of run B — which only makes sense for two runs of the same
// scripted scenario, not arbitrary runs.
type Diff struct {
	EventCountBefore map[string]int          `json:"event_count_before"`
	EventCountAfter  map[string]int          `json:"event_count_after"`
	Classifications  []ClassificationChange  `json:"classification_changes"`
	Responses        []ResponseChange        `json:"response_changes"`
	Summary          string                  `json:"summary"`
}

// Compare diffs two collectors positionally.
func Compare(before, after *Collector) Diff {
	beforeSummary := before.Summary()
	afterSummary := after.Summary()

	d := Diff{
		EventCountBefore: beforeSummary.EventTypeCounts,
		EventCountAfter:  afterSummary.EventTypeCounts,
	}

	d.Classifications = diffClassifications(before.GetClassifications(), after.GetClassifications())
	d.Responses = diffResponses(before.GetResponses(), after.GetResponses())
	d.Summary = buildSummary(d)
	return d
}

func diffClassifications(before, after []Event) []ClassificationChange {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	var changes []ClassificationChange
	for i := 0; i < n; i++ {
		b, _ := before[i].Data["classification"].(string)
		a, _ := after[i].Data["classification"].(string)
		if a == b {
			continue
		}
		bc, _ := before[i].Data["confidence"].(float64)
		ac, _ := after[i].Data["confidence"].(float64)
		changes = append(changes, ClassificationChange{
			Index:      i,
			Before:     b,
			After:      a,
			Confidence: ac - bc,
		})
	}
	return changes
}

func diffResponses(before, after []Event) []ResponseChange {
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	var changes []ResponseChange
	for i := 0; i < n; i++ {
		b, _ := before[i].Data["text"].(string)
		a, _ := after[i].Data["text"].(string)
		if a == b {
			continue
		}
		changes = append(changes, ResponseChange{Index: i, Before: b, After: a})
	}
	return changes
}

func buildSummary(d Diff) string {
	if len(d.Classifications) == 0 && len(d.Responses) == 0 {
		return "no behavioral differences detected"
	}
	return fmt.Sprintf("%d classification change(s), %d response change(s)", len(d.Classifications), len(d.Responses))
}
