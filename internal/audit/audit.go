// Package audit captures the event stream a lab run produces —
// classifications, LLM prompts/responses, outbound messages, errors —
// to a line-delimited JSON log, and diffs that stream across runs so a
// change in behavior between two scripted scenarios is visible as a
// concrete, itemized delta rather than a wall of raw logs.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"manifold/internal/classifier"
)

// Event types recorded by the collector.
const (
	EventClassification = "classification"
	EventPrompt         = "prompt"
	EventResponseSent   = "response_sent"
	EventError          = "error"
)

// Event is one captured occurrence in a lab run.
type Event struct {
	Type       string         `json:"type"`
	ChannelKey string         `json:"channel_key,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// PromptRecord is one LLM call's prompt and response, kept in its own
// stream since prompts/responses tend to be large and are usually
// inspected separately from the structured event stream.
type PromptRecord struct {
	Label     string    `json:"label"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Collector accumulates events and prompts during a lab run. It
// implements classifier.MetricsRecorder directly, so it can be wired
// in as the observatory hook for both the classifier and the
// consolidator without an adapter layer.
type Collector struct {
	mu      sync.Mutex
	events  []Event
	prompts []PromptRecord
	tracer  trace.Tracer
}

// New builds a Collector. tracer may be nil; it is stored but not used
// to start spans. Events are always captured to the in-memory/JSONL
// stream, and OTel span events are added to whatever span the ctx
// passed to each Record call carries, whether or not tracer is nil.
func New(tracer trace.Tracer) *Collector {
	return &Collector{tracer: tracer}
}

// RecordClassification implements classifier.MetricsRecorder.
func (c *Collector) RecordClassification(ctx context.Context, channelKey string, result classifier.Result) {
	c.append(Event{
		Type:       EventClassification,
		ChannelKey: channelKey,
		Timestamp:  time.Now(),
		Data: map[string]any{
			"classification": string(result.Classification),
			"confidence":     result.Confidence,
			"model_used":     result.ModelUsed,
			"reason":         result.Reason,
		},
	})

	if span := trace.SpanFromContext(ctx); span != nil {
		span.AddEvent(EventClassification, trace.WithAttributes(
			attribute.String("channel_key", channelKey),
			attribute.String("classification", string(result.Classification)),
			attribute.Float64("confidence", result.Confidence),
			attribute.String("model_used", result.ModelUsed),
		))
	}
}

// RecordPrompt implements classifier.MetricsRecorder.
func (c *Collector) RecordPrompt(ctx context.Context, label, prompt, response string) {
	c.mu.Lock()
	c.prompts = append(c.prompts, PromptRecord{Label: label, Prompt: prompt, Response: response, Timestamp: time.Now()})
	c.mu.Unlock()

	if span := trace.SpanFromContext(ctx); span != nil {
		span.AddEvent(EventPrompt, trace.WithAttributes(
			attribute.String("label", label),
		))
	}
}

// RecordEvent records a generic event (response sent, error, etc) not
// covered by the MetricsRecorder interface.
func (c *Collector) RecordEvent(ctx context.Context, eventType, channelKey string, data map[string]any) {
	c.append(Event{Type: eventType, ChannelKey: channelKey, Timestamp: time.Now(), Data: data})

	if span := trace.SpanFromContext(ctx); span != nil {
		attrs := []attribute.KeyValue{attribute.String("channel_key", channelKey)}
		span.AddEvent(eventType, trace.WithAttributes(attrs...))
	}
}

func (c *Collector) append(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Save writes every captured event, then every prompt, as JSONL to path.
func (c *Collector) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range c.events {
		record := map[string]any{"kind": "event", "event": e}
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("audit: encode event: %w", err)
		}
	}
	for _, p := range c.prompts {
		record := map[string]any{"kind": "prompt", "prompt": p}
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("audit: encode prompt: %w", err)
		}
	}
	return nil
}

// Load reads a Collector's state back from a JSONL file written by Save.
func Load(path string) (*Collector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	c := &Collector{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			return nil, fmt.Errorf("audit: parse line: %w", err)
		}
		var kind string
		if err := json.Unmarshal(raw["kind"], &kind); err != nil {
			return nil, fmt.Errorf("audit: parse kind: %w", err)
		}
		switch kind {
		case "event":
			var e Event
			if err := json.Unmarshal(raw["event"], &e); err != nil {
				return nil, fmt.Errorf("audit: parse event: %w", err)
			}
			c.events = append(c.events, e)
		case "prompt":
			var p PromptRecord
			if err := json.Unmarshal(raw["prompt"], &p); err != nil {
				return nil, fmt.Errorf("audit: parse prompt: %w", err)
			}
			c.prompts = append(c.prompts, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return c, nil
}

// GetEvents returns every captured event, optionally filtered by type
// ("" returns all).
func (c *Collector) GetEvents(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eventType == "" {
		out := make([]Event, len(c.events))
		copy(out, c.events)
		return out
	}
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// GetClassifications returns every classification event.
func (c *Collector) GetClassifications() []Event { return c.GetEvents(EventClassification) }

// GetResponses returns every response_sent event.
func (c *Collector) GetResponses() []Event { return c.GetEvents(EventResponseSent) }

// GetErrors returns every error event.
func (c *Collector) GetErrors() []Event { return c.GetEvents(EventError) }

// GetPrompts returns every captured prompt record.
func (c *Collector) GetPrompts() []PromptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PromptRecord, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// Summary is a compact overview of a collector's captured stream.
type Summary struct {
	TotalEvents            int            `json:"total_events"`
	TotalPrompts           int            `json:"total_prompts"`
	EventTypeCounts        map[string]int `json:"event_types"`
	ClassificationCounts   map[string]int `json:"classifications"`
	ErrorCount             int            `json:"errors"`
	ResponseCount          int            `json:"responses"`
}

// Summary tallies events by type and classifications by outcome.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		TotalEvents:          len(c.events),
		TotalPrompts:         len(c.prompts),
		EventTypeCounts:      make(map[string]int),
		ClassificationCounts: make(map[string]int),
	}
	for _, e := range c.events {
		s.EventTypeCounts[e.Type]++
		switch e.Type {
		case EventError:
			s.ErrorCount++
		case EventResponseSent:
			s.ResponseCount++
		case EventClassification:
			if cls, ok := e.Data["classification"].(string); ok {
				s.ClassificationCounts[cls]++
			}
		}
	}
	return s
}

// Clear empties the collector's captured state.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.prompts = nil
}
