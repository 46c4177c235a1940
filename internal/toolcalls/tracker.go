// Package toolcalls folds tool_call and tool_call_update events into one
// evolving record per tool call id.
package toolcalls

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/workspace/acp-engine/internal/content"
)

// Status values observed on the wire. Other strings are kept as-is.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Record is the merged state of one tool call.
type Record struct {
	ID        string
	Status    string
	Name      string
	Kind      string
	RawInput  map[string]any
	Locations []content.Location
	Content   []content.Block
}

func (r Record) clone() Record {
	out := r
	if r.RawInput != nil {
		out.RawInput = make(map[string]any, len(r.RawInput))
		for k, v := range r.RawInput {
			out.RawInput[k] = v
		}
	}
	if r.Locations != nil {
		out.Locations = append([]content.Location(nil), r.Locations...)
	}
	if r.Content != nil {
		out.Content = append([]content.Block(nil), r.Content...)
	}
	return out
}

// Tracker owns the tool call records of one engine instance.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Apply folds a canonical update into the tracked records and returns the
// resulting record. It reports false for updates that are not tool calls.
//
// A tool_call creates or replaces the record. A tool_call_update merges into
// it: fields present on the update overwrite, content appends. Status is last
// write wins; downgrades such as completed -> pending are accepted.
func (t *Tracker) Apply(u content.Update) (Record, bool) {
	if (u.Kind != content.KindToolCall && u.Kind != content.KindToolCallUpdate) || u.ToolCall == nil {
		return Record{}, false
	}
	tc := u.ToolCall

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.records[tc.ID]
	if u.Kind == content.KindToolCall || !exists {
		if !exists {
			t.order = append(t.order, tc.ID)
		} else {
			slog.Debug("toolcalls: replacing record", "toolCallId", tc.ID)
		}
		rec = &Record{
			ID:        tc.ID,
			Status:    tc.Status,
			Name:      tc.Name,
			Kind:      tc.ToolKind,
			RawInput:  tc.RawInput,
			Locations: tc.Locations,
			Content:   append([]content.Block(nil), tc.Content...),
		}
		t.records[tc.ID] = rec
		return rec.clone(), true
	}

	if tc.Status != "" {
		rec.Status = tc.Status
	}
	if tc.Name != "" {
		rec.Name = tc.Name
	}
	if tc.ToolKind != "" {
		rec.Kind = tc.ToolKind
	}
	if tc.RawInput != nil {
		rec.RawInput = tc.RawInput
	}
	if tc.Locations != nil {
		rec.Locations = tc.Locations
	}
	rec.Content = append(rec.Content, tc.Content...)
	return rec.clone(), true
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot returns copies of all records in first-seen order.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.records[id].clone())
	}
	return out
}

// Reset drops every record, e.g. when a new session starts.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
	t.order = nil
}

// Header renders the display line for a record:
//
//	[tool {status}] {name} ({id}) path: X abs_path: Y locations: N
//
// The trailing parts appear only when present.
func Header(r Record) string {
	status := r.Status
	if status == "" {
		status = StatusPending
	}
	name := r.Name
	if name == "" {
		name = "tool"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[tool %s] %s (%s)", status, name, r.ID)
	if p := inputString(r.RawInput, "path", "file_path", "filePath"); p != "" {
		fmt.Fprintf(&b, " path: %s", p)
	}
	if p := inputString(r.RawInput, "abs_path", "absPath", "absolute_path"); p != "" {
		fmt.Fprintf(&b, " abs_path: %s", p)
	}
	if len(r.Locations) > 0 {
		fmt.Fprintf(&b, " locations: %d", len(r.Locations))
	}
	return b.String()
}

func inputString(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
