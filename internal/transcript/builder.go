// Package transcript turns canonical updates into an append-only chat log.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/acp-engine/internal/content"
	"github.com/workspace/acp-engine/internal/toolcalls"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one transcript entry. Entries are never mutated after append.
type ChatMessage struct {
	ID        string
	Role      Role
	Parts     []content.Block
	Meta      map[string]any
	Timestamp time.Time
}

// Text joins the text parts of the message.
func (m ChatMessage) Text() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Type == content.BlockText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ModeSink receives authoritative mode changes reported by the agent.
type ModeSink func(sessionID, modeID string)

// Builder appends chat messages in arrival order.
type Builder struct {
	tracker  *toolcalls.Tracker
	modeSink ModeSink
	now      func() time.Time

	mu       sync.Mutex
	messages []ChatMessage
}

// Option configures a Builder.
type Option func(*Builder)

// WithModeSink routes mode updates to sink.
func WithModeSink(sink ModeSink) Option {
	return func(b *Builder) { b.modeSink = sink }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder returns a builder that folds tool calls through tracker.
func NewBuilder(tracker *toolcalls.Tracker, opts ...Option) *Builder {
	b := &Builder{tracker: tracker, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append converts u into zero or more messages, appends them and returns them.
func (b *Builder) Append(u content.Update) []ChatMessage {
	var out []ChatMessage

	switch u.Kind {
	case content.KindUserMessageChunk:
		if parts := visible(u.Content); len(parts) > 0 {
			out = append(out, b.message(RoleUser, parts, nil))
		}
	case content.KindAgentMessageChunk:
		if parts := visible(u.Content); len(parts) > 0 {
			out = append(out, b.message(RoleAssistant, parts, nil))
		}
	case content.KindAgentThoughtChunk:
		if parts := visible(u.Content); len(parts) > 0 {
			out = append(out, b.message(RoleAssistant, parts, map[string]any{"thought": true}))
		}
	case content.KindToolCall, content.KindToolCallUpdate:
		rec, ok := b.tracker.Apply(u)
		if !ok {
			break
		}
		parts := append([]content.Block{content.TextBlock(toolcalls.Header(rec))}, visible(rec.Content)...)
		out = append(out, b.message(RoleTool, parts, map[string]any{
			"id":     rec.ID,
			"status": rec.Status,
			"name":   rec.Name,
		}))
	case content.KindPlan:
		if len(u.Plan) == 0 {
			break
		}
		lines := make([]string, 0, len(u.Plan)+1)
		lines = append(lines, "Plan:")
		for _, e := range u.Plan {
			lines = append(lines, "- "+e.Content)
		}
		out = append(out, b.system(strings.Join(lines, "\n")))
	case content.KindAvailableCommandsUpdate:
		if len(u.Commands) == 0 {
			break
		}
		lines := make([]string, 0, len(u.Commands)+1)
		lines = append(lines, "Available commands:")
		for _, c := range u.Commands {
			line := "- /" + c.Name
			if c.Description != "" {
				line += ": " + c.Description
			}
			lines = append(lines, line)
		}
		out = append(out, b.system(strings.Join(lines, "\n")))
	case content.KindModeUpdated, content.KindCurrentModeUpdate:
		if u.ModeID == "" {
			break
		}
		if b.modeSink != nil {
			b.modeSink(u.SessionID, u.ModeID)
		}
		out = append(out, b.system(fmt.Sprintf("Mode changed to %s", u.ModeID)))
	default:
		if text := meaningfulText(u); text != "" {
			out = append(out, b.system(text))
		}
	}

	if len(out) == 0 {
		return nil
	}
	b.mu.Lock()
	b.messages = append(b.messages, out...)
	b.mu.Unlock()
	return out
}

// AppendUser records a prompt the user submitted locally.
func (b *Builder) AppendUser(text string) (ChatMessage, bool) {
	parts := visible([]content.Block{content.TextBlock(text)})
	if len(parts) == 0 {
		return ChatMessage{}, false
	}
	msg := b.message(RoleUser, parts, map[string]any{"local": true})
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	return msg, true
}

// AppendSystem records an engine notice.
func (b *Builder) AppendSystem(text string) (ChatMessage, bool) {
	if content.TextBlock(text).IsPlaceholder() {
		return ChatMessage{}, false
	}
	msg := b.system(text)
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	return msg, true
}

// Messages returns a copy of the transcript.
func (b *Builder) Messages() []ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ChatMessage, len(b.messages))
	for i, m := range b.messages {
		m.Parts = append([]content.Block(nil), m.Parts...)
		if m.Meta != nil {
			meta := make(map[string]any, len(m.Meta))
			for k, v := range m.Meta {
				meta[k] = v
			}
			m.Meta = meta
		}
		out[i] = m
	}
	return out
}

// Len returns the number of entries.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

func (b *Builder) message(role Role, parts []content.Block, meta map[string]any) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Parts:     parts,
		Meta:      meta,
		Timestamp: b.now(),
	}
}

func (b *Builder) system(text string) ChatMessage {
	return b.message(RoleSystem, []content.Block{content.TextBlock(text)}, nil)
}

// visible drops placeholder text blocks. The normalizer already does this for
// wire updates; updates built in-process get the same treatment here.
func visible(blocks []content.Block) []content.Block {
	out := make([]content.Block, 0, len(blocks))
	for _, blk := range blocks {
		if !blk.IsPlaceholder() {
			out = append(out, blk)
		}
	}
	return out
}

func meaningfulText(u content.Update) string {
	if !content.TextBlock(u.Text).IsPlaceholder() {
		return strings.TrimSpace(u.Text)
	}
	var texts []string
	for _, blk := range visible(u.Content) {
		if blk.Type == content.BlockText {
			texts = append(texts, blk.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}
