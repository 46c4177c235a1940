// Package content defines the canonical update and content-block model and
// normalizes heterogeneous agent payloads into it. Every downstream consumer
// works on these types only, never on raw wire maps.
package content

import (
	"encoding/json"
	"strings"
)

// Kind is the logical type of a streaming update.
type Kind string

const (
	KindUserMessageChunk        Kind = "user_message_chunk"
	KindAgentMessageChunk       Kind = "agent_message_chunk"
	KindAgentThoughtChunk       Kind = "agent_thought_chunk"
	KindToolCall                Kind = "tool_call"
	KindToolCallUpdate          Kind = "tool_call_update"
	KindPlan                    Kind = "plan"
	KindAvailableCommandsUpdate Kind = "available_commands_update"
	KindModeUpdated             Kind = "mode_updated"
	KindCurrentModeUpdate       Kind = "current_mode_update"
	KindTerminalOutput          Kind = "terminal_output"
	KindUnknown                 Kind = "unknown"
)

var knownKinds = map[string]Kind{
	string(KindUserMessageChunk):        KindUserMessageChunk,
	string(KindAgentMessageChunk):       KindAgentMessageChunk,
	string(KindAgentThoughtChunk):       KindAgentThoughtChunk,
	string(KindToolCall):                KindToolCall,
	string(KindToolCallUpdate):          KindToolCallUpdate,
	string(KindPlan):                    KindPlan,
	string(KindAvailableCommandsUpdate): KindAvailableCommandsUpdate,
	string(KindModeUpdated):             KindModeUpdated,
	string(KindCurrentModeUpdate):       KindCurrentModeUpdate,
	string(KindTerminalOutput):          KindTerminalOutput,
}

// BlockType is the tag of a ContentBlock.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockImage        BlockType = "image"
	BlockAudio        BlockType = "audio"
	BlockResourceLink BlockType = "resource_link"
	BlockResource     BlockType = "resource"
	BlockDiff         BlockType = "diff"
	BlockTerminal     BlockType = "terminal"
)

// Block is one typed unit of message content.
type Block struct {
	Type       BlockType
	Text       string
	Data       string // base64 payload for image/audio, blob for resources
	MimeType   string
	URI        string
	Name       string
	Path       string // diff target
	OldText    *string
	NewText    string
	TerminalID string
}

// TextBlock returns a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ResourceBlock returns an inline resource block carrying file text.
func ResourceBlock(uri, text, mimeType string) Block {
	return Block{Type: BlockResource, URI: uri, Text: text, MimeType: mimeType}
}

// ResourceLinkBlock returns a link the agent may fetch on demand.
func ResourceLinkBlock(uri, name string) Block {
	return Block{Type: BlockResourceLink, URI: uri, Name: name}
}

// IsPlaceholder reports whether b is a text block that carries nothing worth showing.
func (b Block) IsPlaceholder() bool {
	if b.Type != BlockText {
		return false
	}
	trimmed := strings.TrimSpace(b.Text)
	return trimmed == "" || strings.EqualFold(trimmed, "(no content)")
}

// Map renders the block in its wire shape.
func (b Block) Map() map[string]any {
	m := map[string]any{"type": string(b.Type)}
	switch b.Type {
	case BlockText:
		m["text"] = b.Text
	case BlockImage, BlockAudio:
		setIf(m, "data", b.Data)
		setIf(m, "mimeType", b.MimeType)
		setIf(m, "uri", b.URI)
	case BlockResourceLink:
		m["uri"] = b.URI
		setIf(m, "name", b.Name)
		setIf(m, "mimeType", b.MimeType)
	case BlockResource:
		res := map[string]any{"uri": b.URI}
		setIf(res, "text", b.Text)
		setIf(res, "blob", b.Data)
		setIf(res, "mimeType", b.MimeType)
		m["resource"] = res
	case BlockDiff:
		m["path"] = b.Path
		if b.OldText != nil {
			m["oldText"] = *b.OldText
		}
		m["newText"] = b.NewText
	case BlockTerminal:
		m["terminalId"] = b.TerminalID
	}
	return m
}

// MarshalJSON encodes the block in its wire shape, so prompts can carry blocks directly.
func (b Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Map())
}

// Location is a file position a tool call touches.
type Location struct {
	Path string
	Line *int
}

// ToolCall is the canonical shape of tool_call and tool_call_update payloads.
// Empty Status/Name and nil RawInput/Locations mean "not present on the wire".
type ToolCall struct {
	ID        string
	Name      string
	ToolKind  string
	Status    string
	RawInput  map[string]any
	Locations []Location
	Content   []Block
}

// PlanEntry is one step of an agent plan.
type PlanEntry struct {
	Content  string
	Status   string
	Priority string
}

// Command is a slash command advertised by the agent.
type Command struct {
	Name        string
	Description string
}

// Update is the canonical streaming update.
type Update struct {
	Kind Kind
	// Type is the wire type string; it differs from Kind only for unknown updates.
	Type       string
	SessionID  string
	Content    []Block
	ToolCall   *ToolCall
	Plan       []PlanEntry
	Commands   []Command
	ModeID     string
	TerminalID string
	Text       string
	// Raw is the payload the update was decoded from, kept for diagnostics.
	// It is not part of the canonical form.
	Raw map[string]any
}

// Map renders the update back into a canonical wire map. Normalizing the
// result yields an equal Update.
func (u Update) Map() map[string]any {
	m := map[string]any{"type": u.Type}
	setIf(m, "sessionId", u.SessionID)
	if len(u.Content) > 0 {
		m["content"] = blocksToList(u.Content)
	}
	if tc := u.ToolCall; tc != nil {
		call := map[string]any{"id": tc.ID}
		setIf(call, "name", tc.Name)
		setIf(call, "kind", tc.ToolKind)
		setIf(call, "status", tc.Status)
		if tc.RawInput != nil {
			call["rawInput"] = tc.RawInput
		}
		if tc.Locations != nil {
			locs := make([]any, 0, len(tc.Locations))
			for _, l := range tc.Locations {
				lm := map[string]any{"path": l.Path}
				if l.Line != nil {
					lm["line"] = *l.Line
				}
				locs = append(locs, lm)
			}
			call["locations"] = locs
		}
		if len(tc.Content) > 0 {
			call["content"] = blocksToList(tc.Content)
		}
		m["tool_call"] = call
	}
	if u.Plan != nil {
		entries := make([]any, 0, len(u.Plan))
		for _, e := range u.Plan {
			em := map[string]any{"content": e.Content}
			setIf(em, "status", e.Status)
			setIf(em, "priority", e.Priority)
			entries = append(entries, em)
		}
		m["entries"] = entries
	}
	if u.Commands != nil {
		cmds := make([]any, 0, len(u.Commands))
		for _, c := range u.Commands {
			cm := map[string]any{"name": c.Name}
			setIf(cm, "description", c.Description)
			cmds = append(cmds, cm)
		}
		m["availableCommands"] = cmds
	}
	setIf(m, "currentModeId", u.ModeID)
	setIf(m, "terminalId", u.TerminalID)
	setIf(m, "text", u.Text)
	return m
}

func blocksToList(blocks []Block) []any {
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Map())
	}
	return out
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
