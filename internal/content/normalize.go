package content

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Normalize maps any object purporting to be a streaming update into the
// canonical Update. It never fails: shapes it cannot interpret become
// KindUnknown. Normalizing an Update returns it unchanged.
func Normalize(raw any) Update {
	switch v := raw.(type) {
	case Update:
		return v
	case *Update:
		if v == nil {
			return Update{Kind: KindUnknown}
		}
		return *v
	case map[string]any:
		return normalizeMap(v)
	case json.RawMessage:
		return normalizeJSON(v)
	case []byte:
		return normalizeJSON(v)
	case nil:
		return Update{Kind: KindUnknown}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			slog.Debug("content: unencodable update", "type", fmt.Sprintf("%T", raw), "error", err)
			return Update{Kind: KindUnknown}
		}
		return normalizeJSON(data)
	}
}

// FromNotification normalizes a session notification decoded by the ACP SDK.
func FromNotification(n acpsdk.SessionNotification) Update {
	data, err := json.Marshal(n.Update)
	if err != nil {
		slog.Debug("content: unencodable ACP notification", "error", err)
		return Update{Kind: KindUnknown, SessionID: string(n.SessionId)}
	}
	u := normalizeJSON(data)
	if u.SessionID == "" {
		u.SessionID = string(n.SessionId)
	}
	return u
}

// DecodeNotification decodes the params of a session/update notification
// with the ACP SDK. It reports false when the SDK cannot decode them or maps
// the update to a different variant than the one tagged, so the caller can
// fall back to Normalize.
func DecodeNotification(params []byte) (Update, bool) {
	var n acpsdk.SessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return Update{}, false
	}
	var tagged struct {
		Update struct {
			SessionUpdate string `json:"sessionUpdate"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &tagged); err != nil || tagged.Update.SessionUpdate == "" {
		return Update{}, false
	}
	u := FromNotification(n)
	if u.Type != tagged.Update.SessionUpdate {
		return Update{}, false
	}
	return u, true
}

func normalizeJSON(data []byte) Update {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return Update{Kind: KindUnknown}
	}
	return normalizeMap(m)
}

func normalizeMap(m map[string]any) Update {
	typ := firstString(m, "type", "sessionUpdate", "updateType")
	kind, ok := knownKinds[typ]
	if !ok {
		kind = KindUnknown
	}

	u := Update{
		Kind:      kind,
		Type:      typ,
		SessionID: firstString(m, "sessionId", "session_id"),
		Raw:       m,
	}

	switch kind {
	case KindUserMessageChunk, KindAgentMessageChunk, KindAgentThoughtChunk:
		u.Content = normalizeBlocks(m["content"])
	case KindToolCall, KindToolCallUpdate:
		u.ToolCall = normalizeToolCall(m)
	case KindPlan:
		u.Plan = normalizePlan(m)
	case KindAvailableCommandsUpdate:
		u.Commands = normalizeCommands(m)
	case KindModeUpdated, KindCurrentModeUpdate:
		u.ModeID = modeID(m)
	case KindTerminalOutput:
		u.TerminalID = firstString(m, "terminalId", "terminal_id")
		u.Text = firstString(m, "data", "output", "text")
	default:
		u.Content = normalizeBlocks(m["content"])
		u.Text = firstString(m, "text", "message")
	}
	return u
}

// normalizeBlocks accepts a single block or a list, unwraps
// {type:"content", content:X} wrappers and drops placeholder text.
func normalizeBlocks(v any) []Block {
	var items []any
	switch c := v.(type) {
	case []any:
		items = c
	case []map[string]any:
		for _, item := range c {
			items = append(items, item)
		}
	case map[string]any:
		items = []any{c}
	case string:
		items = []any{map[string]any{"type": "text", "text": c}}
	default:
		return nil
	}

	var blocks []Block
	for _, item := range items {
		b, ok := parseBlock(unwrap(item))
		if !ok || b.IsPlaceholder() {
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks
}

func unwrap(v any) any {
	for {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		inner, has := m["content"]
		if stringOf(m["type"]) != "content" || !has {
			return v
		}
		v = inner
	}
}

func parseBlock(v any) (Block, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		if s, isString := v.(string); isString {
			return TextBlock(s), true
		}
		return Block{}, false
	}

	switch BlockType(stringOf(m["type"])) {
	case BlockText:
		return TextBlock(stringOf(m["text"])), true
	case BlockImage:
		return Block{Type: BlockImage, Data: stringOf(m["data"]), MimeType: stringOf(m["mimeType"]), URI: stringOf(m["uri"])}, true
	case BlockAudio:
		return Block{Type: BlockAudio, Data: stringOf(m["data"]), MimeType: stringOf(m["mimeType"])}, true
	case BlockResourceLink:
		return Block{Type: BlockResourceLink, URI: stringOf(m["uri"]), Name: stringOf(m["name"]), MimeType: stringOf(m["mimeType"])}, true
	case BlockResource:
		res, nested := m["resource"].(map[string]any)
		if !nested {
			res = m
		}
		return Block{
			Type:     BlockResource,
			URI:      stringOf(res["uri"]),
			Text:     stringOf(res["text"]),
			Data:     stringOf(res["blob"]),
			MimeType: stringOf(res["mimeType"]),
		}, true
	case BlockDiff:
		b := Block{Type: BlockDiff, Path: stringOf(m["path"]), NewText: stringOf(m["newText"])}
		if old, has := m["oldText"].(string); has {
			b.OldText = &old
		}
		return b, true
	case BlockTerminal:
		return Block{Type: BlockTerminal, TerminalID: stringOf(m["terminalId"])}, true
	default:
		if text, has := m["text"].(string); has {
			return TextBlock(text), true
		}
		return Block{}, false
	}
}

// normalizeToolCall synthesizes the canonical tool call whether the agent
// nested it under tool_call/toolCall or spread it over the update itself.
func normalizeToolCall(m map[string]any) *ToolCall {
	nested, _ := m["tool_call"].(map[string]any)
	if nested == nil {
		nested, _ = m["toolCall"].(map[string]any)
	}
	sources := []map[string]any{m}
	if nested != nil {
		sources = []map[string]any{nested, m}
	}

	lookup := func(keys ...string) any {
		for _, src := range sources {
			for _, k := range keys {
				if v, ok := src[k]; ok && v != nil {
					return v
				}
			}
		}
		return nil
	}
	lookupString := func(keys ...string) string {
		for _, src := range sources {
			if s := firstString(src, keys...); s != "" {
				return s
			}
		}
		return ""
	}

	tc := &ToolCall{
		ID:       lookupString("toolCallId", "tool_call_id", "id"),
		Name:     lookupString("title", "name", "kind"),
		ToolKind: lookupString("kind"),
		Status:   lookupString("status"),
	}
	if input, ok := lookup("rawInput", "raw_input", "input").(map[string]any); ok {
		tc.RawInput = input
	}
	if locs, ok := lookup("locations").([]any); ok {
		tc.Locations = make([]Location, 0, len(locs))
		for _, l := range locs {
			lm, isMap := l.(map[string]any)
			if !isMap {
				continue
			}
			loc := Location{Path: stringOf(lm["path"])}
			if line, has := intOf(lm["line"]); has {
				loc.Line = &line
			}
			tc.Locations = append(tc.Locations, loc)
		}
	}
	tc.Content = normalizeBlocks(lookup("content"))
	return tc
}

func normalizePlan(m map[string]any) []PlanEntry {
	raw, ok := m["entries"].([]any)
	if !ok {
		switch p := m["plan"].(type) {
		case []any:
			raw = p
		case map[string]any:
			raw, _ = p["entries"].([]any)
		}
	}
	entries := make([]PlanEntry, 0, len(raw))
	for _, item := range raw {
		switch e := item.(type) {
		case map[string]any:
			entries = append(entries, PlanEntry{
				Content:  firstString(e, "content", "name", "title"),
				Status:   stringOf(e["status"]),
				Priority: stringOf(e["priority"]),
			})
		case string:
			entries = append(entries, PlanEntry{Content: e})
		}
	}
	return entries
}

func normalizeCommands(m map[string]any) []Command {
	raw, ok := m["availableCommands"].([]any)
	if !ok {
		raw, _ = m["available_commands"].([]any)
	}
	cmds := make([]Command, 0, len(raw))
	for _, item := range raw {
		switch c := item.(type) {
		case map[string]any:
			cmds = append(cmds, Command{Name: stringOf(c["name"]), Description: stringOf(c["description"])})
		case string:
			cmds = append(cmds, Command{Name: c})
		}
	}
	return cmds
}

func modeID(m map[string]any) string {
	if id := firstString(m, "currentModeId", "current_mode_id", "modeId", "mode_id"); id != "" {
		return id
	}
	switch mode := m["mode"].(type) {
	case string:
		return mode
	case map[string]any:
		return stringOf(mode["id"])
	}
	if cm, ok := m["currentMode"].(map[string]any); ok {
		return stringOf(cm["id"])
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
