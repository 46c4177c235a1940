package content

import (
	"encoding/json"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canonical(u Update) Update {
	u.Raw = nil
	return u
}

func TestNormalizeIsIdempotent(t *testing.T) {
	fixtures := map[string]string{
		"agent chunk with wrapped content": `{"sessionUpdate":"agent_message_chunk","sessionId":"s1","content":{"type":"content","content":{"type":"text","text":"hello"}}}`,
		"tool call at top level": `{"type":"tool_call","toolCallId":"t1","title":"Read file","kind":"read","status":"pending",
			"rawInput":{"path":"a.go"},"locations":[{"path":"a.go","line":3}],
			"content":[{"type":"content","content":{"type":"text","text":"body"}},{"type":"diff","path":"a.go","oldText":"","newText":"x"}]}`,
		"nested tool call update":     `{"updateType":"tool_call_update","toolCall":{"id":"t1","status":"completed"}}`,
		"plan":                        `{"type":"plan","entries":[{"content":"step one","status":"pending","priority":"high"}]}`,
		"commands":                    `{"type":"available_commands_update","availableCommands":[{"name":"init","description":"set up"}]}`,
		"mode update":                 `{"type":"current_mode_update","currentMode":{"id":"code"}}`,
		"terminal output":             `{"type":"terminal_output","terminalId":"term-1","data":"$ ls\n"}`,
		"unknown with text":           `{"type":"agent_notice","message":"rate limited"}`,
		"resource and link":           `{"type":"user_message_chunk","content":[{"type":"resource","resource":{"uri":"file:///a","text":"x"}},{"type":"resource_link","uri":"file:///b","name":"b"}]}`,
		"placeholder only":            `{"type":"agent_message_chunk","content":[{"type":"text","text":"(No Content)"}]}`,
		"no type at all":              `{"foo":1}`,
	}

	for name, raw := range fixtures {
		t.Run(name, func(t *testing.T) {
			once := Normalize(json.RawMessage(raw))
			twice := Normalize(once.Map())
			assert.Equal(t, canonical(once), canonical(twice))
			assert.Equal(t, once, Normalize(once))
		})
	}
}

func TestNormalizeDetectsType(t *testing.T) {
	tests := []struct {
		raw  map[string]any
		want Kind
	}{
		{map[string]any{"type": "plan"}, KindPlan},
		{map[string]any{"sessionUpdate": "agent_thought_chunk"}, KindAgentThoughtChunk},
		{map[string]any{"updateType": "mode_updated"}, KindModeUpdated},
		{map[string]any{"type": "plan", "sessionUpdate": "tool_call"}, KindPlan},
		{map[string]any{"type": "something_new"}, KindUnknown},
		{map[string]any{}, KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.raw).Kind, "%v", tt.raw)
	}
}

func TestNormalizeDropsPlaceholderText(t *testing.T) {
	u := Normalize(map[string]any{
		"type": "agent_message_chunk",
		"content": []any{
			map[string]any{"type": "text", "text": ""},
			map[string]any{"type": "text", "text": "   "},
			map[string]any{"type": "text", "text": "(no content)"},
			map[string]any{"type": "content", "content": map[string]any{"type": "text", "text": "(NO CONTENT)"}},
			map[string]any{"type": "text", "text": " kept "},
		},
	})
	require.Len(t, u.Content, 1)
	assert.Equal(t, " kept ", u.Content[0].Text)
}

func TestNormalizeSynthesizesToolCall(t *testing.T) {
	t.Run("top level fields", func(t *testing.T) {
		u := Normalize(map[string]any{
			"type":       "tool_call",
			"toolCallId": "t1",
			"kind":       "edit",
			"status":     "in_progress",
			"content":    []any{map[string]any{"type": "text", "text": "A"}},
		})
		require.NotNil(t, u.ToolCall)
		assert.Equal(t, "t1", u.ToolCall.ID)
		assert.Equal(t, "edit", u.ToolCall.Name)
		assert.Equal(t, "in_progress", u.ToolCall.Status)
		require.Len(t, u.ToolCall.Content, 1)
		assert.Equal(t, "A", u.ToolCall.Content[0].Text)
		assert.Nil(t, u.ToolCall.Locations)
	})

	t.Run("nested wins over top level", func(t *testing.T) {
		u := Normalize(map[string]any{
			"type":      "tool_call_update",
			"id":        "outer",
			"tool_call": map[string]any{"id": "inner", "title": "Run tests", "name": "bash"},
		})
		require.NotNil(t, u.ToolCall)
		assert.Equal(t, "inner", u.ToolCall.ID)
		assert.Equal(t, "Run tests", u.ToolCall.Name)
	})

	t.Run("locations keep line numbers", func(t *testing.T) {
		u := Normalize(json.RawMessage(`{"type":"tool_call","id":"t2","locations":[{"path":"x.go","line":7},{"path":"y.go"}]}`))
		require.Len(t, u.ToolCall.Locations, 2)
		require.NotNil(t, u.ToolCall.Locations[0].Line)
		assert.Equal(t, 7, *u.ToolCall.Locations[0].Line)
		assert.Nil(t, u.ToolCall.Locations[1].Line)
	})
}

func TestNormalizeModeSpellings(t *testing.T) {
	for _, raw := range []map[string]any{
		{"type": "mode_updated", "currentModeId": "ask"},
		{"type": "mode_updated", "current_mode_id": "ask"},
		{"type": "mode_updated", "modeId": "ask"},
		{"type": "mode_updated", "mode": "ask"},
		{"type": "mode_updated", "mode": map[string]any{"id": "ask"}},
		{"type": "current_mode_update", "currentMode": map[string]any{"id": "ask"}},
	} {
		assert.Equal(t, "ask", Normalize(raw).ModeID, "%v", raw)
	}
}

func TestNormalizeMalformedInput(t *testing.T) {
	assert.Equal(t, KindUnknown, Normalize(nil).Kind)
	assert.Equal(t, KindUnknown, Normalize([]byte("not json")).Kind)
	assert.Equal(t, KindUnknown, Normalize(json.RawMessage(`[1,2]`)).Kind)
	assert.Equal(t, KindUnknown, Normalize(42).Kind)

	u := Normalize(map[string]any{"type": "agent_message_chunk", "content": 12})
	assert.Equal(t, KindAgentMessageChunk, u.Kind)
	assert.Empty(t, u.Content)
}

func TestNormalizeKeepsRawPayload(t *testing.T) {
	raw := map[string]any{"type": "plan", "extra": true}
	u := Normalize(raw)
	assert.Equal(t, true, u.Raw["extra"])
}

func TestFromNotification(t *testing.T) {
	t.Run("user chunk", func(t *testing.T) {
		u := FromNotification(acpsdk.SessionNotification{
			SessionId: "sess-1",
			Update: acpsdk.SessionUpdate{
				UserMessageChunk: &acpsdk.SessionUpdateUserMessageChunk{
					Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "hello world"}},
				},
			},
		})
		assert.Equal(t, KindUserMessageChunk, u.Kind)
		assert.Equal(t, "sess-1", u.SessionID)
		require.Len(t, u.Content, 1)
		assert.Equal(t, "hello world", u.Content[0].Text)
	})

	t.Run("tool call content is unwrapped", func(t *testing.T) {
		u := FromNotification(acpsdk.SessionNotification{
			SessionId: "sess-1",
			Update: acpsdk.SessionUpdate{
				ToolCall: &acpsdk.SessionUpdateToolCall{
					Kind: acpsdk.ToolKindRead,
					Content: []acpsdk.ToolCallContent{{
						Content: &acpsdk.ToolCallContentContent{
							Content: acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: "file contents here"}},
						},
					}},
				},
			},
		})
		assert.Equal(t, KindToolCall, u.Kind)
		require.NotNil(t, u.ToolCall)
		assert.Equal(t, "read", u.ToolCall.Name)
		require.Len(t, u.ToolCall.Content, 1)
		assert.Equal(t, "file contents here", u.ToolCall.Content[0].Text)
	})
}

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name     string
		params   string
		ok       bool
		wantKind Kind
	}{
		{
			name:     "agent chunk",
			params:   `{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}}`,
			ok:       true,
			wantKind: KindAgentMessageChunk,
		},
		{
			name:     "tool call",
			params:   `{"sessionId":"s1","update":{"sessionUpdate":"tool_call","toolCallId":"t1","title":"Read file","kind":"read","status":"pending"}}`,
			ok:       true,
			wantKind: KindToolCall,
		},
		{
			name:   "variant the SDK does not know",
			params: `{"sessionId":"s1","update":{"sessionUpdate":"heartbeat"}}`,
		},
		{
			name:   "no update tag",
			params: `{"sessionId":"s1","update":{"content":{"type":"text","text":"hi"}}}`,
		},
		{
			name:   "not an object",
			params: `[1,2]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := DecodeNotification([]byte(tt.params))
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKind, u.Kind)
			assert.Equal(t, "s1", u.SessionID)
		})
	}
}

func TestBlockWireShape(t *testing.T) {
	data, err := json.Marshal(ResourceBlock("file:///src/a.go", "package a", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"resource","resource":{"uri":"file:///src/a.go","text":"package a"}}`, string(data))

	data, err = json.Marshal(ResourceLinkBlock("file:///big.bin", "big.bin"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"resource_link","uri":"file:///big.bin","name":"big.bin"}`, string(data))
}
