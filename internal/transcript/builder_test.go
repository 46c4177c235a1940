package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/acp-engine/internal/content"
	"github.com/workspace/acp-engine/internal/toolcalls"
)

func newBuilder(opts ...Option) *Builder {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return NewBuilder(toolcalls.NewTracker(), opts...)
}

func TestChunksAreNotCoalesced(t *testing.T) {
	b := newBuilder()
	b.Append(content.Normalize(map[string]any{"type": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "Hel"}}))
	b.Append(content.Normalize(map[string]any{"type": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "lo"}}))
	b.Append(content.Normalize(map[string]any{"type": "user_message_chunk", "content": "hi"}))

	msgs := b.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hel", msgs[0].Text())
	assert.Equal(t, "lo", msgs[1].Text())
	assert.Equal(t, RoleUser, msgs[2].Role)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
}

func TestThoughtChunkCarriesMeta(t *testing.T) {
	b := newBuilder()
	out := b.Append(content.Normalize(map[string]any{"sessionUpdate": "agent_thought_chunk", "content": map[string]any{"type": "text", "text": "thinking"}}))
	require.Len(t, out, 1)
	assert.Equal(t, RoleAssistant, out[0].Role)
	assert.Equal(t, true, out[0].Meta["thought"])
}

func TestPlaceholderTextNeverReachesTranscript(t *testing.T) {
	b := newBuilder()
	for _, text := range []string{"", "   ", "(no content)", "(No Content)", " (NO CONTENT) "} {
		b.Append(content.Normalize(map[string]any{"type": "agent_message_chunk", "content": []any{map[string]any{"type": "text", "text": text}}}))
		b.Append(content.Update{Kind: content.KindUserMessageChunk, Content: []content.Block{content.TextBlock(text)}})
		b.Append(content.Update{Kind: content.KindToolCall, ToolCall: &content.ToolCall{ID: "t1", Content: []content.Block{content.TextBlock(text)}}})
		b.Append(content.Update{Kind: content.KindUnknown, Text: text})
		_, ok := b.AppendUser(text)
		assert.False(t, ok)
	}

	for _, msg := range b.Messages() {
		for _, part := range msg.Parts {
			assert.False(t, part.IsPlaceholder(), "placeholder in %s message", msg.Role)
		}
	}
}

func TestToolUpdatesAppendNewEntries(t *testing.T) {
	b := newBuilder()
	b.Append(content.Normalize(map[string]any{"type": "tool_call", "toolCallId": "t1", "title": "Read", "status": "pending",
		"content": []any{map[string]any{"type": "text", "text": "A"}}}))
	b.Append(content.Normalize(map[string]any{"type": "tool_call_update", "toolCallId": "t1", "status": "completed",
		"content": []any{map[string]any{"type": "text", "text": "B"}}}))

	msgs := b.Messages()
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, RoleTool, first.Role)
	assert.Equal(t, "[tool pending] Read (t1)\nA", first.Text())
	assert.Equal(t, "pending", first.Meta["status"])

	second := msgs[1]
	assert.Equal(t, "[tool completed] Read (t1)\nA\nB", second.Text())
	assert.Equal(t, map[string]any{"id": "t1", "status": "completed", "name": "Read"}, second.Meta)
}

func TestSystemRenderings(t *testing.T) {
	var gotSession, gotMode string
	b := newBuilder(WithModeSink(func(sessionID, modeID string) {
		gotSession, gotMode = sessionID, modeID
	}))

	out := b.Append(content.Normalize(map[string]any{"type": "plan", "entries": []any{
		map[string]any{"content": "read code"},
		map[string]any{"content": "write fix"},
	}}))
	require.Len(t, out, 1)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "Plan:\n- read code\n- write fix", out[0].Text())

	out = b.Append(content.Normalize(map[string]any{"type": "available_commands_update", "availableCommands": []any{
		map[string]any{"name": "init", "description": "create AGENTS.md"},
		map[string]any{"name": "review"},
	}}))
	require.Len(t, out, 1)
	assert.Equal(t, "Available commands:\n- /init: create AGENTS.md\n- /review", out[0].Text())

	out = b.Append(content.Normalize(map[string]any{"type": "current_mode_update", "sessionId": "s1", "currentModeId": "architect"}))
	require.Len(t, out, 1)
	assert.Equal(t, "Mode changed to architect", out[0].Text())
	assert.Equal(t, "s1", gotSession)
	assert.Equal(t, "architect", gotMode)
}

func TestUnknownUpdates(t *testing.T) {
	b := newBuilder()
	assert.Nil(t, b.Append(content.Normalize(map[string]any{"type": "heartbeat"})))

	out := b.Append(content.Normalize(map[string]any{"type": "agent_notice", "message": "rate limited"}))
	require.Len(t, out, 1)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "rate limited", out[0].Text())
}

func TestMessagesIsAppendOnlyCopy(t *testing.T) {
	b := newBuilder()
	b.AppendSystem("connected")
	snap := b.Messages()
	snap[0].Parts[0] = content.TextBlock("rewritten")

	assert.Equal(t, "connected", b.Messages()[0].Text())
	assert.Equal(t, 1, b.Len())
}
