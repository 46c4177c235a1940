package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/workspace/acp-engine/internal/content"
	"github.com/workspace/acp-engine/internal/permission"
)

// Inbound event types.
const (
	EventAgentInitialized  = "agent_initialized"
	EventAgentExit         = "agent_exit"
	EventAgentStderr       = "agent_stderr"
	EventSessionUpdate     = "session_update"
	EventPermissionRequest = "permission_request"
	EventTerminalOutput    = "terminal_output"
)

// JSON-RPC notification methods some agents forward verbatim.
const (
	methodSessionUpdate     = "session/update"
	methodRequestPermission = "session/request_permission"
)

type envelope struct {
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	ID        json.RawMessage `json:"id"`
	AgentID   string          `json:"agentId"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`

	Update  json.RawMessage `json:"update"`
	Request json.RawMessage `json:"request"`

	Line string `json:"line"`
	Data string `json:"data"`
	Code *int   `json:"code"`
	// terminal_output
	TerminalID string `json:"terminalId"`
	Output     string `json:"output"`
}

// HandleMessage dispatches one inbound message. Responses settle their
// pending call; everything else is routed by its type.
func (e *Engine) HandleMessage(data []byte) {
	if e.rpc.Handle(data) {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Dropping malformed inbound message", "error", err, "size", len(data))
		return
	}

	if env.Type == "" && env.Method != "" {
		e.handleRPCNotification(env, data)
		return
	}

	switch env.Type {
	case EventAgentInitialized:
		slog.Info("Agent initialized", "agentId", env.AgentID)
		e.Sessions.HandleInitialized(env.AgentID)
	case EventAgentExit:
		e.handleAgentExit(env)
	case EventAgentStderr:
		line := firstNonEmpty(env.Line, env.Data)
		slog.Debug("Agent stderr", "agentId", env.AgentID, "line", line)
		if e.opts.OnStderr != nil && line != "" {
			e.opts.OnStderr(env.AgentID, line)
		}
	case EventSessionUpdate:
		raw := env.Update
		if len(raw) == 0 {
			raw = data
		}
		e.handleUpdate(env.SessionID, raw)
	case EventPermissionRequest:
		raw := env.Request
		if len(raw) == 0 {
			raw = data
		}
		e.handlePermission(env.AgentID, env.SessionID, "", raw)
	case EventTerminalOutput:
		e.Terminals.HandleOutput(env.TerminalID, firstNonEmpty(env.Data, env.Output))
	default:
		slog.Debug("Ignoring inbound message", "type", env.Type, "agentId", env.AgentID)
	}
}

func (e *Engine) handleAgentExit(env envelope) {
	attrs := []any{"agentId", env.AgentID}
	if env.Code != nil {
		attrs = append(attrs, "code", *env.Code)
	}
	slog.Info("Agent exited", attrs...)

	e.Sessions.HandleExit(env.AgentID)
	notice := fmt.Sprintf("Agent %s exited", env.AgentID)
	if env.Code != nil {
		notice = fmt.Sprintf("Agent %s exited with code %d", env.AgentID, *env.Code)
	}
	e.system(notice)
}

// handleRPCNotification accepts session/update and session/request_permission
// messages in their JSON-RPC form. Updates are decoded with the ACP SDK when
// it recognizes them. A permission request carries its id at the top level.
func (e *Engine) handleRPCNotification(env envelope, data []byte) {
	var params struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			slog.Warn("Dropping malformed notification", "method", env.Method, "error", err)
			return
		}
	}
	switch env.Method {
	case methodSessionUpdate:
		sessionID := firstNonEmpty(params.SessionID, env.SessionID)
		if u, ok := content.DecodeNotification(env.Params); ok {
			if u.SessionID == "" {
				u.SessionID = sessionID
			}
			e.ApplyUpdate(u)
			return
		}
		raw := params.Update
		if len(raw) == 0 {
			raw = env.Params
		}
		e.handleUpdate(sessionID, raw)
	case methodRequestPermission:
		e.handlePermission(env.AgentID, firstNonEmpty(params.SessionID, env.SessionID), rawID(env.ID), env.Params)
	default:
		slog.Debug("Ignoring notification", "method", env.Method, "size", len(data))
	}
}

func (e *Engine) handleUpdate(sessionID string, raw json.RawMessage) {
	u := content.Normalize(raw)
	if u.SessionID == "" {
		u.SessionID = sessionID
	}
	if u.Kind == content.KindUnknown {
		slog.Debug("Unrecognized session update", "type", u.Type, "sessionId", u.SessionID)
	}
	e.ApplyUpdate(u)
}

// handlePermission offers a permission request. rpcID is the JSON-RPC id of
// the carrying message, used when the payload has no id of its own.
func (e *Engine) handlePermission(agentID, sessionID, rpcID string, raw json.RawMessage) {
	var req permission.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Warn("Dropping malformed permission request", "agentId", agentID, "error", err)
		return
	}
	if req.RequestID == "" {
		var alt struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(raw, &alt)
		req.RequestID = firstNonEmpty(rawID(alt.ID), rpcID)
	}
	if req.AgentID == "" {
		req.AgentID = agentID
	}
	if req.SessionID == "" {
		req.SessionID = sessionID
	}
	if req.RequestID == "" || len(req.Options) == 0 {
		slog.Warn("Dropping permission request without id or options", "agentId", req.AgentID, "requestId", req.RequestID)
		return
	}
	slog.Info("Permission requested", "agentId", req.AgentID, "requestId", req.RequestID, "options", len(req.Options))
	e.Permissions.Offer(req)
}

// rawID renders a JSON-RPC id, which may be a string or a number.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	id := strings.TrimSpace(string(raw))
	if id == "null" {
		return ""
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return v
		}
	}
	return ""
}
