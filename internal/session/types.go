package session

import (
	"errors"

	"github.com/workspace/acp-engine/internal/rpc"
)

// ErrNoSession is returned when an operation needs a session the agent does
// not have. Its text matches the server's wording so it classifies as a lost
// session.
var ErrNoSession = errors.New("no sessionId")

// ErrAgentNotConnected is returned when an agent that was connected before
// has exited or been disconnected. It classifies as a lost connection so the
// agent is reconnected with its remembered parameters.
var ErrAgentNotConnected = errors.New("agent not connected")

// State is the per-agent session lifecycle state.
type State string

const (
	StateNoSession State = "no_session"
	StateCreating  State = "creating"
	StateActive    State = "active"
	StateLost      State = "lost"
	StateClosed    State = "closed"
)

// AgentDescriptor describes an agent backend the server can run.
type AgentDescriptor struct {
	ID      string   `json:"id"`
	Title   string   `json:"title,omitempty"`
	EnvKeys []string `json:"envKeys,omitempty"`
}

// ConnectParams are sent with connect and remembered for reconnection.
type ConnectParams struct {
	AgentCmd     string            `json:"agentCmd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Proxy        string            `json:"proxy,omitempty"`
	ForceRestart bool              `json:"forceRestart,omitempty"`
}

// ConnectResult is the protocol handshake outcome.
type ConnectResult struct {
	ProtocolVersion int              `json:"protocolVersion"`
	AuthMethods     []rpc.AuthMethod `json:"authMethods,omitempty"`
	Capabilities    map[string]any   `json:"capabilities,omitempty"`
}

// AgentStatus is the server's view of an agent process.
type AgentStatus struct {
	Connected bool `json:"connected"`
	PID       int  `json:"pid,omitempty"`
}

// AgentConnection is the client's record of a connected agent.
type AgentConnection struct {
	AgentID   string
	Connected bool
	PID       int
	EnvKeys   []string
}

// Mode is a session mode offered by the agent.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Model is a model offered by the agent.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Session is the agent's current conversation.
type Session struct {
	ID              string
	Cwd             string
	State           State
	CurrentModeID   string
	AvailableModes  []Mode
	AvailableModels []Model
	SelectedModelID string
}

func (s Session) clone() Session {
	s.AvailableModes = append([]Mode(nil), s.AvailableModes...)
	s.AvailableModels = append([]Model(nil), s.AvailableModels...)
	return s
}

// SessionInfo is one entry of the server-held session registry.
type SessionInfo struct {
	ID        string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// PromptResult is the final response to a prompt turn.
type PromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// DiffRequest asks the server to apply an edit the agent proposed.
type DiffRequest struct {
	SessionID string  `json:"sessionId,omitempty"`
	Path      string  `json:"path"`
	OldText   *string `json:"oldText,omitempty"`
	NewText   string  `json:"newText"`
}

// EventType names lifecycle events the manager publishes.
type EventType string

const (
	EventAgentInitialized EventType = "agent_initialized"
	EventAgentExit        EventType = "agent_exit"
	EventSessionCreated   EventType = "session_created"
	EventSessionLost      EventType = "session_lost"
)

// Event is a lifecycle change for one agent.
type Event struct {
	Type      EventType
	AgentID   string
	SessionID string
}

// AgentSnapshot is a read-only copy of one agent's state.
type AgentSnapshot struct {
	Connection AgentConnection
	Session    Session
	Sessions   []SessionInfo
	EnvInputs  map[string]string
}

// Snapshot is a read-only copy of the manager's state.
type Snapshot struct {
	ActiveAgent string
	Agents      map[string]AgentSnapshot
}
