// Package session drives agent connections and the per-agent session
// lifecycle over the RPC correlator.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/acp-engine/internal/content"
	"github.com/workspace/acp-engine/internal/persistence"
	"github.com/workspace/acp-engine/internal/rpc"
)

// Caller issues RPCs. *rpc.Correlator satisfies it.
type Caller interface {
	CallInto(ctx context.Context, req rpc.Request, opts rpc.CallOptions, out any) error
}

// PrefsStore persists connect parameters. *persistence.Store satisfies it.
type PrefsStore interface {
	UpsertAgentPrefs(prefs persistence.AgentPrefs) error
	GetAgentPrefs(agentID string) (*persistence.AgentPrefs, error)
	RecordSession(agentID, sessionID, cwd string) error
}

type agentState struct {
	conn       AgentConnection
	lastParams *ConnectParams
	session    Session
	sessions   []SessionInfo
	envInputs  map[string]string
}

// Manager owns every agent connection and its session.
type Manager struct {
	caller Caller
	store  PrefsStore
	events func(Event)

	mu     sync.RWMutex
	agents map[string]*agentState
	active string
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists connect parameters through store.
func WithStore(store PrefsStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithEvents publishes lifecycle events to fn. fn runs on the caller's
// goroutine and must not call back into the manager synchronously.
func WithEvents(fn func(Event)) Option {
	return func(m *Manager) { m.events = fn }
}

// NewManager returns a manager issuing RPCs through caller.
func NewManager(caller Caller, opts ...Option) *Manager {
	m := &Manager{caller: caller, agents: make(map[string]*agentState)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// agent returns the state for id, creating it. Callers must hold m.mu.
func (m *Manager) agent(id string) *agentState {
	st, ok := m.agents[id]
	if !ok {
		st = &agentState{
			conn:      AgentConnection{AgentID: id},
			session:   Session{State: StateNoSession},
			envInputs: make(map[string]string),
		}
		m.agents[id] = st
	}
	return st
}

func (m *Manager) emit(ev Event) {
	if m.events != nil {
		m.events(ev)
	}
}

func (m *Manager) call(ctx context.Context, agentID, op string, payload, out any) error {
	return m.caller.CallInto(ctx, rpc.Request{Operation: op, AgentID: agentID, Payload: payload}, rpc.CallOptions{}, out)
}

// ListAgents returns the agent backends the server knows about. The server
// may answer with a bare list or {agents: [...]}.
func (m *Manager) ListAgents(ctx context.Context) ([]AgentDescriptor, error) {
	var raw json.RawMessage
	if err := m.call(ctx, "", "agents.list", nil, &raw); err != nil {
		return nil, err
	}
	var list []AgentDescriptor
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Agents []AgentDescriptor `json:"agents"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("agents.list: decode result: %w", err)
		}
		list = wrapped.Agents
	} else if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("agents.list: decode result: %w", err)
		}
	}
	return list, nil
}

// Connect spawns or attaches the agent and performs the protocol handshake.
// On failure the connection stays marked disconnected and the error is
// returned as-is; there is no automatic retry.
func (m *Manager) Connect(ctx context.Context, agentID string, params ConnectParams) (ConnectResult, error) {
	if agentID == "" {
		return ConnectResult{}, fmt.Errorf("agent ID is required")
	}
	slog.Info("Connecting agent", "agentId", agentID, "cwd", params.Cwd, "forceRestart", params.ForceRestart)

	var res ConnectResult
	err := m.call(ctx, agentID, "connect", params, &res)

	m.mu.Lock()
	st := m.agent(agentID)
	if err != nil {
		st.conn.Connected = false
		m.mu.Unlock()
		slog.Warn("Agent connect failed", "agentId", agentID, "error", err)
		return ConnectResult{}, err
	}
	remembered := params
	remembered.ForceRestart = false
	st.lastParams = &remembered
	st.conn.Connected = true
	st.conn.EnvKeys = sortedKeys(params.Env)
	m.mu.Unlock()

	if res.ProtocolVersion == 0 {
		res.ProtocolVersion = int(acpsdk.ProtocolVersionNumber)
	}
	if m.store != nil {
		if err := m.store.UpsertAgentPrefs(persistence.AgentPrefs{
			AgentID:  agentID,
			AgentCmd: params.AgentCmd,
			Cwd:      params.Cwd,
			Proxy:    params.Proxy,
			Env:      params.Env,
		}); err != nil {
			slog.Warn("Failed to persist agent prefs", "agentId", agentID, "error", err)
		}
	}

	slog.Info("Agent connected", "agentId", agentID, "protocolVersion", res.ProtocolVersion, "authMethods", len(res.AuthMethods))
	m.emit(Event{Type: EventAgentInitialized, AgentID: agentID})
	return res, nil
}

// HandleInitialized records a server-side agent_initialized event. It is
// treated exactly like a successful Connect.
func (m *Manager) HandleInitialized(agentID string) {
	m.mu.Lock()
	m.agent(agentID).conn.Connected = true
	m.mu.Unlock()
	m.emit(Event{Type: EventAgentInitialized, AgentID: agentID})
}

// Disconnect stops the agent. Local state is closed even if the RPC fails.
func (m *Manager) Disconnect(ctx context.Context, agentID string) error {
	err := m.call(ctx, agentID, "disconnect", nil, nil)
	m.closeAgent(agentID)
	return err
}

// HandleExit records that the agent process went away.
func (m *Manager) HandleExit(agentID string) {
	m.closeAgent(agentID)
	m.emit(Event{Type: EventAgentExit, AgentID: agentID})
}

func (m *Manager) closeAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.agent(agentID)
	st.conn.Connected = false
	st.conn.PID = 0
	if st.session.State != StateNoSession {
		st.session.State = StateClosed
	}
	st.session.ID = ""
}

// AgentStatus queries the server and refreshes the local connection record.
func (m *Manager) AgentStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	var status AgentStatus
	if err := m.call(ctx, agentID, "agent.status", nil, &status); err != nil {
		return AgentStatus{}, err
	}
	m.mu.Lock()
	st := m.agent(agentID)
	st.conn.Connected = status.Connected
	st.conn.PID = status.PID
	m.mu.Unlock()
	return status, nil
}

// StartAgent starts the agent process without touching session state.
func (m *Manager) StartAgent(ctx context.Context, agentID string, params ConnectParams) error {
	return m.call(ctx, agentID, "agent.start", params, nil)
}

// StopAgent stops the agent process without touching session state.
func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	return m.call(ctx, agentID, "agent.stop", nil, nil)
}

// AuthMethods lists the agent's authentication methods.
func (m *Manager) AuthMethods(ctx context.Context, agentID string) ([]rpc.AuthMethod, error) {
	var raw json.RawMessage
	if err := m.call(ctx, agentID, "authMethods", nil, &raw); err != nil {
		return nil, err
	}
	var methods []rpc.AuthMethod
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			AuthMethods []rpc.AuthMethod `json:"authMethods"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("authMethods: decode result: %w", err)
		}
		return wrapped.AuthMethods, nil
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &methods); err != nil {
			return nil, fmt.Errorf("authMethods: decode result: %w", err)
		}
	}
	return methods, nil
}

// Authenticate runs the given authentication method.
func (m *Manager) Authenticate(ctx context.Context, agentID, methodID string) error {
	return m.call(ctx, agentID, "authenticate", map[string]string{"methodId": methodID}, nil)
}

// SelectAgent makes agentID the active agent and resets its env inputs to
// the persisted values. Other agents stay connected.
func (m *Manager) SelectAgent(agentID string) {
	env := map[string]string{}
	if m.store != nil {
		prefs, err := m.store.GetAgentPrefs(agentID)
		if err != nil {
			slog.Warn("Failed to load agent prefs", "agentId", agentID, "error", err)
		} else if prefs != nil {
			for k, v := range prefs.Env {
				env[k] = v
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = agentID
	m.agent(agentID).envInputs = env
}

// ActiveAgent returns the selected agent id.
func (m *Manager) ActiveAgent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetEnvInput records a value typed for one of the agent's env keys.
func (m *Manager) SetEnvInput(agentID, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agent(agentID).envInputs[key] = value
}

// EnvInputs returns a copy of the agent's env inputs.
func (m *Manager) EnvInputs(agentID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	if st, ok := m.agents[agentID]; ok {
		for k, v := range st.envInputs {
			out[k] = v
		}
	}
	return out
}

// LastParams returns the parameters of the agent's last successful connect.
func (m *Manager) LastParams(agentID string) (ConnectParams, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agentID]
	if !ok || st.lastParams == nil {
		return ConnectParams{}, false
	}
	return *st.lastParams, true
}

// Connection returns the agent's connection record.
func (m *Manager) Connection(agentID string) (AgentConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agentID]
	if !ok {
		return AgentConnection{}, false
	}
	conn := st.conn
	conn.EnvKeys = append([]string(nil), conn.EnvKeys...)
	return conn, true
}

// NewSession creates a session in cwd. The state moves to Creating for the
// duration of the call and to Active on success; on failure it returns to
// its previous value.
func (m *Manager) NewSession(ctx context.Context, agentID, cwd string) (Session, error) {
	m.mu.Lock()
	st := m.agent(agentID)
	prev := st.session
	st.session.State = StateCreating
	m.mu.Unlock()

	var p sessionPayload
	if err := m.call(ctx, agentID, "session.new", map[string]string{"cwd": cwd}, &p); err != nil {
		m.mu.Lock()
		st.session = prev
		m.mu.Unlock()
		return Session{}, err
	}

	sess := sessionFromPayload(p, cwd)
	if sess.ID == "" {
		m.mu.Lock()
		st.session = prev
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session.new: response carried no session id")
	}

	m.mu.Lock()
	st.session = sess
	m.mu.Unlock()

	m.recordSession(agentID, sess)
	slog.Info("Session created", "agentId", agentID, "sessionId", sess.ID, "mode", sess.CurrentModeID, "modes", len(sess.AvailableModes))
	m.emit(Event{Type: EventSessionCreated, AgentID: agentID, SessionID: sess.ID})
	return sess.clone(), nil
}

func sessionFromPayload(p sessionPayload, cwd string) Session {
	modes := parseModes(p)
	models, currentModel := parseModels(p.Models)
	if p.Cwd != "" {
		cwd = p.Cwd
	}
	return Session{
		ID:              firstNonEmpty(p.SessionID, p.SessionIDSnake),
		Cwd:             cwd,
		State:           StateActive,
		CurrentModeID:   modes.Current,
		AvailableModes:  modes.Available,
		AvailableModels: models,
		SelectedModelID: currentModel,
	}
}

func (m *Manager) recordSession(agentID string, sess Session) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordSession(agentID, sess.ID, sess.Cwd); err != nil {
		slog.Warn("Failed to record session", "agentId", agentID, "sessionId", sess.ID, "error", err)
	}
}

// CurrentSession returns a copy of the agent's session.
func (m *Manager) CurrentSession(agentID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agentID]
	if !ok {
		return Session{}, false
	}
	return st.session.clone(), true
}

func (m *Manager) sessionID(agentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agentID]
	if !ok {
		return "", ErrNoSession
	}
	if !st.conn.Connected && st.lastParams != nil {
		return "", ErrAgentNotConnected
	}
	if st.session.ID == "" || st.session.State != StateActive {
		return "", ErrNoSession
	}
	return st.session.ID, nil
}

// ListModels fetches the session's models. It is best-effort: failures are
// logged and leave the session untouched.
func (m *Manager) ListModels(ctx context.Context, agentID string) []Model {
	sid, err := m.sessionID(agentID)
	if err != nil {
		return nil
	}
	var raw json.RawMessage
	if err := m.call(ctx, agentID, "models.list", map[string]string{"sessionId": sid}, &raw); err != nil {
		slog.Info("Models not available", "agentId", agentID, "sessionId", sid, "error", err)
		return nil
	}
	models, current := parseModels(raw)

	m.mu.Lock()
	st := m.agent(agentID)
	if st.session.ID == sid {
		st.session.AvailableModels = models
		if current != "" {
			st.session.SelectedModelID = current
		}
	}
	m.mu.Unlock()
	return append([]Model(nil), models...)
}

// SelectModel switches the session model. It is best-effort: a failure is
// logged and reported but the session stays Active.
func (m *Manager) SelectModel(ctx context.Context, agentID, modelID string) error {
	sid, err := m.sessionID(agentID)
	if err != nil {
		return err
	}
	if err := m.call(ctx, agentID, "model.select", map[string]string{"sessionId": sid, "modelId": modelID}, nil); err != nil {
		slog.Warn("Model selection failed", "agentId", agentID, "modelId", modelID, "error", err)
		return err
	}
	m.mu.Lock()
	if st := m.agent(agentID); st.session.ID == sid {
		st.session.SelectedModelID = modelID
	}
	m.mu.Unlock()
	return nil
}

// ListSessions refreshes the server-held session registry.
func (m *Manager) ListSessions(ctx context.Context, agentID string) ([]SessionInfo, error) {
	var raw json.RawMessage
	if err := m.call(ctx, agentID, "sessions.list", nil, &raw); err != nil {
		return nil, err
	}
	var list []SessionInfo
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped struct {
			Sessions []SessionInfo `json:"sessions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("sessions.list: decode result: %w", err)
		}
		list = wrapped.Sessions
	} else if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("sessions.list: decode result: %w", err)
		}
	}

	m.mu.Lock()
	m.agent(agentID).sessions = list
	m.mu.Unlock()
	return append([]SessionInfo(nil), list...), nil
}

// SelectSession switches to an existing session, then resyncs the registry
// whether or not the switch succeeded.
func (m *Manager) SelectSession(ctx context.Context, agentID, sessionID string) (Session, error) {
	var p sessionPayload
	err := m.call(ctx, agentID, "session.select", map[string]string{"sessionId": sessionID}, &p)
	defer m.resync(ctx, agentID)
	if err != nil {
		return Session{}, err
	}

	if firstNonEmpty(p.SessionID, p.SessionIDSnake) == "" {
		p.SessionID = sessionID
	}
	m.mu.Lock()
	st := m.agent(agentID)
	sess := sessionFromPayload(p, st.session.Cwd)
	st.session = sess
	m.mu.Unlock()

	m.recordSession(agentID, sess)
	return sess.clone(), nil
}

// DeleteSession removes a session from the registry, then resyncs.
func (m *Manager) DeleteSession(ctx context.Context, agentID, sessionID string) error {
	err := m.call(ctx, agentID, "session.delete", map[string]string{"sessionId": sessionID}, nil)
	defer m.resync(ctx, agentID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if st := m.agent(agentID); st.session.ID == sessionID {
		st.session.ID = ""
		st.session.State = StateClosed
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) resync(ctx context.Context, agentID string) {
	if _, err := m.ListSessions(ctx, agentID); err != nil {
		slog.Warn("Session registry resync failed", "agentId", agentID, "error", err)
	}
}

// SetMode asks the agent to switch modes. CurrentModeID only changes when
// the agent reports the switch through a mode update.
func (m *Manager) SetMode(ctx context.Context, agentID, modeID string) error {
	sid, err := m.sessionID(agentID)
	if err != nil {
		return err
	}
	return m.call(ctx, agentID, "session.setMode", map[string]string{"sessionId": sid, "modeId": modeID}, nil)
}

// ApplyModeUpdate records the authoritative mode reported by the agent. An
// empty sessionID applies to the active agent.
func (m *Manager) ApplyModeUpdate(sessionID, modeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.agents {
		if (sessionID != "" && st.session.ID == sessionID) || (sessionID == "" && id == m.active) {
			st.session.CurrentModeID = modeID
			slog.Debug("Session mode updated", "agentId", id, "sessionId", st.session.ID, "mode", modeID)
		}
	}
}

// MarkLost clears the agent's session id after the server reported it gone.
func (m *Manager) MarkLost(agentID string) {
	m.mu.Lock()
	st := m.agent(agentID)
	lost := st.session.ID
	st.session.ID = ""
	st.session.State = StateLost
	m.mu.Unlock()
	slog.Info("Session lost", "agentId", agentID, "sessionId", lost)
	m.emit(Event{Type: EventSessionLost, AgentID: agentID, SessionID: lost})
}

// Prompt sends one prompt turn and waits for it to finish.
func (m *Manager) Prompt(ctx context.Context, agentID string, blocks []content.Block) (PromptResult, error) {
	sid, err := m.sessionID(agentID)
	if err != nil {
		return PromptResult{}, err
	}
	var res PromptResult
	payload := map[string]any{"sessionId": sid, "prompt": blocks}
	if err := m.call(ctx, agentID, "prompt", payload, &res); err != nil {
		return PromptResult{}, err
	}
	return res, nil
}

// Cancel asks the agent to stop the in-flight turn. An empty sessionID
// targets the agent's current session. Updates already in flight are still
// delivered.
func (m *Manager) Cancel(ctx context.Context, agentID, sessionID string) error {
	if sessionID == "" {
		sid, err := m.sessionID(agentID)
		if err != nil {
			return err
		}
		sessionID = sid
	}
	return m.call(ctx, agentID, "cancel", map[string]string{"sessionId": sessionID}, nil)
}

// ApplyDiff asks the server to write an edit to disk.
func (m *Manager) ApplyDiff(ctx context.Context, agentID string, d DiffRequest) error {
	if d.Path == "" {
		return fmt.Errorf("diff.apply: path is required")
	}
	if d.SessionID == "" {
		if sid, err := m.sessionID(agentID); err == nil {
			d.SessionID = sid
		}
	}
	return m.call(ctx, agentID, "diff.apply", d, nil)
}

// Snapshot returns a copy of all agent state for display.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{ActiveAgent: m.active, Agents: make(map[string]AgentSnapshot, len(m.agents))}
	for id, st := range m.agents {
		conn := st.conn
		conn.EnvKeys = append([]string(nil), conn.EnvKeys...)
		env := make(map[string]string, len(st.envInputs))
		for k, v := range st.envInputs {
			env[k] = v
		}
		snap.Agents[id] = AgentSnapshot{
			Connection: conn,
			Session:    st.session.clone(),
			Sessions:   append([]SessionInfo(nil), st.sessions...),
			EnvInputs:  env,
		}
	}
	return snap
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
