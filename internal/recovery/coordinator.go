package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workspace/acp-engine/internal/session"
)

// State is the coordinator's view of one agent.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateSessionActive State = "session_active"
	StatePrompting     State = "prompting"
)

// Sessions is the part of *session.Manager the coordinator drives.
type Sessions interface {
	Connect(ctx context.Context, agentID string, params session.ConnectParams) (session.ConnectResult, error)
	NewSession(ctx context.Context, agentID, cwd string) (session.Session, error)
	LastParams(agentID string) (session.ConnectParams, bool)
	CurrentSession(agentID string) (session.Session, bool)
	MarkLost(agentID string)
}

// Coordinator tracks per-agent lifecycle state and runs operations under the
// retry-once recovery policy.
type Coordinator struct {
	sessions Sessions

	mu        sync.Mutex
	states    map[string]State
	observers []func(agentID string, from, to State)
}

// New returns a coordinator driving sessions.
func New(sessions Sessions) *Coordinator {
	return &Coordinator{sessions: sessions, states: make(map[string]State)}
}

// OnTransition registers fn to be called after every state change.
func (c *Coordinator) OnTransition(fn func(agentID string, from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the agent's current state (Idle when unknown).
func (c *Coordinator) State(agentID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[agentID]; ok {
		return s
	}
	return StateIdle
}

func (c *Coordinator) transition(agentID string, to State) {
	c.mu.Lock()
	from, ok := c.states[agentID]
	if !ok {
		from = StateIdle
	}
	if from == to {
		c.mu.Unlock()
		return
	}
	c.states[agentID] = to
	observers := append([]func(string, State, State){}, c.observers...)
	c.mu.Unlock()

	slog.Debug("Agent state changed", "agentId", agentID, "from", from, "to", to)
	for _, fn := range observers {
		fn(agentID, from, to)
	}
}

// Observe folds a session lifecycle event into the state machine.
func (c *Coordinator) Observe(ev session.Event) {
	switch ev.Type {
	case session.EventAgentInitialized:
		if s := c.State(ev.AgentID); s == StateIdle || s == StateConnecting {
			c.transition(ev.AgentID, StateConnected)
		}
	case session.EventAgentExit:
		c.transition(ev.AgentID, StateIdle)
	case session.EventSessionCreated:
		if c.State(ev.AgentID) != StatePrompting {
			c.transition(ev.AgentID, StateSessionActive)
		}
	case session.EventSessionLost:
		if c.State(ev.AgentID) != StatePrompting {
			c.transition(ev.AgentID, StateConnected)
		}
	}
}

// Connect connects the agent, moving through Connecting.
func (c *Coordinator) Connect(ctx context.Context, agentID string, params session.ConnectParams) (session.ConnectResult, error) {
	c.transition(agentID, StateConnecting)
	res, err := c.sessions.Connect(ctx, agentID, params)
	if err != nil {
		c.transition(agentID, StateIdle)
		return session.ConnectResult{}, asAuthRequired(err)
	}
	c.transition(agentID, StateConnected)
	return res, nil
}

// NewSession creates a session and moves the agent to SessionActive.
func (c *Coordinator) NewSession(ctx context.Context, agentID, cwd string) (session.Session, error) {
	sess, err := c.sessions.NewSession(ctx, agentID, cwd)
	if err != nil {
		return session.Session{}, asAuthRequired(err)
	}
	c.transition(agentID, StateSessionActive)
	return sess, nil
}

// Prompt runs op as a prompt turn under the recovery policy. op must read
// the session id at call time so the retry targets a recreated session.
func (c *Coordinator) Prompt(ctx context.Context, agentID string, op func(context.Context) error) error {
	c.transition(agentID, StatePrompting)
	err := c.Run(ctx, agentID, "prompt", op)
	if c.State(agentID) == StateIdle {
		return err
	}
	if sess, ok := c.sessions.CurrentSession(agentID); ok && sess.ID != "" {
		c.transition(agentID, StateSessionActive)
	} else {
		c.transition(agentID, StateConnected)
	}
	return err
}

// Run executes op. When the first attempt fails with a recoverable class it
// performs the matching recovery and runs op exactly once more. The second
// attempt's error is returned as-is; it never triggers another recovery.
func (c *Coordinator) Run(ctx context.Context, agentID, operation string, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	class := Classify(err)
	if !class.Recoverable() {
		if class == ClassAuthRequired {
			return asAuthRequired(err)
		}
		return err
	}

	slog.Info("Recovering from failed operation", "agentId", agentID, "operation", operation, "class", class, "error", err)
	if rerr := c.recover(ctx, agentID, class); rerr != nil {
		slog.Warn("Recovery failed", "agentId", agentID, "operation", operation, "class", class, "error", rerr)
		return asAuthRequired(rerr)
	}

	if err := op(ctx); err != nil {
		slog.Warn("Retry failed", "agentId", agentID, "operation", operation, "error", err)
		return asAuthRequired(err)
	}
	slog.Info("Retry succeeded", "agentId", agentID, "operation", operation)
	return nil
}

func (c *Coordinator) recover(ctx context.Context, agentID string, class Class) error {
	cwd := ""
	if sess, ok := c.sessions.CurrentSession(agentID); ok {
		cwd = sess.Cwd
	}

	switch class {
	case ClassAgentNotConnected:
		params, ok := c.sessions.LastParams(agentID)
		if !ok {
			return fmt.Errorf("reconnect %s: no previous connect parameters", agentID)
		}
		params.ForceRestart = true
		if cwd == "" {
			cwd = params.Cwd
		}
		c.transition(agentID, StateConnecting)
		if _, err := c.sessions.Connect(ctx, agentID, params); err != nil {
			c.transition(agentID, StateIdle)
			return fmt.Errorf("reconnect %s: %w", agentID, err)
		}
		c.transition(agentID, StateConnected)
	case ClassSessionNotFound:
		c.sessions.MarkLost(agentID)
		if cwd == "" {
			if params, ok := c.sessions.LastParams(agentID); ok {
				cwd = params.Cwd
			}
		}
	}

	if _, err := c.sessions.NewSession(ctx, agentID, cwd); err != nil {
		return fmt.Errorf("recreate session for %s: %w", agentID, err)
	}
	return nil
}
