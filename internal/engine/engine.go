// Package engine wires the protocol components into one client: it owns the
// correlator, dispatches inbound events and exposes the user-facing
// operations with recovery and notification applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workspace/acp-engine/internal/content"
	"github.com/workspace/acp-engine/internal/notify"
	"github.com/workspace/acp-engine/internal/permission"
	"github.com/workspace/acp-engine/internal/promptctx"
	"github.com/workspace/acp-engine/internal/recovery"
	"github.com/workspace/acp-engine/internal/rpc"
	"github.com/workspace/acp-engine/internal/session"
	"github.com/workspace/acp-engine/internal/terminal"
	"github.com/workspace/acp-engine/internal/toolcalls"
	"github.com/workspace/acp-engine/internal/transcript"
)

// Channel is the message channel the engine runs over. *transport.Channel
// satisfies it.
type Channel interface {
	Send(data []byte) error
	Subscribe(fn func([]byte)) (unsubscribe func())
}

// Options configures an Engine. Every field is optional.
type Options struct {
	Timeouts rpc.Timeouts
	Store    session.PrefsStore

	Files promptctx.FileService
	Git   promptctx.GitService
	Root  string

	TerminalBufferSize int

	// Callbacks run on the channel's read goroutine (or the caller's, for
	// locally produced messages). They must not block.
	OnMessage    func(transcript.ChatMessage)
	OnPermission func(*permission.Request)
	OnNotify     func(notify.Notification)
	OnStderr     func(agentID, line string)
	OnState      func(agentID string, from, to recovery.State)
}

// Engine is the client-side protocol engine.
type Engine struct {
	opts Options

	rpc         *rpc.Correlator
	Sessions    *session.Manager
	Recovery    *recovery.Coordinator
	Tools       *toolcalls.Tracker
	Transcript  *transcript.Builder
	Permissions *permission.Arbitrator
	Context     *promptctx.Resolver
	Terminals   *terminal.Client
	Notifier    *notify.Notifier

	attached promptctx.ContextSet

	mu          sync.Mutex
	unsubscribe func()
}

// New builds an engine over ch and starts consuming its messages.
func New(ch Channel, opts Options) *Engine {
	if opts.Timeouts == (rpc.Timeouts{}) {
		opts.Timeouts = rpc.DefaultTimeouts()
	}
	e := &Engine{opts: opts}

	e.rpc = rpc.NewCorrelator(ch, opts.Timeouts)

	sessionOpts := []session.Option{session.WithEvents(e.onSessionEvent)}
	if opts.Store != nil {
		sessionOpts = append(sessionOpts, session.WithStore(opts.Store))
	}
	e.Sessions = session.NewManager(e.rpc, sessionOpts...)

	e.Recovery = recovery.New(e.Sessions)
	if opts.OnState != nil {
		e.Recovery.OnTransition(opts.OnState)
	}

	e.Tools = toolcalls.NewTracker()
	e.Transcript = transcript.NewBuilder(e.Tools, transcript.WithModeSink(e.Sessions.ApplyModeUpdate))
	e.Permissions = permission.NewArbitrator(e.rpc, opts.OnPermission)
	e.Context = &promptctx.Resolver{
		Files: opts.Files,
		Git:   opts.Git,
		Root:  opts.Root,
	}
	e.Terminals = terminal.NewClient(e.rpc, opts.TerminalBufferSize)
	e.Notifier = notify.New(opts.OnNotify, notify.Config{})

	e.unsubscribe = ch.Subscribe(e.HandleMessage)
	return e
}

// Close stops consuming the channel and fails every pending call.
func (e *Engine) Close() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	e.rpc.FailAll(&rpc.TransportError{Operation: "close", Err: rpc.ErrNotConnected})
}

// HandleDisconnect fails every pending call after the channel dropped. The
// engine does not reconnect the channel; each failed call is surfaced by
// its own caller.
func (e *Engine) HandleDisconnect() {
	pending := e.rpc.PendingCount()
	slog.Warn("Channel disconnected", "pending", pending)
	e.rpc.FailAll(&rpc.TransportError{Operation: "channel", Err: rpc.ErrNotConnected})
	e.system("Connection to the server was lost")
}

func (e *Engine) onSessionEvent(ev session.Event) {
	e.Recovery.Observe(ev)
	if ev.Type == session.EventAgentExit {
		if req, ok := e.Permissions.Current(); ok && req.AgentID == ev.AgentID {
			e.Permissions.Clear()
		}
	}
}

func (e *Engine) emit(msgs []transcript.ChatMessage) {
	if e.opts.OnMessage == nil {
		return
	}
	for _, m := range msgs {
		e.opts.OnMessage(m)
	}
}

func (e *Engine) system(text string) {
	if m, ok := e.Transcript.AppendSystem(text); ok {
		e.emit([]transcript.ChatMessage{m})
	}
}

// ListAgents returns the agents the server can run.
func (e *Engine) ListAgents(ctx context.Context) ([]session.AgentDescriptor, error) {
	agents, err := e.Sessions.ListAgents(ctx)
	if err != nil {
		e.Notifier.Error("", "Could not list agents", err)
	}
	return agents, err
}

// Connect connects agentID. Failures are surfaced once and not retried.
func (e *Engine) Connect(ctx context.Context, agentID string, params session.ConnectParams) (session.ConnectResult, error) {
	res, err := e.Recovery.Connect(ctx, agentID, params)
	if err != nil {
		e.Notifier.Error(agentID, "Connect failed", err)
		return res, err
	}
	e.Sessions.SelectAgent(agentID)
	return res, nil
}

// Authenticate runs the chosen auth method.
func (e *Engine) Authenticate(ctx context.Context, agentID, methodID string) error {
	if err := e.Sessions.Authenticate(ctx, agentID, methodID); err != nil {
		e.Notifier.Error(agentID, "Authentication failed", err)
		return err
	}
	return nil
}

// Disconnect stops the agent's protocol connection.
func (e *Engine) Disconnect(ctx context.Context, agentID string) error {
	err := e.Sessions.Disconnect(ctx, agentID)
	e.Recovery.Observe(session.Event{Type: session.EventAgentExit, AgentID: agentID})
	if err != nil {
		e.Notifier.Error(agentID, "Disconnect failed", err)
	}
	return err
}

// NewSession creates a session for agentID in cwd.
func (e *Engine) NewSession(ctx context.Context, agentID, cwd string) (session.Session, error) {
	sess, err := e.Recovery.NewSession(ctx, agentID, cwd)
	if err != nil {
		e.Notifier.Error(agentID, "Could not create session", err)
		return sess, err
	}
	e.system(fmt.Sprintf("Session %s started in %s", sess.ID, sess.Cwd))
	return sess, nil
}

// Prompt sends text plus the attached context to agentID's session. A lost
// session or dropped agent is recovered once; the user sees at most one
// error, and only if the retry fails too.
func (e *Engine) Prompt(ctx context.Context, agentID, text string) (session.PromptResult, error) {
	blocks, err := e.Context.PromptBlocks(ctx, text, e.attached.Items())
	if err != nil {
		return session.PromptResult{}, err
	}
	if len(blocks) == 0 {
		return session.PromptResult{}, &rpc.ValidationError{Operation: "prompt", Field: "prompt", Reason: "is empty"}
	}
	if m, ok := e.Transcript.AppendUser(text); ok {
		e.emit([]transcript.ChatMessage{m})
	}

	var res session.PromptResult
	err = e.Recovery.Prompt(ctx, agentID, func(ctx context.Context) error {
		r, err := e.Sessions.Prompt(ctx, agentID, blocks)
		res = r
		return err
	})
	if err != nil {
		e.Notifier.Error(agentID, "Prompt failed", err)
		return session.PromptResult{}, err
	}
	slog.Info("Prompt finished", "agentId", agentID, "stopReason", res.StopReason)
	return res, nil
}

// Cancel stops agentID's in-flight turn.
func (e *Engine) Cancel(ctx context.Context, agentID string) error {
	if err := e.Sessions.Cancel(ctx, agentID, ""); err != nil {
		e.Notifier.Error(agentID, "Cancel failed", err)
		return err
	}
	return nil
}

// SetMode asks the agent to switch modes. The session's mode changes when
// the agent confirms with a mode update.
func (e *Engine) SetMode(ctx context.Context, agentID, modeID string) error {
	err := e.Recovery.Run(ctx, agentID, "session.setMode", func(ctx context.Context) error {
		return e.Sessions.SetMode(ctx, agentID, modeID)
	})
	if err != nil {
		e.Notifier.Error(agentID, "Could not change mode", err)
	}
	return err
}

// ResolvePermission answers the live permission request.
func (e *Engine) ResolvePermission(ctx context.Context, optionID string) error {
	err := e.Permissions.Resolve(ctx, optionID)
	if err != nil && !errors.Is(err, permission.ErrNoRequest) {
		e.Notifier.Error("", "Permission reply failed", err)
	}
	return err
}

// CancelPermission declines the live permission request.
func (e *Engine) CancelPermission(ctx context.Context) error {
	err := e.Permissions.Cancel(ctx)
	if err != nil && !errors.Is(err, permission.ErrNoRequest) {
		e.Notifier.Error("", "Permission reply failed", err)
	}
	return err
}

// Mention returns the ranked candidates for the @mention at caret, if any.
func (e *Engine) Mention(ctx context.Context, text string, caret int) (promptctx.Mention, []promptctx.Candidate, bool) {
	m, ok := promptctx.DetectMention(text, caret)
	if !ok {
		return promptctx.Mention{}, nil, false
	}
	return m, promptctx.Match(m.Query, e.Context.Candidates(ctx)), true
}

// AcceptMention completes the mention with c and attaches c as context.
func (e *Engine) AcceptMention(text string, m promptctx.Mention, c promptctx.Candidate) (string, int) {
	e.attached.Add(promptctx.ItemFromCandidate(c))
	return promptctx.AcceptMention(text, m, c)
}

// Attach adds a context item. Duplicates are ignored.
func (e *Engine) Attach(item promptctx.ContextItem) bool {
	return e.attached.Add(item)
}

// Detach removes a context item by id.
func (e *Engine) Detach(id string) bool {
	return e.attached.Remove(id)
}

// Attached returns the attached context items.
func (e *Engine) Attached() []promptctx.ContextItem {
	return e.attached.Items()
}

// Messages returns the transcript.
func (e *Engine) Messages() []transcript.ChatMessage {
	return e.Transcript.Messages()
}

// ApplyUpdate folds one canonical update into the engine state, as if it had
// arrived on the channel.
func (e *Engine) ApplyUpdate(u content.Update) {
	if u.Kind == content.KindTerminalOutput {
		e.Terminals.HandleOutput(u.TerminalID, u.Text)
	}
	e.emit(e.Transcript.Append(u))
}

// AgentStatus reports whether the agent's process is running.
func (e *Engine) AgentStatus(ctx context.Context, agentID string) (session.AgentStatus, error) {
	return e.Sessions.AgentStatus(ctx, agentID)
}

// AuthMethods lists the ways agentID accepts authentication.
func (e *Engine) AuthMethods(ctx context.Context, agentID string) ([]rpc.AuthMethod, error) {
	return e.Sessions.AuthMethods(ctx, agentID)
}

// ListSessions returns the server-held session registry for agentID.
func (e *Engine) ListSessions(ctx context.Context, agentID string) ([]session.SessionInfo, error) {
	list, err := e.Sessions.ListSessions(ctx, agentID)
	if err != nil {
		e.Notifier.Error(agentID, "Could not list sessions", err)
	}
	return list, err
}

// SelectSession resumes an existing session. quiet suppresses the failure
// notice, for callers probing whether a remembered session still exists.
func (e *Engine) SelectSession(ctx context.Context, agentID, sessionID string, quiet bool) (session.Session, error) {
	sess, err := e.Sessions.SelectSession(ctx, agentID, sessionID)
	if err != nil {
		if !quiet {
			e.Notifier.Error(agentID, "Could not switch session", err)
		}
		return sess, err
	}
	e.Recovery.Observe(session.Event{Type: session.EventSessionCreated, AgentID: agentID, SessionID: sess.ID})
	e.system(fmt.Sprintf("Resumed session %s", sess.ID))
	return sess, nil
}

// DeleteSession removes a session from the registry.
func (e *Engine) DeleteSession(ctx context.Context, agentID, sessionID string) error {
	err := e.Sessions.DeleteSession(ctx, agentID, sessionID)
	if err != nil {
		e.Notifier.Error(agentID, "Could not delete session", err)
		return err
	}
	if _, ok := e.Sessions.CurrentSession(agentID); !ok {
		e.Recovery.Observe(session.Event{Type: session.EventSessionLost, AgentID: agentID, SessionID: sessionID})
	}
	return nil
}

// ListModels returns the session's models; nil when the agent has none.
func (e *Engine) ListModels(ctx context.Context, agentID string) []session.Model {
	return e.Sessions.ListModels(ctx, agentID)
}

// SelectModel switches the session's model. Failure leaves the session usable.
func (e *Engine) SelectModel(ctx context.Context, agentID, modelID string) error {
	if err := e.Sessions.SelectModel(ctx, agentID, modelID); err != nil {
		e.Notifier.Error(agentID, "Could not change model", err)
		return err
	}
	return nil
}
