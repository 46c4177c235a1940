// Package terminal drives agent-side terminals through the terminal.* RPCs
// and keeps a bounded copy of each terminal's output.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/workspace/acp-engine/internal/rpc"
)

// Caller issues RPCs. *rpc.Correlator satisfies it.
type Caller interface {
	CallInto(ctx context.Context, req rpc.Request, opts rpc.CallOptions, out any) error
}

// EnvVariable is one environment entry for a new terminal.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateRequest is the terminal.create payload.
type CreateRequest struct {
	SessionID       string        `json:"sessionId,omitempty"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Cwd             string        `json:"cwd,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	OutputByteLimit int           `json:"outputByteLimit,omitempty"`
}

// ExitStatus is how a terminal's process ended.
type ExitStatus struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// Output is the result of terminal.output.
type Output struct {
	Output     string      `json:"output"`
	Truncated  bool        `json:"truncated"`
	ExitStatus *ExitStatus `json:"exitStatus,omitempty"`
}

type terminalState struct {
	agentID   string
	sessionID string
	command   string
	out       *OutputBuffer
	exit      *ExitStatus
}

// Info is a snapshot of one known terminal.
type Info struct {
	ID        string
	AgentID   string
	SessionID string
	Command   string
	Output    string
	Truncated bool
	Dropped   int64
	Exit      *ExitStatus
}

// Client tracks terminals and issues their RPCs.
type Client struct {
	caller      Caller
	bufferSize  int
	waitTimeout time.Duration

	mu        sync.Mutex
	terminals map[string]*terminalState
}

// NewClient returns a client keeping bufferSize bytes of output per terminal.
func NewClient(caller Caller, bufferSize int) *Client {
	return &Client{
		caller:      caller,
		bufferSize:  bufferSize,
		waitTimeout: rpc.PromptTimeout,
		terminals:   make(map[string]*terminalState),
	}
}

func (c *Client) state(id string) *terminalState {
	st, ok := c.terminals[id]
	if !ok {
		st = &terminalState{out: NewOutputBuffer(c.bufferSize)}
		c.terminals[id] = st
	}
	return st
}

func requireID(operation, terminalID string) error {
	if terminalID == "" {
		return &rpc.ValidationError{Operation: operation, Field: "terminalId", Reason: "is required"}
	}
	return nil
}

func (c *Client) call(ctx context.Context, agentID, op string, payload, out any, opts rpc.CallOptions) error {
	return c.caller.CallInto(ctx, rpc.Request{Operation: op, AgentID: agentID, Payload: payload}, opts, out)
}

// Create starts a terminal and returns its id.
func (c *Client) Create(ctx context.Context, agentID string, req CreateRequest) (string, error) {
	if req.Command == "" {
		return "", &rpc.ValidationError{Operation: "terminal.create", Field: "command", Reason: "is required"}
	}
	var res struct {
		TerminalID      string `json:"terminalId"`
		TerminalIDSnake string `json:"terminal_id"`
	}
	if err := c.call(ctx, agentID, "terminal.create", req, &res, rpc.CallOptions{}); err != nil {
		return "", err
	}
	id := res.TerminalID
	if id == "" {
		id = res.TerminalIDSnake
	}
	if id == "" {
		return "", &rpc.ValidationError{Operation: "terminal.create", Field: "terminalId", Reason: "missing from response"}
	}

	c.mu.Lock()
	st := c.state(id)
	st.agentID = agentID
	st.sessionID = req.SessionID
	st.command = req.Command
	c.mu.Unlock()

	slog.Info("Terminal created", "agentId", agentID, "terminalId", id, "command", req.Command)
	return id, nil
}

type terminalRef struct {
	SessionID  string `json:"sessionId,omitempty"`
	TerminalID string `json:"terminalId"`
}

func (c *Client) ref(terminalID string) terminalRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := terminalRef{TerminalID: terminalID}
	if st, ok := c.terminals[terminalID]; ok {
		r.SessionID = st.sessionID
	}
	return r
}

// Output fetches the terminal's current output. The local buffer is replaced
// by the server's copy, carrying over the server's truncation flag.
func (c *Client) Output(ctx context.Context, agentID, terminalID string) (Output, error) {
	if err := requireID("terminal.output", terminalID); err != nil {
		return Output{}, err
	}
	var out Output
	if err := c.call(ctx, agentID, "terminal.output", c.ref(terminalID), &out, rpc.CallOptions{}); err != nil {
		return Output{}, err
	}

	c.mu.Lock()
	st := c.state(terminalID)
	st.out.Replace(out.Output, out.Truncated)
	if out.ExitStatus != nil {
		st.exit = out.ExitStatus
	}
	c.mu.Unlock()
	return out, nil
}

// Kill terminates the terminal's process. The terminal stays known until
// released.
func (c *Client) Kill(ctx context.Context, agentID, terminalID string) error {
	if err := requireID("terminal.kill", terminalID); err != nil {
		return err
	}
	return c.call(ctx, agentID, "terminal.kill", c.ref(terminalID), nil, rpc.CallOptions{})
}

// Release frees the terminal on the server and forgets it locally.
func (c *Client) Release(ctx context.Context, agentID, terminalID string) error {
	if err := requireID("terminal.release", terminalID); err != nil {
		return err
	}
	if err := c.call(ctx, agentID, "terminal.release", c.ref(terminalID), nil, rpc.CallOptions{}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.terminals, terminalID)
	c.mu.Unlock()
	slog.Debug("Terminal released", "agentId", agentID, "terminalId", terminalID)
	return nil
}

// WaitForExit blocks until the terminal's process exits.
func (c *Client) WaitForExit(ctx context.Context, agentID, terminalID string) (ExitStatus, error) {
	if err := requireID("terminal.waitForExit", terminalID); err != nil {
		return ExitStatus{}, err
	}
	var res ExitStatus
	if err := c.call(ctx, agentID, "terminal.waitForExit", c.ref(terminalID), &res, rpc.CallOptions{Timeout: c.waitTimeout}); err != nil {
		return ExitStatus{}, fmt.Errorf("wait for terminal %s: %w", terminalID, err)
	}
	c.mu.Lock()
	exit := res
	c.state(terminalID).exit = &exit
	c.mu.Unlock()
	return res, nil
}

// HandleOutput appends streamed output from a terminal_output event. Unknown
// terminals are created on first output.
func (c *Client) HandleOutput(terminalID, data string) {
	if terminalID == "" || data == "" {
		return
	}
	c.mu.Lock()
	st := c.state(terminalID)
	c.mu.Unlock()
	st.out.Append(data)
}

// Tail returns the last n lines of a terminal's buffered output.
func (c *Client) Tail(terminalID string, n int) (string, bool) {
	c.mu.Lock()
	st, ok := c.terminals[terminalID]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	return st.out.Tail(n), true
}

// Get returns a snapshot of one terminal.
func (c *Client) Get(terminalID string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.terminals[terminalID]
	if !ok {
		return Info{}, false
	}
	return st.info(terminalID), true
}

// List returns snapshots of every known terminal ordered by id.
func (c *Client) List() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.terminals))
	for id := range c.terminals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.terminals[id].info(id))
	}
	return out
}

func (st *terminalState) info(id string) Info {
	info := Info{
		ID:        id,
		AgentID:   st.agentID,
		SessionID: st.sessionID,
		Command:   st.command,
		Output:    st.out.String(),
		Truncated: st.out.Truncated(),
		Dropped:   st.out.Dropped(),
	}
	if st.exit != nil {
		exit := *st.exit
		info.Exit = &exit
	}
	return info
}
