// Package rpc correlates request/response pairs multiplexed over a single
// message channel. Requests carry a unique id; any inbound message with a
// matching id settles the corresponding pending call.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds ordinary RPCs.
	DefaultTimeout = 30 * time.Second
	// ConnectTimeout bounds operations that may spawn an agent process.
	ConnectTimeout = 120 * time.Second
	// PromptTimeout bounds a single prompt turn.
	PromptTimeout = 60 * time.Minute
)

// DefaultType is the envelope type used when a request does not set one.
const DefaultType = "acp"

// Sender writes one serialized message to the shared channel.
type Sender interface {
	Send(data []byte) error
}

// Request is the outbound envelope.
type Request struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Payload   any    `json:"payload,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// CallOptions tunes a single call. A zero Timeout selects TimeoutFor(operation).
type CallOptions struct {
	Timeout time.Duration
}

// Timeouts maps operations to their default deadline.
type Timeouts struct {
	Default time.Duration
	Connect time.Duration
	Prompt  time.Duration
}

// DefaultTimeouts returns the stock per-operation deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{Default: DefaultTimeout, Connect: ConnectTimeout, Prompt: PromptTimeout}
}

// TimeoutFor returns the deadline for an operation.
func (t Timeouts) TimeoutFor(operation string) time.Duration {
	switch operation {
	case "connect", "agent.start":
		if t.Connect > 0 {
			return t.Connect
		}
		return ConnectTimeout
	case "prompt":
		if t.Prompt > 0 {
			return t.Prompt
		}
		return PromptTimeout
	default:
		if t.Default > 0 {
			return t.Default
		}
		return DefaultTimeout
	}
}

// Pending is an in-flight call. It settles exactly once: on a matching
// response, on timeout, or when the correlator fails all calls.
type Pending struct {
	ID        string
	Operation string
	CreatedAt time.Time

	done   chan struct{}
	result json.RawMessage
	err    error
	timer  *time.Timer
}

// Done is closed once the call has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the call settles or ctx is done. Abandoning a call via
// ctx does not remove it: it still settles when its response or timeout arrives.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator owns the pending-call table for one channel.
type Correlator struct {
	sender   Sender
	timeouts Timeouts

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewCorrelator creates a correlator writing to sender.
func NewCorrelator(sender Sender, timeouts Timeouts) *Correlator {
	return &Correlator{
		sender:   sender,
		timeouts: timeouts,
		pending:  make(map[string]*Pending),
	}
}

// NewID returns a request id of the form <unix-millis>-<random suffix>.
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// Call sends req and waits for its response.
func (c *Correlator) Call(ctx context.Context, req Request, opts CallOptions) (json.RawMessage, error) {
	p, err := c.Go(req, opts)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// CallInto sends req and decodes the result into out (which may be nil).
func (c *Correlator) CallInto(ctx context.Context, req Request, opts CallOptions, out any) error {
	raw, err := c.Call(ctx, req, opts)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", req.Operation, err)
	}
	return nil
}

// Go sends req without waiting. The returned Pending settles later.
func (c *Correlator) Go(req Request, opts CallOptions) (*Pending, error) {
	if req.Type == "" {
		req.Type = DefaultType
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeouts.TimeoutFor(req.Operation)
	}

	p := &Pending{
		Operation: req.Operation,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	id := NewID()
	for {
		if _, taken := c.pending[id]; !taken {
			break
		}
		id = NewID()
	}
	req.ID = id
	p.ID = id
	c.pending[id] = p
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.remove(id)
		return nil, fmt.Errorf("%s: encode request: %w", req.Operation, err)
	}

	if err := c.sender.Send(data); err != nil {
		c.remove(id)
		return nil, &TransportError{Operation: req.Operation, Err: err}
	}

	c.mu.Lock()
	if _, still := c.pending[id]; still {
		p.timer = time.AfterFunc(timeout, func() {
			c.settle(id, nil, &TimeoutError{Operation: req.Operation, ID: id, After: timeout})
		})
	}
	c.mu.Unlock()

	slog.Debug("rpc: request sent", "operation", req.Operation, "id", id, "agentId", req.AgentID)
	return p, nil
}

// Handle inspects an inbound message and settles the matching pending call.
// It reports whether the message was consumed as a response.
func (c *Correlator) Handle(data []byte) bool {
	var env struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[env.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	if len(env.Error) > 0 && string(env.Error) != "null" {
		c.settle(env.ID, nil, decodeRemoteError(p.Operation, env.Error))
		return true
	}
	if authErr := authRequiredResult(p.Operation, env.Result); authErr != nil {
		c.settle(env.ID, nil, authErr)
		return true
	}
	c.settle(env.ID, env.Result, nil)
	return true
}

// FailAll rejects every pending call with err. Used when the channel drops.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.settle(id, nil, err)
	}
}

// PendingCount returns the number of unsettled calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(id string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// settle removes the call and publishes its outcome. Only the first caller
// that removes the entry publishes, so each call settles once.
func (c *Correlator) settle(id string, result json.RawMessage, err error) {
	p := c.remove(id)
	if p == nil {
		return
	}
	p.result = result
	p.err = err
	close(p.done)

	if err != nil {
		if IsTimeout(err) {
			slog.Warn("rpc: call timed out", "operation", p.Operation, "id", id)
		} else {
			slog.Debug("rpc: call failed", "operation", p.Operation, "id", id, "error", err)
		}
		return
	}
	slog.Debug("rpc: call settled", "operation", p.Operation, "id", id, "elapsed", time.Since(p.CreatedAt).Round(time.Millisecond))
}
