// Package permission tracks the single live permission prompt and answers it.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/acp-engine/internal/rpc"
)

// ErrNoRequest is returned when there is nothing to resolve.
var ErrNoRequest = errors.New("no pending permission request")

// Outcomes sent back to the agent.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// Caller issues RPCs. *rpc.Correlator satisfies it.
type Caller interface {
	Call(ctx context.Context, req rpc.Request, opts rpc.CallOptions) (json.RawMessage, error)
}

// Request is a permission prompt raised by an agent.
type Request struct {
	RequestID string                    `json:"requestId"`
	AgentID   string                    `json:"agentId,omitempty"`
	SessionID string                    `json:"sessionId,omitempty"`
	ToolCall  map[string]any            `json:"toolCall,omitempty"`
	Options   []acpsdk.PermissionOption `json:"options"`
}

// HasOption reports whether optionID is one of the offered options.
func (r Request) HasOption(optionID string) bool {
	for _, o := range r.Options {
		if string(o.OptionId) == optionID {
			return true
		}
	}
	return false
}

type reply struct {
	RequestID string `json:"requestId"`
	Outcome   string `json:"outcome"`
	OptionID  string `json:"optionId,omitempty"`
}

// Arbitrator holds at most one live request. A newer request supersedes the
// current one; the superseded request is dropped without telling the agent.
type Arbitrator struct {
	caller   Caller
	onChange func(*Request)

	mu      sync.Mutex
	current *Request
}

// NewArbitrator returns an arbitrator answering through caller. onChange,
// if non-nil, is called with the live request (nil when cleared).
func NewArbitrator(caller Caller, onChange func(*Request)) *Arbitrator {
	return &Arbitrator{caller: caller, onChange: onChange}
}

// Offer makes req the live request and returns the one it superseded, if any.
func (a *Arbitrator) Offer(req Request) *Request {
	a.mu.Lock()
	prev := a.current
	a.current = &req
	a.mu.Unlock()

	if prev != nil {
		slog.Warn("permission: request superseded, previous one abandoned without reply",
			"abandonedRequestId", prev.RequestID, "requestId", req.RequestID, "agentId", req.AgentID)
	}
	a.notify()
	return prev
}

// Current returns a copy of the live request.
func (a *Arbitrator) Current() (Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Request{}, false
	}
	return *a.current, true
}

// Resolve answers the live request with the selected option.
func (a *Arbitrator) Resolve(ctx context.Context, optionID string) error {
	return a.answer(ctx, OutcomeSelected, optionID)
}

// Cancel answers the live request with a cancelled outcome.
func (a *Arbitrator) Cancel(ctx context.Context) error {
	return a.answer(ctx, OutcomeCancelled, "")
}

// Clear drops the live request without answering, e.g. when its agent exits.
func (a *Arbitrator) Clear() {
	a.mu.Lock()
	had := a.current != nil
	a.current = nil
	a.mu.Unlock()
	if had {
		a.notify()
	}
}

// answer sends the reply, then clears the request whether or not the RPC
// succeeded. A request that superseded this one while the RPC was in flight
// stays live.
func (a *Arbitrator) answer(ctx context.Context, outcome, optionID string) error {
	a.mu.Lock()
	req := a.current
	a.mu.Unlock()
	if req == nil {
		return ErrNoRequest
	}
	if outcome == OutcomeSelected && !req.HasOption(optionID) {
		slog.Warn("permission: option not offered", "requestId", req.RequestID, "optionId", optionID)
	}

	_, err := a.caller.Call(ctx, rpc.Request{
		Operation: "permission",
		AgentID:   req.AgentID,
		Payload:   reply{RequestID: req.RequestID, Outcome: outcome, OptionID: optionID},
	}, rpc.CallOptions{})

	a.mu.Lock()
	cleared := a.current == req
	if cleared {
		a.current = nil
	}
	a.mu.Unlock()
	if cleared {
		a.notify()
	}

	if err != nil {
		slog.Error("permission: reply failed", "requestId", req.RequestID, "outcome", outcome, "error", err)
		return fmt.Errorf("answer permission request %s: %w", req.RequestID, err)
	}
	slog.Info("permission: answered", "requestId", req.RequestID, "outcome", outcome, "optionId", optionID)
	return nil
}

func (a *Arbitrator) notify() {
	if a.onChange == nil {
		return
	}
	a.mu.Lock()
	var cur *Request
	if a.current != nil {
		c := *a.current
		cur = &c
	}
	a.mu.Unlock()
	a.onChange(cur)
}
