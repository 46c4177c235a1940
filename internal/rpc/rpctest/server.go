// Package rpctest provides a scripted in-memory peer for exercising code that
// talks through an rpc.Correlator.
package rpctest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/workspace/acp-engine/internal/rpc"
)

// ErrNoReply tells the server to leave a call unanswered.
var ErrNoReply = errors.New("rpctest: no reply")

// Call is a request as observed by the server.
type Call struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	AgentID   string          `json:"agentId"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the call payload into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Payload, v)
}

// Handler produces the result (or error) for a call.
type Handler func(call Call) (any, error)

// Server implements rpc.Sender and answers requests with scripted handlers.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	deliver  func([]byte)
	sendErr  error
}

// NewServer returns a server with no handlers.
func NewServer() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Attach sets the function inbound messages are delivered to.
func (s *Server) Attach(deliver func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

// On registers the handler for an operation.
func (s *Server) On(operation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = h
}

// FailSends makes every subsequent Send return err (nil restores).
func (s *Server) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send records the request and answers it synchronously.
func (s *Server) Send(data []byte) error {
	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return fmt.Errorf("rpctest: decode request: %w", err)
	}

	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.calls = append(s.calls, call)
	h, ok := s.handlers[call.Operation]
	s.mu.Unlock()

	if !ok {
		s.ReplyError(call.ID, &rpc.RemoteError{Message: "unknown operation " + call.Operation})
		return nil
	}

	result, err := h(call)
	switch {
	case errors.Is(err, ErrNoReply):
	case err != nil:
		s.ReplyError(call.ID, err)
	default:
		s.Reply(call.ID, result)
	}
	return nil
}

// Reply delivers a successful response for id.
func (s *Server) Reply(id string, result any) {
	raw, _ := json.Marshal(result)
	s.Emit(map[string]any{"id": id, "result": json.RawMessage(raw)})
}

// ReplyError delivers an error response for id. *rpc.RemoteError values keep
// their structured fields; other errors become {"message": err.Error()}.
func (s *Server) ReplyError(id string, err error) {
	body := map[string]any{"message": err.Error()}
	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		body = map[string]any{"message": remote.Message}
		if remote.Code != 0 {
			body["code"] = remote.Code
		}
		if remote.AuthRequired {
			body["authRequired"] = true
			body["authMethods"] = remote.AuthMethods
		}
	}
	s.Emit(map[string]any{"id": id, "error": body})
}

// Emit delivers an arbitrary inbound message.
func (s *Server) Emit(msg any) {
	data, _ := json.Marshal(msg)
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	if deliver != nil {
		deliver(data)
	}
}

// Calls returns the recorded requests for an operation ("" for all).
func (s *Server) Calls(operation string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if operation == "" || c.Operation == operation {
			out = append(out, c)
		}
	}
	return out
}

// Subscribe attaches fn like Attach and returns a function detaching it, so a
// Server can stand in for a transport channel.
func (s *Server) Subscribe(fn func([]byte)) func() {
	s.Attach(fn)
	return func() { s.Attach(nil) }
}
