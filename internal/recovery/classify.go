// Package recovery classifies failures and applies the bounded recovery
// policy: reconnect or recreate the session, then retry once.
package recovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/workspace/acp-engine/internal/rpc"
)

// Class is the recovery-relevant category of an error.
type Class int

const (
	ClassNone Class = iota
	ClassAgentNotConnected
	ClassSessionNotFound
	ClassAuthRequired
	ClassTimeout
	ClassTransport
	ClassValidation
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAgentNotConnected:
		return "agent_not_connected"
	case ClassSessionNotFound:
		return "session_not_found"
	case ClassAuthRequired:
		return "auth_required"
	case ClassTimeout:
		return "timeout"
	case ClassTransport:
		return "transport"
	case ClassValidation:
		return "validation"
	default:
		return "other"
	}
}

// Recoverable reports whether the class triggers a recovery attempt.
func (c Class) Recoverable() bool {
	return c == ClassAgentNotConnected || c == ClassSessionNotFound
}

// Classify maps err to a Class. Typed errors win over message matching so a
// transport failure whose cause mentions "not connected" is never retried.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch {
	case rpc.IsTimeout(err):
		return ClassTimeout
	case rpc.IsTransport(err):
		return ClassTransport
	case rpc.IsValidation(err):
		return ClassValidation
	}

	var ae *AuthRequiredError
	if errors.As(err, &ae) {
		return ClassAuthRequired
	}
	var remote *rpc.RemoteError
	if errors.As(err, &remote) && remote.AuthRequired {
		return ClassAuthRequired
	}

	msg := strings.ToLower(err.Error())
	if remote != nil && remote.Message != "" {
		msg += " " + strings.ToLower(remote.Message)
	}
	switch {
	case strings.Contains(msg, "not connected"):
		return ClassAgentNotConnected
	case strings.Contains(msg, "session not found"), strings.Contains(msg, "no sessionid"):
		return ClassSessionNotFound
	}
	return ClassOther
}

// AuthRequiredError is surfaced when the agent demands authentication. The
// caller should offer Methods and call authenticate; nothing is retried.
type AuthRequiredError struct {
	Methods []rpc.AuthMethod
	Err     error
}

func (e *AuthRequiredError) Error() string {
	ids := make([]string, 0, len(e.Methods))
	for _, m := range e.Methods {
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return "authentication required"
	}
	return fmt.Sprintf("authentication required (methods: %s)", strings.Join(ids, ", "))
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// asAuthRequired converts an auth-required remote error into the surfaced form.
func asAuthRequired(err error) error {
	var ae *AuthRequiredError
	if errors.As(err, &ae) {
		return err
	}
	var remote *rpc.RemoteError
	if errors.As(err, &remote) && remote.AuthRequired {
		return &AuthRequiredError{Methods: remote.AuthMethods, Err: err}
	}
	return err
}
