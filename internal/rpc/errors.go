package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConnected is returned by senders when the channel is not open.
var ErrNotConnected = errors.New("channel not connected")

// TransportError reports that a request could not be written to the channel.
// Transport errors are surfaced immediately and never retried.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: send failed: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that no response arrived before the call deadline.
type TimeoutError struct {
	Operation string
	ID        string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s (id=%s)", e.Operation, e.After, e.ID)
}

// AuthMethod describes one way an agent accepts authentication.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// RemoteError is an error returned by the server in a response envelope.
type RemoteError struct {
	Operation    string
	Code         int
	Message      string
	AuthRequired bool
	AuthMethods  []AuthMethod
	Data         json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.AuthRequired {
		return fmt.Sprintf("%s: authentication required", e.Operation)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Operation, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// remoteErrorBody is the object form of a response error.
type remoteErrorBody struct {
	Code         int             `json:"code"`
	Message      string          `json:"message"`
	Error        string          `json:"error"`
	AuthRequired bool            `json:"authRequired"`
	AuthMethods  []AuthMethod    `json:"authMethods"`
	Data         json.RawMessage `json:"data"`
}

// decodeRemoteError accepts both `"error": "text"` and `"error": {...}` forms.
func decodeRemoteError(operation string, raw json.RawMessage) *RemoteError {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &RemoteError{Operation: operation, Message: text}
	}

	var body remoteErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return &RemoteError{Operation: operation, Message: strings.TrimSpace(string(raw))}
	}
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	return &RemoteError{
		Operation:    operation,
		Code:         body.Code,
		Message:      msg,
		AuthRequired: body.AuthRequired,
		AuthMethods:  body.AuthMethods,
		Data:         body.Data,
	}
}

// authRequiredResult detects results of the form {authRequired: true, authMethods: [...]}.
func authRequiredResult(operation string, raw json.RawMessage) *RemoteError {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var shape struct {
		AuthRequired bool         `json:"authRequired"`
		AuthMethods  []AuthMethod `json:"authMethods"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil || !shape.AuthRequired {
		return nil
	}
	return &RemoteError{
		Operation:    operation,
		Message:      "authentication required",
		AuthRequired: true,
		AuthMethods:  shape.AuthMethods,
	}
}

// ValidationError reports a request rejected locally before it was sent,
// e.g. a terminal operation without a terminal id. It is never retried.
type ValidationError struct {
	Operation string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Operation, e.Field, e.Reason)
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
