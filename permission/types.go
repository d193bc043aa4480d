// Package permission implements the per-session permission broker: loopback
// HTTP endpoints that suspend a bridge process's approval request until the
// UI resolves it or the prompt times out.
package permission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// PromptPath is the only route a session endpoint serves.
	PromptPath = "/permission-prompt"

	// GlobalChannel receives every prompt from every session.
	GlobalChannel = "permission-prompt"

	// MessageTimedOut is the deny message synthesized when nobody answers in time.
	MessageTimedOut = "Permission prompt timed out"

	// MessageCancelled is the deny message used when the session stops while a prompt waits.
	MessageCancelled = "Permission prompt cancelled: session stopped"
)

// SessionChannel returns the session-scoped notification channel name.
func SessionChannel(sessionID string) string {
	return GlobalChannel + ":" + sessionID
}

// Behavior is the verdict carried by a Decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Request is the body the bridge process POSTs to a session endpoint.
// ToolUseID is carried as metadata only; the broker correlates by its own prompt id.
type Request struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
}

// Decision is the response returned to the bridge process. An allow may
// carry replacement input; a deny may carry a human readable message.
type Decision struct {
	Behavior     Behavior        `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Allow builds an allow decision. updated may be nil.
func Allow(updated json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: updated}
}

// Deny builds a deny decision.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// Validate rejects anything that is not exactly one of the two shapes.
func (d Decision) Validate() error {
	switch d.Behavior {
	case BehaviorAllow:
		if d.Message != "" {
			return errors.New("allow decision must not carry a message")
		}
		if len(d.UpdatedInput) > 0 && !json.Valid(d.UpdatedInput) {
			return errors.New("updatedInput is not valid JSON")
		}
	case BehaviorDeny:
		if len(bytes.TrimSpace(d.UpdatedInput)) > 0 && !bytes.Equal(bytes.TrimSpace(d.UpdatedInput), []byte("null")) {
			return errors.New("deny decision must not carry updatedInput")
		}
	default:
		return fmt.Errorf("unknown behavior %q", d.Behavior)
	}
	return nil
}

// PromptEvent is the notification payload sent to the UI layer.
type PromptEvent struct {
	PromptID  string          `json:"prompt_id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
}

// Notifier delivers prompt events to the UI layer. Errors are logged and
// otherwise ignored; a missed notification ends in the prompt timing out.
type Notifier interface {
	Notify(channel string, event PromptEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(channel string, event PromptEvent) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(channel string, event PromptEvent) error {
	return f(channel, event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, PromptEvent) error { return nil }
