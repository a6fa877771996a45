package chat

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("chat: not connected")

// UserIsBotHelp explains what a bot token cannot do.
const UserIsBotHelp = "Connected to Slack using a bot account, which cannot manage channels itself " +
	"(invite the bot to channels instead, it joins automatically) nor invite people. " +
	"Connect with a regular user token to use this."

// AuthError reports a credential rejected by auth.test. It is always fatal.
type AuthError struct {
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("slack authentication failed: %s", e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError reports a handshake or stream failure. Fatal errors end
// Run; non-fatal ones let it reconnect.
type ConnectionError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("slack %s failed (fatal): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("slack %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CapabilityError reports an operation refused because the account is a bot
// user. It wraps the underlying *slackapi.RemoteAPIError.
type CapabilityError struct {
	Action string
	Err    error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("unable to %s: %s", e.Action, UserIsBotHelp)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// EventHandlingError describes a handler failure contained by the dispatcher.
// It is logged and counted, never returned to the read loop.
type EventHandlingError struct {
	Type  string
	Err   error
	Panic any
}

func (e *EventHandlingError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s event handler panicked: %v", e.Type, e.Panic)
	}
	return fmt.Sprintf("%s event handler failed: %v", e.Type, e.Err)
}

func (e *EventHandlingError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop reconnection attempts.
func IsFatal(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Fatal
	}
	return false
}
