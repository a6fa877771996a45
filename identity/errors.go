package identity

import (
	"errors"
	"fmt"
)

// InvalidIdentifierError reports a malformed raw ID or identifier string.
type InvalidIdentifierError struct {
	Input  string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid slack identifier %q: %s", e.Input, e.Reason)
}

// NotFoundError reports a user or conversation the directory has no entry for.
type NotFoundError struct {
	// Kind is "user" or "channel".
	Kind string
	// Key is the ID or name that was looked up.
	Key string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "channel" {
		return fmt.Sprintf("slack channel %s does not exist (or is a private group you don't have access to)", e.Key)
	}
	return fmt.Sprintf("slack %s %q not found", e.Kind, e.Key)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalid reports whether err is, or wraps, an *InvalidIdentifierError.
func IsInvalid(err error) bool {
	var inv *InvalidIdentifierError
	return errors.As(err, &inv)
}
