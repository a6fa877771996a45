package slackapi

import (
	"errors"
	"fmt"
)

// RemoteAPIError reports a Web API call answered with ok=false.
// Callers can use errors.As to special-case known codes:
//
//	var apiErr *RemoteAPIError
//	if errors.As(err, &apiErr) && apiErr.Code == ErrCodeAlreadyInChannel { ... }
type RemoteAPIError struct {
	Method string
	Code   string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("slack API call to %s failed: %s", e.Method, e.Code)
}

// Error codes the adapter reacts to.
const (
	ErrCodeMalformedResponse = "malformed_response"
	ErrCodeUserIsBot         = "user_is_bot"
	ErrCodeAlreadyInChannel  = "already_in_channel"
	ErrCodeInvalidAuth       = "invalid_auth"
	ErrCodeNotAuthed         = "not_authed"
	ErrCodeAccountInactive   = "account_inactive"
	ErrCodeChannelNotFound   = "channel_not_found"
	ErrCodeUserNotFound      = "user_not_found"
	ErrCodeNameTaken         = "name_taken"
)

// IsRemoteError reports whether err is a *RemoteAPIError with the given code.
func IsRemoteError(err error, code string) bool {
	var apiErr *RemoteAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
