package session

import "errors"

// ErrInvalidOAuthProfile is returned by HandleOAuthCallback when the profile
// from the exchange carries no identity field.
var ErrInvalidOAuthProfile = errors.New("oauth profile missing identity")

// User-facing messages. Raw backend errors never reach the UI layer.
const (
	MsgInvalidCredentials = "Email or password is incorrect."
	MsgTransportFailure   = "We couldn't reach the server. Please try again."
	MsgSessionExpired     = "Your session has expired. Please log in again."
)
