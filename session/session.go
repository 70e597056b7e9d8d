package session

import "github.com/planline/planline-go/users"

// Status is the session lifecycle state. Exactly one Session exists per
// running application instance; only Manager operations mutate it.
type Status int

const (
	Uninitialized Status = iota
	Initializing
	Authenticated
	Unauthenticated
	Refreshing
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	case Refreshing:
		return "refreshing"
	}
	return "unknown"
}

// Session is the in-memory authentication state handed to render paths.
// LastError carries a user-facing message, never a raw error payload.
type Session struct {
	User      *users.Profile
	Status    Status
	LastError string
}

// Loading reports whether a bootstrap or refresh is in flight.
func (s Session) Loading() bool {
	return s.Status == Initializing || s.Status == Refreshing
}
