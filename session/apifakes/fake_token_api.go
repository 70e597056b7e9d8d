package apifakes

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/planline/planline-go/session"
	"github.com/planline/planline-go/tokenclient"
	"github.com/planline/planline-go/users"
)

var _ session.TokenAPI = (*FakeTokenAPI)(nil)

// FakeTokenAPI is a map-backed TokenAPI for session manager tests. Gates, when
// set, hold a call open until closed so tests can pile up concurrent callers
// against an in-flight operation.
type FakeTokenAPI struct {
	mu sync.Mutex

	Logins   map[string]tokenclient.TokenPair // "email:password" -> pair
	Rotation map[string]tokenclient.TokenPair // refresh token -> new pair
	Profiles map[string]*users.Profile        // access token -> profile

	LoginErr   error
	RefreshErr error
	ProfileErr error
	LogoutErr  error

	ProfileGate chan struct{}
	RefreshGate chan struct{}

	LoginCalls   int
	RefreshCalls int
	ProfileCalls int
	LogoutCalls  int
}

func NewFakeTokenAPI() *FakeTokenAPI {
	return &FakeTokenAPI{
		Logins:   make(map[string]tokenclient.TokenPair),
		Rotation: make(map[string]tokenclient.TokenPair),
		Profiles: make(map[string]*users.Profile),
	}
}

func (f *FakeTokenAPI) PasswordLogin(ctx context.Context, email, password string) (tokenclient.TokenPair, error) {
	f.mu.Lock()
	f.LoginCalls++
	err := f.LoginErr
	pair, ok := f.Logins[email+":"+password]
	f.mu.Unlock()

	if err != nil {
		return tokenclient.TokenPair{}, err
	}
	if !ok {
		return tokenclient.TokenPair{}, errors.Wrap(tokenclient.ErrInvalidCredentials, "fake")
	}
	return pair, nil
}

func (f *FakeTokenAPI) Refresh(ctx context.Context, refreshToken string) (tokenclient.TokenPair, error) {
	f.mu.Lock()
	f.RefreshCalls++
	gate := f.RefreshGate
	err := f.RefreshErr
	pair, ok := f.Rotation[refreshToken]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return tokenclient.TokenPair{}, err
	}
	if !ok {
		return tokenclient.TokenPair{}, errors.Wrap(tokenclient.ErrRefreshInvalid, "fake")
	}
	return pair, nil
}

func (f *FakeTokenAPI) FetchProfile(ctx context.Context, accessToken string) (*users.Profile, error) {
	f.mu.Lock()
	f.ProfileCalls++
	gate := f.ProfileGate
	err := f.ProfileErr
	profile, ok := f.Profiles[accessToken]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(tokenclient.ErrUnauthorized, "fake")
	}
	return profile, nil
}

func (f *FakeTokenAPI) LogoutNotify(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return f.LogoutErr
}

// Calls returns the current call counters under the fake's lock.
func (f *FakeTokenAPI) Calls() (login, refresh, profile, logout int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoginCalls, f.RefreshCalls, f.ProfileCalls, f.LogoutCalls
}
