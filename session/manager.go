// Package session owns the authentication lifecycle: bootstrapping a session
// from persisted credentials, password login, coalesced token refresh, logout,
// and the OAuth callback hand-off. It is the only writer of the credential
// store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/planline/planline-go/credentials"
	"github.com/planline/planline-go/tokenclient"
	"github.com/planline/planline-go/users"
)

// Single-flight keys. Initialize and Refresh each coalesce their own
// concurrent callers; the two never share a flight.
const (
	flightInitialize = "initialize"
	flightRefresh    = "refresh"
)

const logoutNotifyTimeout = 5 * time.Second

// Manager owns the process-wide Session and serializes every credential
// store mutation through its operations.
type Manager struct {
	api       TokenAPI
	store     credentials.Store
	bypass    string // dev-bypass sentinel token; empty disables the bypass
	log       zerolog.Logger
	nowTime   func() time.Time
	jwtParser *jwt.Parser

	flights singleflight.Group

	mu          sync.RWMutex
	session     Session
	initialized bool
}

// Option modifies a Manager.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithDevBypassToken designates the sentinel access token that authenticates
// a synthesized local profile without any server round trip. Empty disables
// the bypass; production builds pass empty.
func WithDevBypassToken(token string) Option {
	return func(m *Manager) {
		m.bypass = token
	}
}

// New creates a session manager. The store must be the only persisted
// credential medium in the process; UI code never writes it directly.
func New(api TokenAPI, store credentials.Store, options ...Option) (*Manager, error) {
	if api == nil {
		return nil, errors.New("[session.New] api is required")
	}
	if store == nil {
		return nil, errors.New("[session.New] store is required")
	}

	m := &Manager{
		api:       api,
		store:     store,
		log:       zerolog.Nop(),
		nowTime:   time.Now,
		jwtParser: jwt.NewParser(),
		session:   Session{Status: Uninitialized},
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Snapshot returns a copy of the current session for render paths.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Initialize bootstraps the session from persisted credentials. It runs the
// validation sequence exactly once no matter how many callers arrive
// concurrently; late callers join the in-flight result, and callers after
// completion get the settled session back without any network traffic.
// Transport failures never escape: they settle the session Unauthenticated.
func (m *Manager) Initialize(ctx context.Context) Session {
	v, _, _ := m.flights.Do(flightInitialize, func() (any, error) {
		m.mu.Lock()
		if m.initialized {
			s := m.session
			m.mu.Unlock()
			return s, nil
		}
		m.session.Status = Initializing
		m.mu.Unlock()

		// The session must settle on every exit path, panics included.
		defer func() {
			m.mu.Lock()
			m.initialized = true
			if m.session.Status == Initializing {
				m.session.Status = Unauthenticated
			}
			m.mu.Unlock()
		}()

		m.bootstrap(ctx)
		return m.Snapshot(), nil
	})
	return v.(Session)
}

// bootstrap walks the credential paths: access token first (including the
// dev-bypass sentinel), then the refresh token, then Unauthenticated.
func (m *Manager) bootstrap(ctx context.Context) {
	// The mirrored profile paints immediately while validation is in flight.
	// It is non-authoritative and superseded by the next successful fetch.
	if raw, ok := m.store.Get(credentials.KeyProfile); ok {
		if cached, err := users.Decode(raw); err == nil {
			m.mu.Lock()
			m.session.User = cached
			m.mu.Unlock()
		}
	}

	access, hasAccess := m.store.Get(credentials.KeyAccessToken)

	if hasAccess && m.isBypassToken(access) {
		if m.loggedOutExplicitly() {
			m.settle(Unauthenticated, nil, "")
			return
		}
		profile := bypassProfile()
		m.cacheProfile(profile)
		m.settle(Authenticated, profile, "")
		return
	}

	if hasAccess {
		profile, err := m.api.FetchProfile(ctx, access)
		if err == nil {
			m.cacheProfile(profile)
			m.settle(Authenticated, profile, "")
			return
		}
		m.log.Debug().Err(err).Msg("stored access token rejected, trying refresh token")
		_ = m.store.Remove(credentials.KeyAccessToken)
	}

	refresh, hasRefresh := m.store.Get(credentials.KeyRefreshToken)
	if !hasRefresh {
		m.settle(Unauthenticated, nil, "")
		return
	}

	pair, err := m.api.Refresh(ctx, refresh)
	if err != nil {
		// A rejected refresh token is proven invalid; store it no longer so
		// the next bootstrap cannot loop on it.
		m.log.Warn().Err(err).Msg("refresh during bootstrap failed")
		_ = m.store.Remove(credentials.KeyRefreshToken)
		m.settle(Unauthenticated, nil, "")
		return
	}
	m.persistPair(pair, refresh)

	profile, err := m.api.FetchProfile(ctx, pair.AccessToken)
	if err != nil {
		m.log.Warn().Err(err).Msg("profile fetch after bootstrap refresh failed")
		_ = m.store.Remove(credentials.KeyAccessToken)
		_ = m.store.Remove(credentials.KeyRefreshToken)
		m.settle(Unauthenticated, nil, "")
		return
	}
	m.cacheProfile(profile)
	m.settle(Authenticated, profile, "")
}

// Login performs a password grant and validates the token against the profile
// endpoint before anything is persisted, so a failed login never mutates
// stored credentials.
func (m *Manager) Login(ctx context.Context, email, password string) (Session, error) {
	pair, err := m.api.PasswordLogin(ctx, email, password)
	if err != nil {
		msg := MsgTransportFailure
		if errors.Is(err, tokenclient.ErrInvalidCredentials) {
			msg = MsgInvalidCredentials
		}
		m.setError(msg)
		return m.Snapshot(), errors.Wrap(err, "[Login] PasswordLogin")
	}

	profile, err := m.api.FetchProfile(ctx, pair.AccessToken)
	if err != nil {
		m.setError(MsgTransportFailure)
		return m.Snapshot(), errors.Wrap(err, "[Login] FetchProfile")
	}

	m.persistPair(pair, "")
	m.cacheProfile(profile)
	_ = m.store.Remove(credentials.KeyLoggedOut)
	m.settle(Authenticated, profile, "")
	return m.Snapshot(), nil
}

// Refresh exchanges the stored refresh token for a new access token. All
// concurrent callers coalesce into one network refresh; two 401s arriving
// back to back from unrelated API calls cost one request. A rejected refresh
// token forces a full logout-equivalent reset.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	v, err, _ := m.flights.Do(flightRefresh, func() (any, error) {
		refresh, ok := m.store.Get(credentials.KeyRefreshToken)
		if !ok {
			m.reset(MsgSessionExpired)
			return m.Snapshot(), errors.Wrap(tokenclient.ErrRefreshInvalid, "[Refresh] no refresh token stored")
		}

		m.setStatus(Refreshing)
		pair, err := m.api.Refresh(ctx, refresh)
		if err != nil {
			m.log.Warn().Err(err).Msg("token refresh failed, resetting session")
			m.reset(MsgSessionExpired)
			return m.Snapshot(), errors.Wrap(err, "[Refresh]")
		}
		m.persistPair(pair, refresh)

		profile, err := m.api.FetchProfile(ctx, pair.AccessToken)
		switch {
		case err == nil:
			m.cacheProfile(profile)
			m.settle(Authenticated, profile, "")
		case errors.Is(err, tokenclient.ErrUnauthorized):
			m.reset(MsgSessionExpired)
			return m.Snapshot(), errors.Wrap(err, "[Refresh] FetchProfile")
		default:
			// Transport hiccup after a successful refresh: keep the session
			// alive on the mirrored profile.
			m.log.Warn().Err(err).Msg("profile fetch after refresh failed, keeping cached profile")
			m.settle(Authenticated, m.Snapshot().User, "")
		}
		return m.Snapshot(), nil
	})
	return v.(Session), err
}

// Logout notifies the backend best-effort, then unconditionally clears every
// persisted credential. Client-side logout cannot fail.
func (m *Manager) Logout(ctx context.Context) Session {
	if access, ok := m.store.Get(credentials.KeyAccessToken); ok && !m.isBypassToken(access) {
		notifyCtx, cancel := context.WithTimeout(ctx, logoutNotifyTimeout)
		defer cancel()
		if err := m.api.LogoutNotify(notifyCtx, access); err != nil {
			m.log.Warn().Err(err).Msg("server logout notification failed")
		}
	}

	if err := credentials.ClearAll(m.store); err != nil {
		m.log.Error().Err(err).Msg("clearing credential store failed")
	}
	// Suppresses dev-bypass auto-authentication until the next explicit login.
	_ = m.store.Set(credentials.KeyLoggedOut, "1")

	m.settle(Unauthenticated, nil, "")
	return m.Snapshot()
}

// HandleOAuthCallback finalizes an OAuth login with the profile the exchange
// flow already verified. It never overlaps Initialize: the flow only runs it
// after the exchange settled, and Initialize short-circuits while a session
// is Initializing.
func (m *Manager) HandleOAuthCallback(profile *users.Profile) error {
	if !profile.HasIdentity() {
		return errors.Wrap(ErrInvalidOAuthProfile, "[HandleOAuthCallback]")
	}

	m.cacheProfile(profile)
	_ = m.store.Remove(credentials.KeyOAuthState)
	_ = m.store.Remove(credentials.KeyLoggedOut)
	m.settle(Authenticated, profile, "")
	return nil
}

// IsAuthenticated is a synchronous predicate safe to call from render paths:
// true when a non-expired access token exists and an in-memory user is set.
// With the dev-bypass sentinel it lazily synthesizes and caches the
// placeholder profile on first call, a deliberate exception to read purity
// since the bypass has no server round trip to source a profile from.
func (m *Manager) IsAuthenticated() bool {
	access, ok := m.store.Get(credentials.KeyAccessToken)
	if !ok {
		return false
	}

	if m.isBypassToken(access) {
		if m.loggedOutExplicitly() {
			return false
		}
		m.mu.Lock()
		if m.session.User == nil {
			profile := bypassProfile()
			m.session = Session{User: profile, Status: Authenticated}
			m.mu.Unlock()
			m.cacheProfile(profile)
		} else {
			m.mu.Unlock()
		}
		return true
	}

	if m.tokenExpired(access) {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.User != nil
}

// AccessToken returns the persisted access token, for collaborators that
// attach bearer credentials (e.g. the realtime channel dial).
func (m *Manager) AccessToken() (string, bool) {
	return m.store.Get(credentials.KeyAccessToken)
}

// tokenExpired inspects the exp claim of a JWT access token without verifying
// its signature; only the server can do that, and the check merely avoids
// presenting a token that is already dead. Opaque tokens carry no local
// expiry and are passed through.
func (m *Manager) tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := m.jwtParser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(m.nowTime())
}

func (m *Manager) isBypassToken(token string) bool {
	return m.bypass != "" && token == m.bypass
}

func (m *Manager) loggedOutExplicitly() bool {
	_, ok := m.store.Get(credentials.KeyLoggedOut)
	return ok
}

// persistPair stores a token pair, keeping the previous refresh token when
// the server did not rotate it.
func (m *Manager) persistPair(pair tokenclient.TokenPair, previousRefresh string) {
	_ = m.store.Set(credentials.KeyAccessToken, pair.AccessToken)
	refresh := pair.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	if refresh != "" {
		_ = m.store.Set(credentials.KeyRefreshToken, refresh)
	}
}

func (m *Manager) cacheProfile(profile *users.Profile) {
	encoded, err := profile.Encode()
	if err != nil {
		m.log.Warn().Err(err).Msg("profile mirror encode failed")
		return
	}
	_ = m.store.Set(credentials.KeyProfile, encoded)
}

// reset is the hard logout-equivalent transition after a rejected refresh
// token: no credential survives, and the session reports expiry.
func (m *Manager) reset(message string) {
	if err := credentials.ClearAll(m.store); err != nil {
		m.log.Error().Err(err).Msg("clearing credential store failed")
	}
	m.settle(Unauthenticated, nil, message)
}

func (m *Manager) settle(status Status, user *users.Profile, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = Session{User: user, Status: status, LastError: message}
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Status = status
}

func (m *Manager) setError(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.LastError = message
}

// bypassProfile is the deterministic placeholder cached for the dev-bypass
// sentinel.
func bypassProfile() *users.Profile {
	return &users.Profile{
		ID:    "dev-bypass",
		Email: "dev@planline.local",
		Name:  "Dev Bypass",
		Role:  users.RoleOwner,
		Tier:  users.TierUnlimited,
	}
}
