// Package oauthflow drives the authorization-code exchange: building the
// provider authorization URL, and processing the redirect callback exactly
// once even when the callback view mounts repeatedly. Authorization codes are
// single-use; a duplicate submission must redirect, not error.
package oauthflow

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/planline/planline-go/credentials"
	"github.com/planline/planline-go/session"
	"github.com/planline/planline-go/tokenclient"
	"github.com/planline/planline-go/users"
)

// Navigator is the navigation capability handed to the flow instead of any
// window-global. Implementations route the embedding application.
type Navigator interface {
	NavigateTo(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) NavigateTo(path string) { f(path) }

// Exchanger is the slice of the backend the flow depends on.
// tokenclient.Client satisfies it.
type Exchanger interface {
	ExchangeAuthorizationCode(ctx context.Context, code string) (tokenclient.ExchangeResult, error)
	FetchProfile(ctx context.Context, accessToken string) (*users.Profile, error)
}

var _ Exchanger = (*tokenclient.Client)(nil)

// SessionFinalizer receives the verified profile once the exchange settles.
// session.Manager satisfies it.
type SessionFinalizer interface {
	HandleOAuthCallback(profile *users.Profile) error
}

var _ SessionFinalizer = (*session.Manager)(nil)

// Outcome classifies how a callback was resolved, for the UI layer.
type Outcome int

const (
	// OutcomeAuthenticated means the exchange completed and the session is live.
	OutcomeAuthenticated Outcome = iota
	// OutcomeAlreadyProcessed means this exact callback URL was handled
	// before in this process; the user is simply redirected.
	OutcomeAlreadyProcessed
	// OutcomeInFlight means a fresh ledger entry shows the same code already
	// being exchanged; the caller is redirected optimistically.
	OutcomeInFlight
	// OutcomeRecoverable means the code was expired or invalid and the user
	// should simply log in again.
	OutcomeRecoverable
	// OutcomeFailed means an unexpected failure; transient markers were
	// cleared so a later attempt starts clean.
	OutcomeFailed
)

// Config carries the provider endpoints for BeginLogin and flow timing.
type Config struct {
	ClientID    string
	AuthURL     string
	RedirectURL string
	Scopes      []string

	// HomePath is where successful callbacks land.
	HomePath string

	// LedgerStaleness bounds how long a ledger entry marks an exchange as in
	// flight before it is considered abandoned.
	LedgerStaleness time.Duration
}

// Flow processes OAuth redirects. One Flow exists per application instance;
// the processed-URL set is deliberately in-memory so it scopes to this
// process, while the ledger persists to guard across restarts.
type Flow struct {
	api     Exchanger
	session SessionFinalizer
	store   credentials.Store
	nav     Navigator
	cfg     Config
	log     zerolog.Logger
	nowTime func() time.Time

	mu        sync.Mutex
	processed map[string]struct{}
}

// Option modifies a Flow.
type Option func(*Flow)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(f *Flow) {
		f.nowTime = nowFunc
	}
}

// WithLogger sets the flow logger.
func WithLogger(log zerolog.Logger) Option {
	return func(f *Flow) {
		f.log = log
	}
}

// New creates an OAuth flow.
func New(api Exchanger, sess SessionFinalizer, store credentials.Store, nav Navigator, cfg Config, options ...Option) (*Flow, error) {
	if api == nil {
		return nil, errors.New("[oauthflow.New] api is required")
	}
	if sess == nil {
		return nil, errors.New("[oauthflow.New] session is required")
	}
	if store == nil {
		return nil, errors.New("[oauthflow.New] store is required")
	}
	if nav == nil {
		return nil, errors.New("[oauthflow.New] navigator is required")
	}
	if cfg.LedgerStaleness <= 0 {
		cfg.LedgerStaleness = 2 * time.Minute
	}
	if cfg.HomePath == "" {
		cfg.HomePath = "/"
	}

	f := &Flow{
		api:       api,
		session:   sess,
		store:     store,
		nav:       nav,
		cfg:       cfg,
		log:       zerolog.Nop(),
		nowTime:   time.Now,
		processed: make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// BeginLogin generates a state nonce, persists it, and returns the provider
// authorization URL to send the user to.
func (f *Flow) BeginLogin() (string, error) {
	oauthCfg := oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: f.cfg.RedirectURL,
		Scopes:      f.cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: f.cfg.AuthURL},
	}

	state := uuid.NewString()
	if err := f.store.Set(credentials.KeyOAuthState, state); err != nil {
		return "", errors.Wrap(err, "[BeginLogin] store state")
	}
	return oauthCfg.AuthCodeURL(state), nil
}

// HandleCallback processes one redirect back from the identity provider.
// Navigation happens internally through the Navigator; the returned Outcome
// and error tell the callback view what to render if it is still mounted.
func (f *Flow) HandleCallback(ctx context.Context, callbackURL string) (Outcome, error) {
	code, state, err := parseCallback(callbackURL)
	if err != nil {
		f.clearTransientState("")
		return OutcomeFailed, errors.Wrap(err, "[HandleCallback]")
	}

	// A URL processed once in this process short-circuits straight to the
	// authenticated destination: the code it carries was already spent.
	if f.alreadyProcessed(callbackURL) {
		f.nav.NavigateTo(f.cfg.HomePath)
		return OutcomeAlreadyProcessed, nil
	}

	if storedState, ok := f.store.Get(credentials.KeyOAuthState); ok && storedState != state {
		f.clearTransientState(code)
		return OutcomeFailed, errors.New("[HandleCallback] state mismatch")
	}

	led := f.ledger()
	if led.inFlight(code) {
		f.log.Debug().Msg("exchange already in flight for this code, redirecting")
		f.nav.NavigateTo(f.cfg.HomePath)
		return OutcomeInFlight, nil
	}
	led.record(code)

	result, err := f.api.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, tokenclient.ErrCodeExpiredOrInvalid) {
			// Recoverable by restarting login, so only this code's ledger
			// entry is cleared and a retry with a fresh code goes straight
			// through.
			led.clear(code)
			return OutcomeRecoverable, errors.Wrap(err, "[HandleCallback] exchange")
		}
		f.clearTransientState(code)
		return OutcomeFailed, errors.Wrap(err, "[HandleCallback] exchange")
	}

	_ = f.store.Set(credentials.KeyAccessToken, result.Tokens.AccessToken)
	if result.Tokens.RefreshToken != "" {
		_ = f.store.Set(credentials.KeyRefreshToken, result.Tokens.RefreshToken)
	}

	// Verify the token before the session is finalized. Prefer the profile
	// endpoint's answer over the one embedded in the exchange response.
	profile, err := f.api.FetchProfile(ctx, result.Tokens.AccessToken)
	if err != nil {
		f.log.Warn().Err(err).Msg("profile verify after exchange failed, using exchange profile")
		profile = result.User
	}

	if err := f.session.HandleOAuthCallback(profile); err != nil {
		f.clearTransientState(code)
		return OutcomeFailed, errors.Wrap(err, "[HandleCallback] finalize session")
	}

	led.clear(code)
	_ = f.store.Remove(credentials.KeyOAuthState)
	f.markProcessed(callbackURL)
	f.nav.NavigateTo(f.cfg.HomePath)
	return OutcomeAuthenticated, nil
}

func (f *Flow) ledger() ledger {
	return ledger{store: f.store, staleness: f.cfg.LedgerStaleness, nowTime: f.nowTime}
}

func (f *Flow) alreadyProcessed(callbackURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.processed[callbackURL]
	return ok
}

func (f *Flow) markProcessed(callbackURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[callbackURL] = struct{}{}
}

// clearTransientState wipes every OAuth-scoped marker so a failed attempt
// cannot poison a future one.
func (f *Flow) clearTransientState(code string) {
	if code != "" {
		f.ledger().clear(code)
	}
	_ = f.store.Remove(credentials.KeyOAuthState)
}

func parseCallback(callbackURL string) (code, state string, err error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", "", errors.Wrap(err, "parse callback URL")
	}
	q := u.Query()
	if errParam := q.Get("error"); errParam != "" {
		return "", "", errors.Errorf("provider returned error %q", errParam)
	}
	code = q.Get("code")
	state = q.Get("state")
	if code == "" {
		return "", "", errors.New("callback missing code parameter")
	}
	return code, state, nil
}
