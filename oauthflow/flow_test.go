package oauthflow_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline-go/credentials"
	"github.com/planline/planline-go/credentials/memstore"
	"github.com/planline/planline-go/oauthflow"
	"github.com/planline/planline-go/session"
	"github.com/planline/planline-go/session/apifakes"
	"github.com/planline/planline-go/tokenclient"
	"github.com/planline/planline-go/users"
)

const (
	testCode  = "abc123def456"
	testState = "state-nonce-1"
	homePath  = "/app"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeExchanger struct {
	mu            sync.Mutex
	exchangeCalls int
	exchangeErr   error
	result        tokenclient.ExchangeResult
	profiles      map[string]*users.Profile
}

func (f *fakeExchanger) ExchangeAuthorizationCode(ctx context.Context, code string) (tokenclient.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return tokenclient.ExchangeResult{}, f.exchangeErr
	}
	return f.result, nil
}

func (f *fakeExchanger) FetchProfile(ctx context.Context, accessToken string) (*users.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[accessToken]; ok {
		return p, nil
	}
	return nil, errors.Wrap(tokenclient.ErrUnauthorized, "fake")
}

func (f *fakeExchanger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls
}

type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNavigator) NavigateTo(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNavigator) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.paths) == 0 {
		return ""
	}
	return n.paths[len(n.paths)-1]
}

type testFixture struct {
	api     *fakeExchanger
	store   *memstore.MemStore
	nav     *recordingNavigator
	manager *session.Manager
	flow    *oauthflow.Flow
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	profile := &users.Profile{ID: "user-1", Email: "jane.doe@example.com"}
	api := &fakeExchanger{
		result: tokenclient.ExchangeResult{
			Tokens: tokenclient.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
			User:   profile,
		},
		profiles: map[string]*users.Profile{"access-1": profile},
	}
	store := memstore.New()
	nav := &recordingNavigator{}

	manager, err := session.New(apifakes.NewFakeTokenAPI(), store)
	require.NoError(t, err)

	flow, err := oauthflow.New(api, manager, store, nav, oauthflow.Config{
		ClientID:        "planline-web",
		AuthURL:         "https://id.example.com/oauth2/authorize",
		RedirectURL:     "http://localhost:3000/auth/callback",
		Scopes:          []string{"openid", "profile"},
		HomePath:        homePath,
		LedgerStaleness: 2 * time.Minute,
	}, oauthflow.WithNowTime(func() time.Time { return testNow }))
	require.NoError(t, err)

	return &testFixture{api: api, store: store, nav: nav, manager: manager, flow: flow}
}

func callbackURL(code, state string) string {
	return "http://localhost:3000/auth/callback?code=" + code + "&state=" + state
}

func ledgerKey(code string) string {
	return credentials.KeyLedgerPrefix + code[:8]
}

func TestHandleCallback_Success(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyOAuthState, testState))

	outcome, err := f.flow.HandleCallback(context.Background(), callbackURL(testCode, testState))
	require.NoError(t, err)
	require.Equal(t, oauthflow.OutcomeAuthenticated, outcome)
	require.Equal(t, homePath, f.nav.last())

	access, _ := f.store.Get(credentials.KeyAccessToken)
	require.Equal(t, "access-1", access)
	require.Equal(t, session.Authenticated, f.manager.Snapshot().Status)

	_, ok := f.store.Get(credentials.KeyOAuthState)
	require.False(t, ok, "state nonce must be cleared")
	_, ok = f.store.Get(ledgerKey(testCode))
	require.False(t, ok, "ledger entry must be cleared")
}

func TestHandleCallback_DuplicateURLShortCircuits(t *testing.T) {
	f := setupTestFixture(t)
	u := callbackURL(testCode, testState)

	_, err := f.flow.HandleCallback(context.Background(), u)
	require.NoError(t, err)

	outcome, err := f.flow.HandleCallback(context.Background(), u)
	require.NoError(t, err)
	require.Equal(t, oauthflow.OutcomeAlreadyProcessed, outcome)
	require.Equal(t, 1, f.api.calls(), "a spent code must never be resubmitted")
	require.Equal(t, homePath, f.nav.last())
}

func TestHandleCallback_LedgerDedupe(t *testing.T) {
	t.Run("fresh entry treated as in flight", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(ledgerKey(testCode), testNow.Add(-30*time.Second).Format(time.RFC3339)))

		outcome, err := f.flow.HandleCallback(context.Background(), callbackURL(testCode, testState))
		require.NoError(t, err)
		require.Equal(t, oauthflow.OutcomeInFlight, outcome)
		require.Zero(t, f.api.calls())
		require.Equal(t, homePath, f.nav.last())
	})

	t.Run("stale entry from a crashed tab is cleared and the exchange proceeds", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(ledgerKey(testCode), testNow.Add(-3*time.Minute).Format(time.RFC3339)))

		outcome, err := f.flow.HandleCallback(context.Background(), callbackURL(testCode, testState))
		require.NoError(t, err)
		require.Equal(t, oauthflow.OutcomeAuthenticated, outcome)
		require.Equal(t, 1, f.api.calls())
	})
}

func TestHandleCallback_ExpiredCode(t *testing.T) {
	f := setupTestFixture(t)
	f.api.exchangeErr = tokenclient.ErrCodeExpiredOrInvalid

	outcome, err := f.flow.HandleCallback(context.Background(), callbackURL(testCode, testState))
	require.Error(t, err)
	require.ErrorIs(t, err, tokenclient.ErrCodeExpiredOrInvalid)
	require.Equal(t, oauthflow.OutcomeRecoverable, outcome)

	_, ok := f.store.Get(ledgerKey(testCode))
	require.False(t, ok, "ledger entry must be cleared so a retry is possible")

	// A retry with a fresh code goes straight through.
	f.api.exchangeErr = nil
	outcome, err = f.flow.HandleCallback(context.Background(), callbackURL("fresh456code", testState))
	require.NoError(t, err)
	require.Equal(t, oauthflow.OutcomeAuthenticated, outcome)
	require.Equal(t, 2, f.api.calls())
}

func TestHandleCallback_UnexpectedFailureClearsTransientState(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyOAuthState, testState))
	f.api.exchangeErr = tokenclient.ErrServer

	outcome, err := f.flow.HandleCallback(context.Background(), callbackURL(testCode, testState))
	require.Error(t, err)
	require.Equal(t, oauthflow.OutcomeFailed, outcome)

	_, ok := f.store.Get(credentials.KeyOAuthState)
	require.False(t, ok)
	_, ok = f.store.Get(ledgerKey(testCode))
	require.False(t, ok)
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyOAuthState, "expected-nonce"))

	outcome, err := f.flow.HandleCallback(context.Background(), callbackURL(testCode, "attacker-nonce"))
	require.Error(t, err)
	require.Equal(t, oauthflow.OutcomeFailed, outcome)
	require.Zero(t, f.api.calls())
}

func TestHandleCallback_ProviderError(t *testing.T) {
	f := setupTestFixture(t)

	outcome, err := f.flow.HandleCallback(context.Background(), "http://localhost:3000/auth/callback?error=access_denied")
	require.Error(t, err)
	require.Equal(t, oauthflow.OutcomeFailed, outcome)
	require.Zero(t, f.api.calls())
}

func TestBeginLogin(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.flow.BeginLogin()
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	require.Equal(t, "id.example.com", u.Host)
	require.Equal(t, "planline-web", u.Query().Get("client_id"))

	state, ok := f.store.Get(credentials.KeyOAuthState)
	require.True(t, ok)
	require.Equal(t, state, u.Query().Get("state"), "persisted nonce must match the URL")
}
