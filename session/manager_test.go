package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/planline/planline-go/credentials"
	"github.com/planline/planline-go/credentials/memstore"
	"github.com/planline/planline-go/session"
	"github.com/planline/planline-go/session/apifakes"
	"github.com/planline/planline-go/tokenclient"
	"github.com/planline/planline-go/users"
)

const (
	testAccessToken  = "access-1"
	testRefreshToken = "refresh-1"
	testBypassToken  = "planline-dev-bypass"
	testEmail        = "jane.doe@example.com"
	testPassword     = "password123"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testFixture struct {
	api     *apifakes.FakeTokenAPI
	store   *memstore.MemStore
	manager *session.Manager
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	api := apifakes.NewFakeTokenAPI()
	store := memstore.New()

	manager, err := session.New(api, store,
		session.WithDevBypassToken(testBypassToken),
		session.WithNowTime(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	return &testFixture{api: api, store: store, manager: manager}
}

func testProfile() *users.Profile {
	return &users.Profile{
		ID:    "user-1",
		Email: testEmail,
		Role:  users.RoleMember,
		Tier:  users.TierPro,
	}
}

func TestInitialize_SingleFlight(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyAccessToken, testAccessToken))
	f.api.Profiles[testAccessToken] = testProfile()
	f.api.ProfileGate = make(chan struct{})

	const callers = 8
	results := make([]session.Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.manager.Initialize(context.Background())
		}(i)
	}

	// Let every caller pile up against the in-flight validation.
	time.Sleep(50 * time.Millisecond)
	close(f.api.ProfileGate)
	wg.Wait()

	_, _, profileCalls, _ := f.api.Calls()
	require.Equal(t, 1, profileCalls, "exactly one validation sequence must run")
	for _, s := range results {
		require.Equal(t, session.Authenticated, s.Status)
		require.Equal(t, testEmail, s.User.Email)
	}
}

func TestInitialize_RunsOncePerLifetime(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyAccessToken, testAccessToken))
	f.api.Profiles[testAccessToken] = testProfile()

	first := f.manager.Initialize(context.Background())
	second := f.manager.Initialize(context.Background())

	_, _, profileCalls, _ := f.api.Calls()
	require.Equal(t, 1, profileCalls)
	require.Equal(t, first, second)
}

func TestInitialize_RefreshTokenOnly(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyRefreshToken, testRefreshToken))
	f.api.Rotation[testRefreshToken] = tokenclient.TokenPair{AccessToken: testAccessToken, RefreshToken: "refresh-2"}
	f.api.Profiles[testAccessToken] = testProfile()

	s := f.manager.Initialize(context.Background())

	require.Equal(t, session.Authenticated, s.Status)
	require.Equal(t, testEmail, s.User.Email)

	access, ok := f.store.Get(credentials.KeyAccessToken)
	require.True(t, ok)
	require.Equal(t, testAccessToken, access)

	rotated, ok := f.store.Get(credentials.KeyRefreshToken)
	require.True(t, ok)
	require.Equal(t, "refresh-2", rotated)

	_, ok = f.store.Get(credentials.KeyProfile)
	require.True(t, ok, "profile mirror must be cached")
}

func TestInitialize_RejectedAccessTokenNoRefresh(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyAccessToken, "stale-token"))

	s := f.manager.Initialize(context.Background())

	require.Equal(t, session.Unauthenticated, s.Status)
	_, refreshCalls, profileCalls, _ := f.api.Calls()
	require.Equal(t, 1, profileCalls, "only the one failed profile fetch")
	require.Equal(t, 0, refreshCalls)
	_, ok := f.store.Get(credentials.KeyAccessToken)
	require.False(t, ok, "rejected access token must not linger")
}

func TestInitialize_InvalidRefreshTokenCleared(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyRefreshToken, "revoked"))

	s := f.manager.Initialize(context.Background())

	require.Equal(t, session.Unauthenticated, s.Status)
	_, ok := f.store.Get(credentials.KeyRefreshToken)
	require.False(t, ok, "a rejected refresh token must never be retried")
}

func TestInitialize_NoCredentials(t *testing.T) {
	f := setupTestFixture(t)

	s := f.manager.Initialize(context.Background())

	require.Equal(t, session.Unauthenticated, s.Status)
	login, refresh, profile, logout := f.api.Calls()
	require.Zero(t, login+refresh+profile+logout)
}

func TestInitialize_BypassToken(t *testing.T) {
	t.Run("synthesizes placeholder without network", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, testBypassToken))

		s := f.manager.Initialize(context.Background())

		require.Equal(t, session.Authenticated, s.Status)
		require.Equal(t, "dev-bypass", s.User.ID)
		_, _, profileCalls, _ := f.api.Calls()
		require.Zero(t, profileCalls)
	})

	t.Run("suppressed after explicit logout", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, testBypassToken))
		require.NoError(t, f.store.Set(credentials.KeyLoggedOut, "1"))

		s := f.manager.Initialize(context.Background())

		require.Equal(t, session.Unauthenticated, s.Status)
	})
}

func TestLogin(t *testing.T) {
	t.Run("success persists pair and profile", func(t *testing.T) {
		f := setupTestFixture(t)
		f.api.Logins[testEmail+":"+testPassword] = tokenclient.TokenPair{AccessToken: testAccessToken, RefreshToken: testRefreshToken}
		f.api.Profiles[testAccessToken] = testProfile()

		s, err := f.manager.Login(context.Background(), testEmail, testPassword)
		require.NoError(t, err)
		require.Equal(t, session.Authenticated, s.Status)

		access, _ := f.store.Get(credentials.KeyAccessToken)
		require.Equal(t, testAccessToken, access)
		refresh, _ := f.store.Get(credentials.KeyRefreshToken)
		require.Equal(t, testRefreshToken, refresh)
	})

	t.Run("bad credentials leave store untouched", func(t *testing.T) {
		f := setupTestFixture(t)

		_, err := f.manager.Login(context.Background(), testEmail, "wrong")
		require.Error(t, err)
		require.ErrorIs(t, err, tokenclient.ErrInvalidCredentials)
		require.Equal(t, session.MsgInvalidCredentials, f.manager.Snapshot().LastError)

		_, ok := f.store.Get(credentials.KeyAccessToken)
		require.False(t, ok)
	})

	t.Run("transport failure reported distinctly", func(t *testing.T) {
		f := setupTestFixture(t)
		f.api.LoginErr = tokenclient.ErrNetwork

		_, err := f.manager.Login(context.Background(), testEmail, testPassword)
		require.Error(t, err)
		require.Equal(t, session.MsgTransportFailure, f.manager.Snapshot().LastError)
	})
}

func TestRefresh_Coalesced(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyRefreshToken, testRefreshToken))
	f.api.Rotation[testRefreshToken] = tokenclient.TokenPair{AccessToken: testAccessToken}
	f.api.Profiles[testAccessToken] = testProfile()
	f.api.RefreshGate = make(chan struct{})

	// Two 401 responses from unrelated calls trigger two refresh attempts
	// back to back; only one network refresh may go out.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.manager.Refresh(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.api.RefreshGate)
	wg.Wait()

	_, refreshCalls, _, _ := f.api.Calls()
	require.Equal(t, 1, refreshCalls)
	require.Equal(t, session.Authenticated, f.manager.Snapshot().Status)
}

func TestRefresh_InvalidForcesHardReset(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.store.Set(credentials.KeyAccessToken, "old-access"))
	require.NoError(t, f.store.Set(credentials.KeyRefreshToken, "revoked"))
	require.NoError(t, f.store.Set(credentials.KeyProfile, "{}"))

	s, err := f.manager.Refresh(context.Background())

	require.Error(t, err)
	require.ErrorIs(t, err, tokenclient.ErrRefreshInvalid)
	require.Equal(t, session.Unauthenticated, s.Status)
	require.Equal(t, session.MsgSessionExpired, s.LastError)

	for _, key := range []string{credentials.KeyAccessToken, credentials.KeyRefreshToken, credentials.KeyProfile} {
		_, ok := f.store.Get(key)
		require.False(t, ok, "no stale credential may survive a rejected refresh: %s", key)
	}
}

func TestLogout_AlwaysClearsStore(t *testing.T) {
	t.Run("even when server notification fails", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, testAccessToken))
		require.NoError(t, f.store.Set(credentials.KeyRefreshToken, testRefreshToken))
		require.NoError(t, f.store.Set(credentials.KeyProfile, "{}"))
		f.api.LogoutErr = tokenclient.ErrServer

		s := f.manager.Logout(context.Background())

		require.Equal(t, session.Unauthenticated, s.Status)
		for _, key := range []string{credentials.KeyAccessToken, credentials.KeyRefreshToken, credentials.KeyProfile} {
			_, ok := f.store.Get(key)
			require.False(t, ok)
		}
		_, ok := f.store.Get(credentials.KeyLoggedOut)
		require.True(t, ok, "explicit logout marker must be set")
	})

	t.Run("notifies the server best-effort", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, testAccessToken))

		f.manager.Logout(context.Background())

		_, _, _, logoutCalls := f.api.Calls()
		require.Equal(t, 1, logoutCalls)
	})
}

func TestHandleOAuthCallback(t *testing.T) {
	t.Run("rejects profile without identity", func(t *testing.T) {
		f := setupTestFixture(t)

		err := f.manager.HandleOAuthCallback(&users.Profile{Role: users.RoleMember})
		require.Error(t, err)
		require.ErrorIs(t, err, session.ErrInvalidOAuthProfile)
	})

	t.Run("persists profile and clears transient state", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(credentials.KeyOAuthState, "nonce"))
		require.NoError(t, f.store.Set(credentials.KeyLoggedOut, "1"))

		require.NoError(t, f.manager.HandleOAuthCallback(testProfile()))

		require.Equal(t, session.Authenticated, f.manager.Snapshot().Status)
		_, ok := f.store.Get(credentials.KeyOAuthState)
		require.False(t, ok)
		_, ok = f.store.Get(credentials.KeyLoggedOut)
		require.False(t, ok)
		_, ok = f.store.Get(credentials.KeyProfile)
		require.True(t, ok)
	})
}

func TestIsAuthenticated(t *testing.T) {
	t.Run("false without token", func(t *testing.T) {
		f := setupTestFixture(t)
		require.False(t, f.manager.IsAuthenticated())
	})

	t.Run("bypass token lazily synthesizes profile", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, testBypassToken))

		require.True(t, f.manager.IsAuthenticated())
		require.NotNil(t, f.manager.Snapshot().User)
		require.Equal(t, "dev-bypass", f.manager.Snapshot().User.ID)
	})

	t.Run("expired JWT access token", func(t *testing.T) {
		f := setupTestFixture(t)
		expired := signedToken(t, testNow.Add(-time.Hour))
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, expired))

		require.False(t, f.manager.IsAuthenticated())
	})

	t.Run("live JWT with in-memory user", func(t *testing.T) {
		f := setupTestFixture(t)
		live := signedToken(t, testNow.Add(time.Hour))
		require.NoError(t, f.store.Set(credentials.KeyAccessToken, live))
		f.api.Profiles[live] = testProfile()
		f.manager.Initialize(context.Background())

		require.True(t, f.manager.IsAuthenticated())
	})
}

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}
