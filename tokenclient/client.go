// Package tokenclient wraps the backend's authentication endpoints: password
// grant, OAuth authorization-code exchange, token refresh, profile fetch, and
// the logout notification. Every method is a single request/response with no
// internal retries; callers persist results.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/planline/planline-go/internal/utils"
	"github.com/planline/planline-go/users"
)

const (
	passwordLoginPath = "/auth/token"
	exchangePath      = "/auth/oauth/exchange"
	refreshPath       = "/auth/refresh"
	profilePath       = "/users/me"
	logoutPath        = "/auth/logout"
)

// TokenPair is the credential pair issued by the backend. RefreshToken is
// empty when the server chooses not to rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ExchangeResult is the response to an authorization-code exchange: tokens
// plus the profile the identity provider asserted.
type ExchangeResult struct {
	Tokens TokenPair
	User   *users.Profile
}

// Client is a stateless request/response wrapper. It holds no tokens.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger
}

// Option modifies a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (primarily for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a token exchange client for the backend at baseURL.
func New(baseURL string, timeout time.Duration, options ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken  *string        `json:"access_token,omitempty"`
	RefreshToken *string        `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresIn    int            `json:"expires_in,omitempty"`
	User         *users.Profile `json:"user,omitempty"`
}

func (tr tokenResponse) pair() TokenPair {
	return TokenPair{
		AccessToken:  utils.Value(tr.AccessToken),
		RefreshToken: utils.Value(tr.RefreshToken),
	}
}

// PasswordLogin performs a form-encoded password grant.
func (c *Client) PasswordLogin(ctx context.Context, email, password string) (TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+passwordLoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenPair{}, errors.Wrap(err, "[PasswordLogin] NewRequest")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tr tokenResponse
	if err := c.do(req, &tr, func(status int) error {
		if status >= 400 && status < 500 {
			return ErrInvalidCredentials
		}
		return ErrServer
	}); err != nil {
		return TokenPair{}, errors.Wrap(err, "[PasswordLogin]")
	}
	return tr.pair(), nil
}

// ExchangeAuthorizationCode submits a single-use authorization code. A 400
// response maps to ErrCodeExpiredOrInvalid so callers can offer a restart.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (ExchangeResult, error) {
	req, err := c.jsonRequest(ctx, c.baseURL+exchangePath, map[string]string{"code": code})
	if err != nil {
		return ExchangeResult{}, errors.Wrap(err, "[ExchangeAuthorizationCode] jsonRequest")
	}

	var tr tokenResponse
	if err := c.do(req, &tr, func(status int) error {
		if status == http.StatusBadRequest {
			return ErrCodeExpiredOrInvalid
		}
		return ErrServer
	}); err != nil {
		return ExchangeResult{}, errors.Wrap(err, "[ExchangeAuthorizationCode]")
	}
	return ExchangeResult{Tokens: tr.pair(), User: tr.User}, nil
}

// Refresh obtains a new access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	req, err := c.jsonRequest(ctx, c.baseURL+refreshPath, map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return TokenPair{}, errors.Wrap(err, "[Refresh] jsonRequest")
	}

	var tr tokenResponse
	if err := c.do(req, &tr, func(status int) error {
		if status >= 400 && status < 500 {
			return ErrRefreshInvalid
		}
		return ErrServer
	}); err != nil {
		return TokenPair{}, errors.Wrap(err, "[Refresh]")
	}
	return tr.pair(), nil
}

// FetchProfile validates an access token against the profile endpoint and
// returns the server-authoritative profile.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*users.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+profilePath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[FetchProfile] NewRequest")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var profile users.Profile
	if err := c.do(req, &profile, func(status int) error {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return ErrUnauthorized
		}
		return ErrServer
	}); err != nil {
		return nil, errors.Wrap(err, "[FetchProfile]")
	}
	return &profile, nil
}

// LogoutNotify tells the backend a session ended. Callers treat failure as
// non-fatal; logout must always succeed locally.
func (c *Client) LogoutNotify(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+logoutPath, nil)
	if err != nil {
		return errors.Wrap(err, "[LogoutNotify] NewRequest")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	if err := c.do(req, nil, func(status int) error {
		return ErrServer
	}); err != nil {
		return errors.Wrap(err, "[LogoutNotify]")
	}
	return nil
}

func (c *Client) jsonRequest(ctx context.Context, url string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "NewRequest")
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes the request and decodes a 2xx JSON body into out (when out is
// non-nil). Non-2xx statuses are mapped through classify; the response body is
// drained but never surfaced to callers.
func (c *Client) do(req *http.Request, out any, classify func(status int) error) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrNetwork, err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Int("status", resp.StatusCode).Str("url", req.URL.Path).Msg("backend rejected request")
		return classify(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(ErrServer, err.Error())
	}
	return nil
}
