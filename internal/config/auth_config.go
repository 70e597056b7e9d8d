package config

import (
	"strings"
	"time"
)

type AuthConfig interface {
	GetDevBypassToken() string
	GetLedgerStaleness() time.Duration
	GetOAuthClientID() string
	GetOAuthAuthURL() string
	GetOAuthRedirectURL() string
	GetOAuthScopes() []string
	GetHomePath() string
}

type Auth struct{}

var _ AuthConfig = Auth{}

// GetDevBypassToken returns the sentinel access token that authenticates a
// synthesized local profile without a server round trip. It is empty (disabled)
// in production builds.
func (Auth) GetDevBypassToken() string {
	if strings.EqualFold(EnvVars{}.GetEnv(), "PROD") {
		return ""
	}
	return GetEnv("DEV_BYPASS_TOKEN", "planline-dev-bypass")
}

// GetLedgerStaleness bounds how long a duplicate-submission ledger entry is
// treated as an in-flight exchange before it is considered abandoned.
func (Auth) GetLedgerStaleness() time.Duration {
	return 2 * time.Minute
}

func (Auth) GetOAuthClientID() string {
	return GetEnv("OAUTH_CLIENT_ID", "planline-web")
}

func (Auth) GetOAuthAuthURL() string {
	return GetEnv("OAUTH_AUTH_URL", "https://id.planline.app/oauth2/authorize")
}

func (Auth) GetOAuthRedirectURL() string {
	return GetEnv("OAUTH_REDIRECT_URL", "http://localhost:3000/auth/callback")
}

func (Auth) GetOAuthScopes() []string {
	return strings.Fields(GetEnv("OAUTH_SCOPES", "openid profile email"))
}

func (Auth) GetHomePath() string {
	return GetEnv("HOME_PATH", "/app")
}
