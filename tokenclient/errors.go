package tokenclient

import "errors"

var (
	// ErrInvalidCredentials is returned by PasswordLogin when the backend
	// rejects the email/password combination.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCodeExpiredOrInvalid is returned by ExchangeAuthorizationCode on a
	// 400 response. It is user-recoverable: the caller restarts the login.
	ErrCodeExpiredOrInvalid = errors.New("authorization code expired or invalid")

	// ErrRefreshInvalid is returned by Refresh when the refresh token has
	// been revoked or has expired. A rejected refresh token is never retried.
	ErrRefreshInvalid = errors.New("refresh token invalid")

	// ErrUnauthorized is returned by FetchProfile on 401/403.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrServer covers unexpected backend responses.
	ErrServer = errors.New("server error")

	// ErrNetwork covers transport failures before any response arrived.
	ErrNetwork = errors.New("network error")
)
