package session

import (
	"context"

	"github.com/planline/planline-go/tokenclient"
	"github.com/planline/planline-go/users"
)

// TokenAPI is the slice of the backend the session manager depends on.
// tokenclient.Client satisfies it; tests inject a fake.
type TokenAPI interface {
	PasswordLogin(ctx context.Context, email, password string) (tokenclient.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (tokenclient.TokenPair, error)
	FetchProfile(ctx context.Context, accessToken string) (*users.Profile, error)
	LogoutNotify(ctx context.Context, accessToken string) error
}

var _ TokenAPI = (*tokenclient.Client)(nil)
