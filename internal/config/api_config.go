package config

import "time"

// APIConfig describes the REST backend consumed by the token exchange client.
type APIConfig interface {
	GetAPIBaseURL() string
	GetHTTPTimeout() time.Duration
}

type API struct{}

var _ APIConfig = API{}

// GetAPIBaseURL returns the base URL of the Planline REST backend
// (e.g., "https://api.planline.app")
func (API) GetAPIBaseURL() string {
	return GetEnv(apiBaseURLVar, "http://localhost:8080")
}

func (API) GetHTTPTimeout() time.Duration {
	return 15 * time.Second
}
