// Package credentials defines the persisted key/value store that survives
// process restarts: tokens, the cached profile mirror, and the transient
// markers used by the OAuth flow. It is a dumb storage layer; no validation
// happens here.
package credentials

// Well-known keys. Only the session manager and the OAuth flow write these;
// embedding applications read through their APIs instead of touching the
// store directly.
const (
	KeyAccessToken  = "planline.access_token"
	KeyRefreshToken = "planline.refresh_token"
	KeyProfile      = "planline.profile"
	KeyOAuthState   = "planline.oauth_state"
	KeyLoggedOut    = "planline.logged_out"

	// KeyLedgerPrefix prefixes duplicate-submission ledger entries, keyed by
	// a prefix of the authorization code. Values are RFC3339 timestamps.
	KeyLedgerPrefix = "planline.oauth_ledger."
)

// Store is synchronous persisted key/value storage. Implementations must
// survive a process restart (filestore) or explicitly opt out (memstore).
type Store interface {
	// Get returns the stored value and whether the key was present.
	Get(key string) (string, bool)

	// Set stores a value, replacing any previous one.
	Set(key, value string) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(key string) error

	// Keys returns all currently stored keys. Used to clear prefixed
	// ledger entries on logout.
	Keys() []string
}

// ClearAll removes every stored key. Logout relies on this leaving no
// credential behind regardless of prior state.
func ClearAll(s Store) error {
	for _, k := range s.Keys() {
		if err := s.Remove(k); err != nil {
			return err
		}
	}
	return nil
}
