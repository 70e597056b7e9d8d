package oauthflow

import (
	"time"

	"github.com/planline/planline-go/credentials"
)

// codePrefixLength bounds how much of an authorization code lands in the
// store. The prefix is only a dedupe key, never a usable credential.
const codePrefixLength = 8

// ledger is the duplicate-submission guard for authorization codes. An entry
// under a code's prefix marks an exchange as in flight; entries older than
// the staleness window are treated as leftovers of a crashed tab and cleared
// rather than honored.
type ledger struct {
	store     credentials.Store
	staleness time.Duration
	nowTime   func() time.Time
}

func (l ledger) key(code string) string {
	prefix := code
	if len(prefix) > codePrefixLength {
		prefix = prefix[:codePrefixLength]
	}
	return credentials.KeyLedgerPrefix + prefix
}

// inFlight reports whether a fresh entry exists for this code. A stale entry
// is removed on the way through.
func (l ledger) inFlight(code string) bool {
	raw, ok := l.store.Get(l.key(code))
	if !ok {
		return false
	}
	recorded, err := time.Parse(time.RFC3339, raw)
	if err != nil || l.nowTime().Sub(recorded) >= l.staleness {
		_ = l.store.Remove(l.key(code))
		return false
	}
	return true
}

func (l ledger) record(code string) {
	_ = l.store.Set(l.key(code), l.nowTime().Format(time.RFC3339))
}

func (l ledger) clear(code string) {
	_ = l.store.Remove(l.key(code))
}
