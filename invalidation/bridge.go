// Package invalidation maps inbound push messages to cache-invalidation
// commands. The bridge is stateless; each message is planned independently
// against the set of currently-viewed resources.
package invalidation

import (
	"github.com/rs/zerolog"

	"github.com/planline/planline-go/querycache"
	"github.com/planline/planline-go/realtime"
)

// Invalidator marks cache entries stale. querycache.Cache satisfies it.
type Invalidator interface {
	Invalidate(key querycache.Key)
}

var _ Invalidator = (*querycache.Cache)(nil)

// ViewSet answers whether a resource id is on screen. querycache.ViewRegistry
// satisfies it.
type ViewSet interface {
	IsActive(id string) bool
}

var _ ViewSet = (*querycache.ViewRegistry)(nil)

// Plan decides which entries a message invalidates: the detail and tree
// entries of every referenced id that an active view shows. Ids nobody is
// looking at are skipped so their resources are not refetched.
func Plan(msg realtime.Message, views ViewSet) []querycache.Key {
	var keys []querycache.Key
	for _, id := range msg.IDs() {
		if !views.IsActive(id) {
			continue
		}
		keys = append(keys,
			querycache.Key{Kind: querycache.KindTaskDetail, ID: id},
			querycache.Key{Kind: querycache.KindTaskTree, ID: id},
		)
	}
	return keys
}

// Bridge applies Plan's decisions to a cache. Its HandleMessage method is a
// realtime.Handler.
type Bridge struct {
	cache Invalidator
	views ViewSet
	log   zerolog.Logger
}

// Option modifies a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

func NewBridge(cache Invalidator, views ViewSet, options ...Option) *Bridge {
	b := &Bridge{cache: cache, views: views, log: zerolog.Nop()}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// HandleMessage invalidates every entry the message touches on an active
// view.
func (b *Bridge) HandleMessage(msg realtime.Message) {
	keys := Plan(msg, b.views)
	for _, key := range keys {
		b.cache.Invalidate(key)
	}
	if len(keys) > 0 {
		b.log.Debug().Str("type", msg.Type).Int("invalidated", len(keys)).Msg("push invalidation applied")
	}
}
