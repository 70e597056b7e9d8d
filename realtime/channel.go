// Package realtime maintains the client side of the push channel: at most one
// physical websocket connection shared by all logical subscribers, with
// bounded exponential backoff reconnection after a loss.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	maxReadBytes = 1 << 20

	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultKeepalive  = 30 * time.Second

	dialTimeout = 10 * time.Second
	pingTimeout = 5 * time.Second
)

// ErrChannelClosed is returned by Connect when the attempt was superseded by
// an explicit Disconnect.
var ErrChannelClosed = errors.New("realtime channel closed")

// DialFunc opens the websocket connection. Injectable for tests.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// TokenSource supplies the bearer credential attached to the dial handshake.
type TokenSource func() (string, bool)

// Channel is a reconnecting push-channel client. The zero number of
// subscribers with no reconnect pending closes the physical connection.
type Channel struct {
	url        string
	dial       DialFunc
	token      TokenSource
	log        zerolog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	keepalive  time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	generation uint64 // bumped on every new attempt and on Disconnect; stale results are discarded
	attempt    *connectAttempt
	pending    bool // reconnect loop active
	handlers   map[string]Handler
	statusSubs map[string]StatusHandler
}

// connectAttempt lets concurrent Connect callers join one in-flight dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Option modifies a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) {
		c.log = log
	}
}

// WithDialFunc overrides the websocket dialer (primarily for testing).
func WithDialFunc(dial DialFunc) Option {
	return func(c *Channel) {
		c.dial = dial
	}
}

// WithTokenSource attaches bearer credentials to the handshake.
func WithTokenSource(token TokenSource) Option {
	return func(c *Channel) {
		c.token = token
	}
}

// WithBackoff bounds the reconnect backoff.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Channel) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithKeepalive sets the protocol-level ping interval.
func WithKeepalive(interval time.Duration) Option {
	return func(c *Channel) {
		c.keepalive = interval
	}
}

// New creates a channel for the given websocket URL.
func New(url string, options ...Option) *Channel {
	c := &Channel{
		url:        url,
		log:        zerolog.Nop(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		keepalive:  defaultKeepalive,
		handlers:   make(map[string]Handler),
		statusSubs: make(map[string]StatusHandler),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connect opens the physical connection. It is idempotent: while already
// connected it is a no-op, and while an attempt is in flight the caller joins
// it and observes the same result.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.attempt != nil {
		a := c.attempt
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	conn, err := c.dialOnce(ctx)

	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
	}
	if gen != c.generation {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		a.err = ErrChannelClosed
		close(a.done)
		return a.err
	}
	if err != nil {
		c.mu.Unlock()
		a.err = errors.Wrap(err, "[Connect] dial")
		close(a.done)
		return a.err
	}
	c.adopt(conn, gen)
	c.mu.Unlock()

	close(a.done)
	c.notifyStatusIf(gen, true)
	return nil
}

// Disconnect tears the connection down and cancels any pending reconnect.
// Results of attempts started before this call are discarded by generation.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.generation++
	c.pending = false
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasConnected {
		c.notifyStatus(false)
	}
}

// Subscribe registers a handler for inbound messages and returns its
// unsubscribe function. The physical connection closes when the last
// subscriber leaves and no reconnect is pending.
func (c *Channel) Subscribe(handler Handler) (unsubscribe func()) {
	id := uuid.NewString()
	c.mu.Lock()
	c.handlers[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			var conn *websocket.Conn
			if len(c.handlers) == 0 && !c.pending {
				c.generation++
				conn = c.conn
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "last subscriber left")
				c.notifyStatus(false)
			}
		})
	}
}

// SubscribeStatus registers a connected-status observer.
func (c *Channel) SubscribeStatus(handler StatusHandler) (unsubscribe func()) {
	id := uuid.NewString()
	c.mu.Lock()
	c.statusSubs[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.statusSubs, id)
			c.mu.Unlock()
		})
	}
}

// Connected reports the current physical connection status.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// adopt installs a live connection and starts its pumps. Caller holds mu.
func (c *Channel) adopt(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(maxReadBytes)
	c.conn = conn
	c.connected = true
	go c.readLoop(conn, gen)
	go c.keepaliveLoop(conn, gen)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleLoss(gen, err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable push message")
			continue
		}
		for _, h := range c.handlerSnapshot() {
			h(msg)
		}
	}
}

func (c *Channel) keepaliveLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := gen == c.generation && c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := conn.Ping(ctx)
		cancel()
		if err != nil {
			// Unblocks the read loop, which owns loss handling.
			_ = conn.Close(websocket.StatusAbnormalClosure, "keepalive failed")
			return
		}
	}
}

// handleLoss reacts to a read failure. A loss from a superseded generation is
// an echo of an explicit close and is ignored; otherwise the channel flips to
// disconnected and, while subscribers remain, starts the reconnect loop.
func (c *Channel) handleLoss(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	startReconnect := len(c.handlers) > 0 && !c.pending
	if startReconnect {
		c.pending = true
	}
	c.mu.Unlock()

	c.log.Info().Int("close_status", int(websocket.CloseStatus(cause))).Err(cause).Msg("push channel lost")
	c.notifyStatus(false)
	if startReconnect {
		go c.reconnectLoop()
	}
}

func (c *Channel) reconnectLoop() {
	backoff := c.minBackoff
	for {
		time.Sleep(backoff)

		c.mu.Lock()
		if !c.pending {
			c.mu.Unlock()
			return
		}
		// The last subscriber may have left during the backoff window; a
		// reconnect would then hold a connection nobody reads.
		if len(c.handlers) == 0 {
			c.pending = false
			c.mu.Unlock()
			return
		}
		c.generation++
		gen := c.generation
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := c.dialOnce(ctx)
		cancel()

		c.mu.Lock()
		if gen != c.generation || !c.pending {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "superseded")
			}
			return
		}
		if len(c.handlers) == 0 {
			c.pending = false
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "last subscriber left")
			}
			return
		}
		if err == nil {
			c.pending = false
			c.adopt(conn, gen)
			c.mu.Unlock()
			c.log.Info().Msg("push channel reconnected")
			c.notifyStatusIf(gen, true)
			return
		}
		c.mu.Unlock()

		c.log.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect attempt failed")
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Channel) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	if c.dial != nil {
		return c.dial(ctx, c.url)
	}
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != nil {
		if tok, ok := c.token(); ok {
			opts.HTTPHeader.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	return conn, err
}

func (c *Channel) handlerSnapshot() []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

func (c *Channel) notifyStatus(connected bool) {
	c.mu.Lock()
	subs := make([]StatusHandler, 0, len(c.statusSubs))
	for _, s := range c.statusSubs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s(connected)
	}
}

// notifyStatusIf delivers a status transition only while gen is still current.
// A Disconnect that lands between adopting a connection and notifying bumps
// the generation, and its own "down" must be the last word observers hear.
func (c *Channel) notifyStatusIf(gen uint64, connected bool) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	subs := make([]StatusHandler, 0, len(c.statusSubs))
	for _, s := range c.statusSubs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s(connected)
	}
}
