// Package transport owns the single reconnecting push connection to the
// server. It knows nothing about entities: it delivers envelopes and reports
// every (re)connect so subscribers can refetch what they may have missed.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/maestro/internal/events"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Listener receives everything the channel delivers. Both methods run on the
// channel's read goroutine.
type Listener interface {
	HandleMessage(events.Envelope)
	// HandleConnect is called on every transition into StateConnected,
	// including the first.
	HandleConnect()
}

// ListenerFuncs adapts a pair of functions to Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	OnMessage func(events.Envelope)
	OnConnect func()
}

func (l ListenerFuncs) HandleMessage(env events.Envelope) {
	if l.OnMessage != nil {
		l.OnMessage(env)
	}
}

func (l ListenerFuncs) HandleConnect() {
	if l.OnConnect != nil {
		l.OnConnect()
	}
}

// Option configures a Channel.
type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithBackoff overrides the reconnect delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Channel) {
		c.base = base
		c.max = max
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStateHook registers a callback for every state change.
func WithStateHook(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

type subscriber struct {
	id uint64
	l  Listener
}

// Channel is a reference-counted push connection. The physical connection
// opens when the first listener subscribes and closes when the last one
// unsubscribes.
type Channel struct {
	url     string
	dialer  Dialer
	base    time.Duration
	max     time.Duration
	logger  *slog.Logger
	onState func(State)

	mu     sync.Mutex
	state  State
	subs   []subscriber
	nextID uint64
	gen    uint64
	cancel context.CancelFunc
	conn   Conn
}

// New creates an idle channel for url. Nothing is dialed until Subscribe.
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:    url,
		dialer: WSDialer{},
		base:   DefaultBaseDelay,
		max:    DefaultMaxDelay,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	sharedMu sync.Mutex
	shared   *Channel
)

// Shared returns the process-wide channel, creating it on first use. Later
// calls return the same channel and ignore their arguments.
func Shared(url string, opts ...Option) *Channel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(url, opts...)
	}
	return shared
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribers returns the current reference count.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Subscribe registers l and returns its unsubscribe func, which is safe to
// call more than once and from inside a listener callback.
func (c *Channel) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs = append(c.subs, subscriber{id: id, l: l})
	if len(c.subs) == 1 {
		c.startLocked()
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(id) })
	}
}

func (c *Channel) unsubscribe(id uint64) {
	c.mu.Lock()
	idx := -1
	for i, s := range c.subs {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.subs = append(c.subs[:idx], c.subs[idx+1:]...)
	if len(c.subs) > 0 {
		c.mu.Unlock()
		return
	}

	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.gen++
	c.state = StateDisconnected
	hook := c.onState
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Debug("push channel closed, no subscribers left", "url", c.url)
	if hook != nil {
		hook(StateDisconnected)
	}
}

// startLocked launches a new connection generation. c.mu must be held.
func (c *Channel) startLocked() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx, c.gen)
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	attempts := 0
	for {
		c.setState(gen, StateConnecting)
		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push channel dial failed", "url", c.url, "attempt", attempts, "error", err)
		} else {
			if !c.attach(gen, conn) {
				_ = conn.Close()
				return
			}
			attempts = 0
			c.setState(gen, StateConnected)
			c.logger.Info("push channel connected", "url", c.url)
			c.notifyConnect(ctx)

			err = c.readLoop(ctx, conn)
			c.detach(gen)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.setState(gen, StateDisconnected)
			c.logger.Warn("push channel lost", "url", c.url, "error", err)
		}

		delay := Backoff(c.base, c.max, attempts)
		attempts++
		c.setState(gen, StateReconnecting)
		c.logger.Debug("push channel reconnect scheduled", "delay", delay, "attempt", attempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("dropping malformed push message", "bytes", len(data), "error", err)
			continue
		}
		c.dispatch(ctx, func(l Listener) { l.HandleMessage(env) })
	}
}

func (c *Channel) notifyConnect(ctx context.Context) {
	c.dispatch(ctx, func(l Listener) { l.HandleConnect() })
}

func (c *Channel) dispatch(ctx context.Context, fn func(Listener)) {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		fn(s.l)
	}
}

func (c *Channel) attach(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) detach(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.conn = nil
	}
}

func (c *Channel) setState(gen uint64, s State) {
	c.mu.Lock()
	if c.gen != gen || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	hook := c.onState
	c.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}
