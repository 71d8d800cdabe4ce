package wsclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the session machine's knobs.
const (
	DefaultBackoffBase          = time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultQueueLimit           = 512
)

// Options configures a session client.
type Options struct {
	// URL of the server's websocket endpoint.
	URL string

	// Token returns the bearer credential for the next connection attempt.
	// An empty token fails Connect with ErrNoCredential.
	Token func() string

	// BackoffBase is the first reconnect delay; each subsequent attempt
	// doubles it, up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxReconnectAttempts caps consecutive reconnections; exceeding it
	// surfaces ErrReconnectExhausted and stops retrying.
	MaxReconnectAttempts int

	// QueueLimit bounds the offline send buffer. Overflow rejects the new
	// send with ErrQueueFull rather than dropping older entries.
	QueueLimit int

	// OnEvent receives every server envelope while the session is up.
	OnEvent func(Envelope)

	// OnStateChange observes transitions. Optional.
	OnStateChange func(State)

	// OnError receives terminal failures (ErrReconnectExhausted). Optional.
	OnError func(error)

	// Dialer establishes transports; nil means a real WebSocket dialer.
	Dialer Dialer

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BackoffBase <= 0 {
		out.BackoffBase = DefaultBackoffBase
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = DefaultBackoffMax
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if out.QueueLimit <= 0 {
		out.QueueLimit = DefaultQueueLimit
	}
	if out.Dialer == nil {
		out.Dialer = websocketDialer{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Client is the client half of the fanout protocol: one persistent
// connection, re-established with capped exponential backoff when it drops,
// with the client as the source of truth for which channels it should be
// subscribed to. Sends issued while the session is down are buffered FIFO
// and flushed, in submission order, the moment the session is active again.
type Client struct {
	opts Options

	mu         sync.Mutex
	state      State
	transport  Transport
	queue      [][]byte
	channels   map[string]bool
	attempts   int
	localClose bool
	gen        int

	// sleep is swapped out by tests to observe backoff delays.
	sleep func(time.Duration)
}

// New builds a disconnected client.
func New(opts Options) *Client {
	return &Client{
		opts:     opts.withDefaults(),
		state:    StateDisconnected,
		channels: make(map[string]bool),
		sleep:    time.Sleep,
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the session. It is a no-op when a session is already
// starting or up (no duplicate sockets), and fails fast with ErrNoCredential
// when no token is available. A fresh Connect after ErrReconnectExhausted
// starts over with a clean attempt budget.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return nil
	}
	if c.opts.Token == nil || c.opts.Token() == "" {
		return ErrNoCredential
	}

	c.localClose = false
	c.attempts = 0
	c.gen++
	c.setStateLocked(StateConnecting)

	go c.run(c.gen)
	return nil
}

// Close ends the session locally and terminally; no reconnection follows.
func (c *Client) Close() {
	c.mu.Lock()
	c.localClose = true
	transport := c.transport
	c.transport = nil
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
}

// Subscribe records interest in channels and, when the session is active,
// subscribes immediately. The recorded set is re-issued on every reconnect,
// since subscriptions do not survive server-side.
func (c *Client) Subscribe(channelIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range channelIDs {
		c.channels[id] = true
	}
	if c.state != StateActive {
		return nil
	}
	return c.transport.WriteMessage(encodeEnvelope(typeSubscribe, subscribePayload{ChannelIDs: channelIDs}))
}

// Unsubscribe drops interest in channels.
func (c *Client) Unsubscribe(channelIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range channelIDs {
		delete(c.channels, id)
	}
	if c.state != StateActive {
		return nil
	}
	return c.transport.WriteMessage(encodeEnvelope(typeUnsubscribe, subscribePayload{ChannelIDs: channelIDs}))
}

// SendMessage sends (or buffers) a chat message.
func (c *Client) SendMessage(channelID, content string, replyTo *string) error {
	return c.send(encodeEnvelope(typeSendMessage, sendMessagePayload{
		ChannelID: channelID,
		Content:   content,
		ReplyTo:   replyTo,
	}))
}

// SetTyping sends (or buffers) a typing indicator.
func (c *Client) SetTyping(channelID string, typing bool) error {
	return c.send(encodeEnvelope(typeTyping, typingPayload{ChannelID: channelID, Typing: typing}))
}

// UpdatePresence sends (or buffers) an explicit status override.
func (c *Client) UpdatePresence(status string) error {
	return c.send(encodeEnvelope(typeUpdatePresence, updatePresencePayload{Status: status}))
}

// Ping sends a protocol-level ping envelope.
func (c *Client) Ping() error {
	return c.send(encodeEnvelope(typePing, struct{}{}))
}

// send writes immediately when active, otherwise buffers FIFO up to the
// queue limit. Writes are serialized under the lock, preserving the causal
// order of caller actions.
func (c *Client) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localClose {
		return ErrClosed
	}
	if c.state == StateActive {
		return c.transport.WriteMessage(payload)
	}
	if len(c.queue) >= c.opts.QueueLimit {
		return ErrQueueFull
	}
	c.queue = append(c.queue, payload)
	return nil
}

// QueuedSends reports how many sends are buffered awaiting an active session.
func (c *Client) QueuedSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// run drives one session lifetime, including its reconnection attempts.
// gen guards against a stale run goroutine touching a newer session.
func (c *Client) run(gen int) {
	for {
		transport, err := c.dial(gen)
		if err != nil {
			if !c.backoff(gen) {
				return
			}
			continue
		}

		if !c.establish(gen, transport) {
			transport.Close()
			if c.stale(gen) {
				return
			}
			if !c.backoff(gen) {
				return
			}
			continue
		}

		err = c.readLoop(gen, transport)
		transport.Close()

		c.mu.Lock()
		stale := gen != c.gen
		terminal := c.localClose || isNormalClose(err)
		c.transport = nil
		// The transport and the Active state leave together: a caller that
		// wins the lock next must never see Active with no transport.
		if !stale {
			if terminal {
				c.setStateLocked(StateDisconnected)
			} else {
				c.setStateLocked(StateReconnecting)
			}
		}
		c.mu.Unlock()
		if stale || terminal {
			return
		}
		if !c.backoff(gen) {
			return
		}
	}
}

// dial performs one connection attempt.
func (c *Client) dial(gen int) (Transport, error) {
	c.mu.Lock()
	if gen != c.gen || c.localClose {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	token := c.opts.Token()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	target, err := credentialURL(c.opts.URL, token)
	if err != nil {
		return nil, err
	}
	return c.opts.Dialer.Dial(context.Background(), target)
}

// establish runs the authenticate/subscribe/flush sequence on a fresh
// transport and brings the session to Active.
func (c *Client) establish(gen int, transport Transport) bool {
	c.setState(StateAuthenticating)

	// The server acks a registered connection before anything else.
	raw, err := transport.ReadMessage()
	if err != nil {
		return false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != TypeConnectionAck {
		c.opts.Logger.Warn("expected connection ack", "got", env.Type)
		return false
	}

	c.setState(StateSubscribing)

	c.mu.Lock()
	if gen != c.gen || c.localClose {
		c.mu.Unlock()
		return false
	}

	// Re-issue every tracked subscription: the server forgot them when the
	// previous connection batch ended.
	channels := make([]string, 0, len(c.channels))
	for id := range c.channels {
		channels = append(channels, id)
	}
	if len(channels) > 0 {
		if err := transport.WriteMessage(encodeEnvelope(typeSubscribe, subscribePayload{ChannelIDs: channels})); err != nil {
			c.mu.Unlock()
			return false
		}
	}

	// Flush buffered sends in submission order before accepting new calls;
	// holding the lock here is what keeps the order causal.
	for _, payload := range c.queue {
		if err := transport.WriteMessage(payload); err != nil {
			c.mu.Unlock()
			return false
		}
	}
	c.queue = nil

	c.transport = transport
	c.attempts = 0
	c.setStateLocked(StateActive)
	c.mu.Unlock()

	if env.Data != nil {
		c.dispatch(env)
	}
	return true
}

// readLoop delivers server envelopes until the transport fails.
func (c *Client) readLoop(gen int, transport Transport) error {
	for {
		raw, err := transport.ReadMessage()
		if err != nil {
			return err
		}
		if c.stale(gen) {
			return ErrClosed
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.opts.Logger.Debug("malformed server envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

// backoff sleeps before the next attempt, doubling the delay each time.
// It reports false once the attempt cap is exceeded, surfacing
// ErrReconnectExhausted and leaving the session terminally disconnected.
func (c *Client) backoff(gen int) bool {
	c.mu.Lock()
	if gen != c.gen || c.localClose {
		c.mu.Unlock()
		return false
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.opts.MaxReconnectAttempts {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.opts.Logger.Warn("reconnect attempts exhausted", "attempts", attempt-1)
		if c.opts.OnError != nil {
			c.opts.OnError(ErrReconnectExhausted)
		}
		return false
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	// Large attempt counts overflow the shift; a non-positive result means
	// the doubling ran past the cap.
	delay := c.opts.BackoffBase << (attempt - 1)
	if delay <= 0 || delay > c.opts.BackoffMax {
		delay = c.opts.BackoffMax
	}
	c.opts.Logger.Debug("reconnecting", "attempt", attempt, "delay", delay)
	c.sleep(delay)
	return !c.stale(gen)
}

func (c *Client) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen || c.localClose
}

func (c *Client) dispatch(env Envelope) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(env)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnStateChange != nil {
		// Observers run outside the protocol path; a slow observer only
		// delays this session's own goroutine.
		go c.opts.OnStateChange(s)
	}
}
