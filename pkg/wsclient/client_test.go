package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeTransport is an in-memory Transport scripted by the test: inbound
// carries server frames (or read errors), writes records client frames.
type fakeTransport struct {
	inbound chan any // []byte frame or error

	mu     sync.Mutex
	writes [][]byte

	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan any, 16),
		closed:  make(chan struct{}),
	}
}

// newAckedTransport returns a transport whose first read is the server's
// connection acknowledgment.
func newAckedTransport() *fakeTransport {
	t := newFakeTransport()
	t.serverSend(TypeConnectionAck, map[string]string{"connection_id": "c1", "user_id": "alice"})
	return t
}

func (t *fakeTransport) serverSend(envType string, data any) {
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(Envelope{Type: envType, Data: raw})
	t.inbound <- frame
}

func (t *fakeTransport) serverFail(err error) {
	t.inbound <- err
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case v := <-t.inbound:
		switch m := v.(type) {
		case []byte:
			return m, nil
		case error:
			return nil, m
		}
		return nil, errors.New("bad fixture")
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) snapshot() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// scriptDialer hands out pre-scripted transports; a nil entry simulates a
// refused connection.
type scriptDialer struct {
	mu    sync.Mutex
	urls  []string
	queue []*fakeTransport
}

func (d *scriptDialer) Dial(_ context.Context, rawURL string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.queue) == 0 {
		return nil, errors.New("no transport scripted")
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next, nil
}

func (d *scriptDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func staticToken(token string) func() string {
	return func() string { return token }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decodeWrite(t *testing.T, raw []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode client frame: %v", err)
	}
	return env
}

func TestConnectRequiresCredential(t *testing.T) {
	c := New(Options{URL: "ws://example/ws", Dialer: &scriptDialer{}})
	if err := c.Connect(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}

	c = New(Options{URL: "ws://example/ws", Token: staticToken(""), Dialer: &scriptDialer{}})
	if err := c.Connect(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential for empty token, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("failed connect must leave the client disconnected, got %s", c.State())
	}
}

func TestConnectBecomesActive(t *testing.T) {
	dialer := &scriptDialer{queue: []*fakeTransport{newAckedTransport()}}
	c := New(Options{URL: "ws://example/ws", Token: staticToken("secret"), Dialer: dialer})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "active state", func() bool { return c.State() == StateActive })

	if got := dialer.dials(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
	if !strings.Contains(dialer.urls[0], "token=secret") {
		t.Fatalf("credential missing from dial url: %s", dialer.urls[0])
	}

	// A second Connect on a live session must not open another socket.
	if err := c.Connect(); err != nil {
		t.Fatalf("duplicate connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := dialer.dials(); got != 1 {
		t.Fatalf("duplicate connect dialed again: %d dials", got)
	}
}

func TestStateTransitionsObserved(t *testing.T) {
	dialer := &scriptDialer{queue: []*fakeTransport{newAckedTransport()}}

	var mu sync.Mutex
	var seen []State
	c := New(Options{
		URL:    "ws://example/ws",
		Token:  staticToken("secret"),
		Dialer: dialer,
		OnStateChange: func(s State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "all transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 4
	})

	// Observer callbacks run on their own goroutines, so only assert that
	// every phase was reported and the session settled on Active.
	mu.Lock()
	snapshot := append([]State(nil), seen...)
	mu.Unlock()
	reported := make(map[State]bool, len(snapshot))
	for _, s := range snapshot {
		reported[s] = true
	}
	for _, s := range []State{StateConnecting, StateAuthenticating, StateSubscribing, StateActive} {
		if !reported[s] {
			t.Fatalf("state %s never reported (saw %v)", s, snapshot)
		}
	}
	waitFor(t, "settled active", func() bool { return c.State() == StateActive })
}

func TestOfflineQueueFlushedInOrder(t *testing.T) {
	transport := newAckedTransport()
	dialer := &scriptDialer{queue: []*fakeTransport{transport}}
	c := New(Options{URL: "ws://example/ws", Token: staticToken("secret"), Dialer: dialer})
	defer c.Close()

	for _, content := range []string{"first", "second", "third"} {
		if err := c.SendMessage("general", content, nil); err != nil {
			t.Fatalf("buffered send: %v", err)
		}
	}
	if got := c.QueuedSends(); got != 3 {
		t.Fatalf("expected 3 queued sends, got %d", got)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "queue flush", func() bool { return len(transport.snapshot()) >= 3 })

	var contents []string
	for _, raw := range transport.snapshot() {
		env := decodeWrite(t, raw)
		if env.Type != typeSendMessage {
			t.Fatalf("expected send_message, got %s", env.Type)
		}
		var payload sendMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		contents = append(contents, payload.Content)
	}
	if contents[0] != "first" || contents[1] != "second" || contents[2] != "third" {
		t.Fatalf("flush broke submission order: %v", contents)
	}
	if got := c.QueuedSends(); got != 0 {
		t.Fatalf("queue should be empty after flush, got %d", got)
	}
}

func TestQueueOverflowRejectsNewSend(t *testing.T) {
	c := New(Options{
		URL:        "ws://example/ws",
		Token:      staticToken("secret"),
		Dialer:     &scriptDialer{},
		QueueLimit: 2,
	})

	if err := c.SendMessage("general", "one", nil); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := c.SetTyping("general", true); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := c.SendMessage("general", "three", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := c.QueuedSends(); got != 2 {
		t.Fatalf("overflow must not evict older sends: %d queued", got)
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	first := newAckedTransport()
	second := newAckedTransport()
	dialer := &scriptDialer{queue: []*fakeTransport{first, second}}
	c := New(Options{
		URL:         "ws://example/ws",
		Token:       staticToken("secret"),
		Dialer:      dialer,
		BackoffBase: time.Millisecond,
	})
	c.sleep = func(time.Duration) {}
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "active state", func() bool { return c.State() == StateActive })

	if err := c.Subscribe("general", "random"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, "subscribe frame", func() bool { return len(first.snapshot()) >= 1 })

	// Abnormal drop: the server vanished mid-session.
	first.serverFail(errors.New("connection reset by peer"))
	waitFor(t, "reconnect", func() bool { return dialer.dials() == 2 && c.State() == StateActive })

	writes := second.snapshot()
	if len(writes) == 0 {
		t.Fatal("no frames written on the new transport")
	}
	env := decodeWrite(t, writes[0])
	if env.Type != typeSubscribe {
		t.Fatalf("first frame after reconnect should re-subscribe, got %s", env.Type)
	}
	var payload subscribePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	got := map[string]bool{}
	for _, id := range payload.ChannelIDs {
		got[id] = true
	}
	if !got["general"] || !got["random"] || len(got) != 2 {
		t.Fatalf("unexpected re-subscribed channels: %v", payload.ChannelIDs)
	}
}

func TestBackoffDoublesAndExhausts(t *testing.T) {
	dialer := &scriptDialer{} // every dial refused
	var mu sync.Mutex
	var delays []time.Duration
	var failures []error

	c := New(Options{
		URL:                  "ws://example/ws",
		Token:                staticToken("secret"),
		Dialer:               dialer,
		BackoffBase:          10 * time.Millisecond,
		BackoffMax:           25 * time.Millisecond,
		MaxReconnectAttempts: 3,
		OnError: func(err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	})
	c.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "exhaustion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(failures[0], ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", failures[0])
	}
	if c.State() != StateDisconnected {
		t.Fatalf("exhausted session should be disconnected, got %s", c.State())
	}

	// Initial attempt plus one per allowed reconnect.
	if got := dialer.dials(); got != 4 {
		t.Fatalf("expected 4 dials, got %d", got)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d: expected %s, got %s", i, want[i], delays[i])
		}
	}
}

func TestNormalCloseIsTerminal(t *testing.T) {
	transport := newAckedTransport()
	dialer := &scriptDialer{queue: []*fakeTransport{transport}}
	c := New(Options{URL: "ws://example/ws", Token: staticToken("secret"), Dialer: dialer})
	c.sleep = func(time.Duration) {}

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "active state", func() bool { return c.State() == StateActive })

	transport.serverFail(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	waitFor(t, "disconnect", func() bool { return c.State() == StateDisconnected })

	time.Sleep(20 * time.Millisecond)
	if got := dialer.dials(); got != 1 {
		t.Fatalf("normal close must not reconnect: %d dials", got)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	transport := newAckedTransport()
	dialer := &scriptDialer{queue: []*fakeTransport{transport}}
	c := New(Options{URL: "ws://example/ws", Token: staticToken("secret"), Dialer: dialer})

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "active state", func() bool { return c.State() == StateActive })

	c.Close()
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", c.State())
	}
	if err := c.SendMessage("general", "too late", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := dialer.dials(); got != 1 {
		t.Fatalf("close must not trigger reconnects: %d dials", got)
	}
}

func TestServerEventsDispatched(t *testing.T) {
	transport := newAckedTransport()
	dialer := &scriptDialer{queue: []*fakeTransport{transport}}

	events := make(chan Envelope, 8)
	c := New(Options{
		URL:     "ws://example/ws",
		Token:   staticToken("secret"),
		Dialer:  dialer,
		OnEvent: func(env Envelope) { events <- env },
	})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "active state", func() bool { return c.State() == StateActive })

	transport.serverSend(TypeMessageSent, map[string]string{
		"id":         "m1",
		"channel_id": "general",
		"content":    "hi",
	})

	for {
		select {
		case env := <-events:
			if env.Type == TypeConnectionAck {
				continue
			}
			if env.Type != TypeMessageSent {
				t.Fatalf("expected message_sent, got %s", env.Type)
			}
			var payload map[string]string
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if payload["channel_id"] != "general" || payload["content"] != "hi" {
				t.Fatalf("unexpected payload: %v", payload)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("no event dispatched")
		}
	}
}

func TestActiveStateAlwaysHasTransport(t *testing.T) {
	first := newAckedTransport()
	dialer := &scriptDialer{queue: []*fakeTransport{first}}
	c := New(Options{
		URL:         "ws://example/ws",
		Token:       staticToken("secret"),
		Dialer:      dialer,
		BackoffBase: time.Millisecond,
	})
	release := make(chan struct{})
	defer close(release)
	c.sleep = func(time.Duration) { <-release }
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "active state", func() bool { return c.State() == StateActive })

	first.serverFail(errors.New("connection reset by peer"))

	// Sample the pair under the lock while the drop is being handled: a
	// caller that wins the lock must never observe Active with no transport,
	// or send would write to a nil interface.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		active, transport := c.state == StateActive, c.transport
		c.mu.Unlock()
		if active && transport == nil {
			t.Fatal("active state published with no transport")
		}
		if !active {
			break
		}
	}
	waitFor(t, "reconnecting state", func() bool { return c.State() == StateReconnecting })

	// Sends issued during the reconnect window buffer instead of writing to
	// the dead transport.
	if err := c.SendMessage("general", "while down", nil); err != nil {
		t.Fatalf("send during reconnect: %v", err)
	}
	if got := c.QueuedSends(); got != 1 {
		t.Fatalf("expected 1 buffered send, got %d", got)
	}
}

func TestBackoffClampedAtLargeAttemptCounts(t *testing.T) {
	dialer := &scriptDialer{} // every dial refused
	var mu sync.Mutex
	var delays []time.Duration
	done := make(chan struct{})

	c := New(Options{
		URL:                  "ws://example/ws",
		Token:                staticToken("secret"),
		Dialer:               dialer,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		MaxReconnectAttempts: 70,
		OnError:              func(error) { close(done) },
	})
	c.sleep = func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attempts never exhausted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 70 {
		t.Fatalf("expected 70 backoff sleeps, got %d", len(delays))
	}
	// Beyond the doubling range every delay sits at the cap; none may go
	// zero or negative when the shift overflows.
	for i, d := range delays {
		if d <= 0 || d > 4*time.Millisecond {
			t.Fatalf("delay %d out of range: %s", i, d)
		}
	}
	if delays[len(delays)-1] != 4*time.Millisecond {
		t.Fatalf("expected final delay at the cap, got %s", delays[len(delays)-1])
	}
}
