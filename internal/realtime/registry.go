package realtime

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults for the registry's tuning knobs.
const (
	DefaultMaxConnsPerUser = 5
	DefaultSendTimeout     = 5 * time.Second
	DefaultSendQueueSize   = 256
)

// RegistryConfig carries the registry's tuning knobs.
type RegistryConfig struct {
	// MaxConnsPerUser is the concurrent-connection cap per user.
	MaxConnsPerUser int

	// SendTimeout bounds every socket write; a connection that cannot be
	// written within it is treated as dead.
	SendTimeout time.Duration

	// SendQueueSize is the depth of each connection's outbound queue.
	SendQueueSize int
}

func (c *RegistryConfig) withDefaults() RegistryConfig {
	out := *c
	if out.MaxConnsPerUser <= 0 {
		out.MaxConnsPerUser = DefaultMaxConnsPerUser
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = DefaultSendQueueSize
	}
	return out
}

// Registry exclusively owns the set of live connections. A single user may
// hold several concurrent connections (tabs, devices); the registry tracks
// them individually and derives user-level online/offline transitions from
// the per-user connection count. Safe for concurrent use from many
// per-connection goroutines.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	// hookMu serializes hook invocations with the transitions that caused
	// them: without it a connection torn down by a concurrent broadcast
	// before Register returns could report its offline ahead of its online.
	// Always acquired before mu, never the other way around.
	hookMu sync.Mutex

	mu        sync.RWMutex
	conns     map[string]*Connection            // connection id -> connection
	userConns map[string]map[string]*Connection // user id -> connection id -> connection

	// Transition hooks, invoked outside the lock, exactly once per 0->1 or
	// 1->0 change of a user's connection count. Set before the first
	// Register call; not guarded.
	onOnline  func(userID string)
	onOffline func(userID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]*Connection),
	}
}

// OnOnline installs the hook fired when a user's connection count goes 0->1.
func (r *Registry) OnOnline(fn func(userID string)) { r.onOnline = fn }

// OnOffline installs the hook fired when a user's connection count goes 1->0.
func (r *Registry) OnOffline(fn func(userID string)) { r.onOffline = fn }

// Register adds a connection for userID backed by sink and starts its writer
// goroutine. It fails only when the user is already at the connection cap;
// in that case the new connection is refused and existing ones are left
// untouched.
func (r *Registry) Register(userID string, sink Sink) (*Connection, error) {
	conn := newConnection(userID, sink, r.cfg.SendQueueSize, r.cfg.SendTimeout, r.logger)
	conn.onDead = func(c *Connection) { r.Unregister(c.ID) }

	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	r.mu.Lock()
	if len(r.userConns[userID]) >= r.cfg.MaxConnsPerUser {
		r.mu.Unlock()
		r.logger.Warn("connection refused, per-user cap reached",
			"userID", userID, "cap", r.cfg.MaxConnsPerUser)
		return nil, ErrCapacityExceeded
	}
	if r.userConns[userID] == nil {
		r.userConns[userID] = make(map[string]*Connection)
	}
	r.userConns[userID][conn.ID] = conn
	r.conns[conn.ID] = conn
	first := len(r.userConns[userID]) == 1
	r.mu.Unlock()

	go conn.writeLoop()

	r.logger.Info("connection registered", "connectionID", conn.ID, "userID", userID)

	if first && r.onOnline != nil {
		r.onOnline(userID)
	}
	return conn, nil
}

// Unregister removes a connection and tears it down. Removing an id that is
// unknown or already removed is a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	userID := conn.UserID
	if set := r.userConns[userID]; set != nil {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.userConns, userID)
		}
	}
	last := r.userConns[userID] == nil
	r.mu.Unlock()

	conn.teardown()

	r.logger.Info("connection unregistered", "connectionID", connectionID, "userID", userID)

	if last && r.onOffline != nil {
		r.onOffline(userID)
	}
}

// ConnectionsFor returns a snapshot of the user's live connections.
// Connections mid-removal are excluded, so no delivery is attempted against
// a socket that is already torn down.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.userConns[userID]
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		if conn.Alive() {
			out = append(out, conn)
		}
	}
	return out
}

// ConnectionCount returns the number of live connections held by userID.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID])
}

// OnlineUsers returns every user with at least one live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.userConns))
	for userID := range r.userConns {
		out = append(out, userID)
	}
	return out
}

// Shutdown tears down every live connection. Used at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Connection)
	r.userConns = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.teardown()
	}
}
