package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceStatus is a user's derived availability.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// ValidOverride reports whether s may be set explicitly by a connected
// client. Offline is derived only; it can never be requested.
func (s PresenceStatus) ValidOverride() bool {
	return s == StatusOnline || s == StatusAway || s == StatusBusy
}

// PresenceMirror pushes presence transitions into an external store (the
// Redis online_users set) so other service instances can read them. Optional.
type PresenceMirror interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error
}

// PresenceTracker owns ephemeral, non-persisted presence and typing state.
// Status is derived: online iff the user holds at least one live connection,
// with away/busy as client-requested overrides that evaporate when the
// connection count reaches zero. Offline always wins over any override.
type PresenceTracker struct {
	broadcaster *Broadcaster
	subs        *SubscriptionIndex
	mirror      PresenceMirror
	logger      *slog.Logger

	mu        sync.RWMutex
	online    map[string]bool
	overrides map[string]PresenceStatus
}

// NewPresenceTracker wires a tracker over the broadcaster and subscription
// index. mirror may be nil.
func NewPresenceTracker(broadcaster *Broadcaster, subs *SubscriptionIndex, mirror PresenceMirror, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceTracker{
		broadcaster: broadcaster,
		subs:        subs,
		mirror:      mirror,
		logger:      logger,
		online:      make(map[string]bool),
		overrides:   make(map[string]PresenceStatus),
	}
}

// StatusOf returns the user's current derived status.
func (p *PresenceTracker) StatusOf(userID string) PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.online[userID] {
		return StatusOffline
	}
	if o, ok := p.overrides[userID]; ok {
		return o
	}
	return StatusOnline
}

// HandleOnline records a 0->1 connection transition and announces the user
// as online. Intermediate connections (2nd, 3rd, ...) never reach here.
func (p *PresenceTracker) HandleOnline(userID string) {
	p.mu.Lock()
	p.online[userID] = true
	p.mu.Unlock()

	if p.mirror != nil {
		if err := p.mirror.SetUserOnline(context.Background(), userID); err != nil {
			p.logger.Error("presence mirror set online", "userID", userID, "error", err)
		}
	}
	p.announce(userID, StatusOnline)
}

// HandleOffline records a 1->0 connection transition: the override is
// cleared and the user is announced offline.
func (p *PresenceTracker) HandleOffline(userID string) {
	p.mu.Lock()
	delete(p.online, userID)
	delete(p.overrides, userID)
	p.mu.Unlock()

	if p.mirror != nil {
		if err := p.mirror.SetUserOffline(context.Background(), userID); err != nil {
			p.logger.Error("presence mirror set offline", "userID", userID, "error", err)
		}
	}
	p.announce(userID, StatusOffline)
}

// SetStatus applies an explicit override from a connected client and
// announces the new status. Requests for a user with no live connection are
// ignored.
func (p *PresenceTracker) SetStatus(userID string, status PresenceStatus) {
	if !status.ValidOverride() {
		p.logger.Warn("ignoring invalid presence override", "userID", userID, "status", status)
		return
	}

	p.mu.Lock()
	if !p.online[userID] {
		p.mu.Unlock()
		return
	}
	if status == StatusOnline {
		delete(p.overrides, userID)
	} else {
		p.overrides[userID] = status
	}
	p.mu.Unlock()

	p.announce(userID, status)
}

// HandleTyping relays a typing indicator to the channel's subscribers. The
// latest value is always forwarded as-is; staleness (a typing=true never
// refreshed) is a consumer-side concern and nothing is deduplicated or
// expired here.
func (p *PresenceTracker) HandleTyping(userID, channelID string, typing bool) {
	p.broadcaster.BroadcastToChannel(channelID, MustEvent(EventUserTyping, UserTypingPayload{
		ChannelID: channelID,
		UserID:    userID,
		Typing:    typing,
	}))
}

// announce fans a presence change out to the subscribers of every channel
// the user is currently in. The audience is asymmetric across a session:
// at the 0->1 transition the user has no subscriptions yet (subscribe
// follows connect), so peers learn of the arrival through user_joined;
// the offline announcement goes out while the subscriptions still exist,
// just before DropUser clears them.
func (p *PresenceTracker) announce(userID string, status PresenceStatus) {
	event := MustEvent(EventUserPresence, UserPresencePayload{
		UserID:    userID,
		Status:    string(status),
		UpdatedAt: time.Now().UTC(),
	})
	for _, channelID := range p.subs.ChannelsOf(userID) {
		p.broadcaster.BroadcastToChannel(channelID, event)
	}
}
