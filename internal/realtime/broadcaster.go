package realtime

import (
	"errors"
	"log/slog"
)

// Broadcaster resolves channel events to concrete connections and delivers
// them. It is the sole producer of outbound bytes: every component that
// emits events (message commit path, typing relay, presence tracker) hands
// them here, so the FIFO-per-destination and failure-isolation guarantees
// hold globally.
//
// During a broadcast it only reads the registry and the subscription index,
// never mutates them, so no lock ordering between the two can deadlock.
type Broadcaster struct {
	registry *Registry
	subs     *SubscriptionIndex
	logger   *slog.Logger
}

// NewBroadcaster wires a broadcaster over the two indices.
func NewBroadcaster(registry *Registry, subs *SubscriptionIndex, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: registry, subs: subs, logger: logger}
}

// BroadcastToChannel delivers event to every live connection of every user
// subscribed to the channel. Each delivery is independent: a connection
// whose queue is full or whose socket is dead is torn down asynchronously
// and never aborts delivery to the rest of the batch.
//
// Enqueueing is a non-blocking handoff to each connection's writer
// goroutine, which drains its queue concurrently with every other
// connection's; a slow consumer stalls only itself.
func (b *Broadcaster) BroadcastToChannel(channelID string, event *Event) {
	if event == nil {
		b.logger.Warn("dropping nil event", "channelID", channelID)
		return
	}
	payload, err := event.Encode()
	if err != nil {
		b.logger.Error("encode event", "type", event.Type, "error", err)
		return
	}

	delivered, failed := 0, 0
	for _, userID := range b.subs.SubscribersOf(channelID) {
		for _, conn := range b.registry.ConnectionsFor(userID) {
			if b.deliver(conn, payload) {
				delivered++
			} else {
				failed++
			}
		}
	}

	b.logger.Debug("channel broadcast",
		"channelID", channelID, "type", event.Type,
		"delivered", delivered, "failed", failed)
}

// SendToUser delivers event to every live connection of one user. Used for
// personal delivery such as connection acks and pongs.
func (b *Broadcaster) SendToUser(userID string, event *Event) {
	if event == nil {
		b.logger.Warn("dropping nil event", "userID", userID)
		return
	}
	payload, err := event.Encode()
	if err != nil {
		b.logger.Error("encode event", "type", event.Type, "error", err)
		return
	}
	for _, conn := range b.registry.ConnectionsFor(userID) {
		b.deliver(conn, payload)
	}
}

// SendToConnection delivers event to a single connection.
func (b *Broadcaster) SendToConnection(conn *Connection, event *Event) error {
	if event == nil {
		return errors.New("nil event")
	}
	payload, err := event.Encode()
	if err != nil {
		return err
	}
	if !b.deliver(conn, payload) {
		return ErrDeliveryFailed
	}
	return nil
}

func (b *Broadcaster) deliver(conn *Connection, payload []byte) bool {
	err := conn.Enqueue(payload)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrDeliveryFailed) {
		// Enqueue already tore the connection down; drop it from the
		// indices without holding up this broadcast.
		go b.registry.Unregister(conn.ID)
	}
	b.logger.Debug("delivery skipped",
		"connectionID", conn.ID, "userID", conn.UserID, "error", err)
	return false
}
