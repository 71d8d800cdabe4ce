package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
)

// MessageStore is the persistence collaborator. Create/Update/Delete commit
// durably before returning; the hub only fans out events the store has
// already committed.
type MessageStore interface {
	CreateMessage(ctx context.Context, userID string, in SendMessageData) (*MessagePayload, error)
}

// EventPublisher carries committed channel events towards subscribers.
// The in-process implementation hands them straight to the broadcaster; the
// Kafka-backed one routes them through a topic so every service instance
// can fan them out to its own connections.
type EventPublisher interface {
	PublishToChannel(ctx context.Context, channelID string, event *Event) error
}

// localPublisher delivers committed events directly through the broadcaster.
type localPublisher struct {
	broadcaster *Broadcaster
}

func (p *localPublisher) PublishToChannel(_ context.Context, channelID string, event *Event) error {
	p.broadcaster.BroadcastToChannel(channelID, event)
	return nil
}

// Hub is the explicitly constructed root of the fanout subsystem: it owns
// the registry, subscription index, broadcaster and presence tracker, wires
// their lifecycle hooks together and dispatches inbound client envelopes.
// One hub is created at process start and shut down at process exit; nothing
// here is global.
type Hub struct {
	registry    *Registry
	subs        *SubscriptionIndex
	broadcaster *Broadcaster
	presence    *PresenceTracker
	store       MessageStore
	publisher   EventPublisher
	logger      *slog.Logger
}

// HubOptions collects the hub's collaborators. Store and Mirror may be nil
// (send_message is then rejected, presence is kept in-process only);
// Publisher defaults to direct local fanout.
type HubOptions struct {
	Registry   RegistryConfig
	Membership Membership
	Store      MessageStore
	Mirror     PresenceMirror
	Publisher  EventPublisher
	Logger     *slog.Logger
}

// NewHub builds and wires the fanout subsystem.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(opts.Registry, logger)
	subs := NewSubscriptionIndex(opts.Membership, logger)
	broadcaster := NewBroadcaster(registry, subs, logger)
	presence := NewPresenceTracker(broadcaster, subs, opts.Mirror, logger)

	publisher := opts.Publisher
	if publisher == nil {
		publisher = &localPublisher{broadcaster: broadcaster}
	}

	h := &Hub{
		registry:    registry,
		subs:        subs,
		broadcaster: broadcaster,
		presence:    presence,
		store:       opts.Store,
		publisher:   publisher,
		logger:      logger,
	}

	registry.OnOnline(presence.HandleOnline)
	registry.OnOffline(func(userID string) {
		// Announce while the subscription index still knows which channels
		// care, then clear: subscriptions do not outlive the connection batch.
		presence.HandleOffline(userID)
		subs.DropUser(userID)
	})

	return h
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Subscriptions exposes the subscription index.
func (h *Hub) Subscriptions() *SubscriptionIndex { return h.subs }

// Broadcaster exposes the fanout broadcaster.
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }

// Presence exposes the presence tracker.
func (h *Hub) Presence() *PresenceTracker { return h.presence }

// Shutdown tears down every live connection.
func (h *Hub) Shutdown() {
	h.registry.Shutdown()
}

// PublishToChannel hands an already-committed event to the fanout path.
// This is the entry point for the persistence layer and the membership
// notifier; nothing is broadcast that has not been durably committed
// upstream.
func (h *Hub) PublishToChannel(ctx context.Context, channelID string, event *Event) error {
	return h.publisher.PublishToChannel(ctx, channelID, event)
}

// DeliverToChannel fans an event out to local connections, bypassing the
// publisher. Used by the Kafka relay on the consuming side.
func (h *Hub) DeliverToChannel(channelID string, event *Event) {
	h.broadcaster.BroadcastToChannel(channelID, event)
}

// OnMemberRemoved is the membership-change notifier: when a user is removed
// from a channel, delivery stops immediately and the channel is told the
// user left.
func (h *Hub) OnMemberRemoved(ctx context.Context, userID, channelID string) {
	if !h.subs.IsSubscribed(userID, channelID) {
		return
	}
	h.subs.Unsubscribe(userID, channelID)
	h.broadcaster.BroadcastToChannel(channelID, MustEvent(EventUserLeft, ChannelMemberPayload{
		UserID:    userID,
		ChannelID: channelID,
	}))
}

// HandleInbound dispatches one client envelope received on conn.
func (h *Hub) HandleInbound(ctx context.Context, conn *Connection, raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		h.logger.Debug("malformed envelope",
			"connectionID", conn.ID, "userID", conn.UserID, "error", err)
		h.sendError(conn, "INVALID_MESSAGE", "invalid message format")
		return
	}

	switch event.Type {
	case EventSubscribe:
		h.handleSubscribe(ctx, conn, event.Data)
	case EventUnsubscribe:
		h.handleUnsubscribe(conn, event.Data)
	case EventTyping:
		h.handleTyping(conn, event.Data)
	case EventSendMessage:
		h.handleSendMessage(ctx, conn, event.Data)
	case EventUpdatePresence:
		h.handleUpdatePresence(conn, event.Data)
	case EventPing:
		h.broadcaster.SendToConnection(conn, MustEvent(EventPong, struct{}{}))
	default:
		h.sendError(conn, "UNKNOWN_TYPE", "unknown message type: "+string(event.Type))
	}
}

// handleSubscribe processes a subscribe batch. A denied channel is skipped
// without failing the batch, and the denial is not reported back: doing so
// would leak channel membership to callers not entitled to know it.
func (h *Hub) handleSubscribe(ctx context.Context, conn *Connection, raw json.RawMessage) {
	var data SubscribeData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(conn, "INVALID_MESSAGE", "invalid subscribe payload")
		return
	}

	for _, channelID := range data.ChannelIDs {
		if err := h.subs.Subscribe(ctx, conn.UserID, channelID); err != nil {
			h.logger.Debug("subscribe skipped",
				"userID", conn.UserID, "channelID", channelID, "error", err)
			continue
		}
		h.broadcaster.BroadcastToChannel(channelID, MustEvent(EventUserJoined, ChannelMemberPayload{
			UserID:    conn.UserID,
			ChannelID: channelID,
		}))
	}
}

func (h *Hub) handleUnsubscribe(conn *Connection, raw json.RawMessage) {
	var data SubscribeData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(conn, "INVALID_MESSAGE", "invalid unsubscribe payload")
		return
	}

	for _, channelID := range data.ChannelIDs {
		if !h.subs.IsSubscribed(conn.UserID, channelID) {
			continue
		}
		h.subs.Unsubscribe(conn.UserID, channelID)
		h.broadcaster.BroadcastToChannel(channelID, MustEvent(EventUserLeft, ChannelMemberPayload{
			UserID:    conn.UserID,
			ChannelID: channelID,
		}))
	}
}

func (h *Hub) handleTyping(conn *Connection, raw json.RawMessage) {
	var data TypingData
	if err := json.Unmarshal(raw, &data); err != nil || data.ChannelID == "" {
		h.sendError(conn, "INVALID_MESSAGE", "invalid typing payload")
		return
	}
	h.presence.HandleTyping(conn.UserID, data.ChannelID, data.Typing)
}

// handleSendMessage commits the message through the store and only then
// publishes the resulting event towards subscribers.
func (h *Hub) handleSendMessage(ctx context.Context, conn *Connection, raw json.RawMessage) {
	var data SendMessageData
	if err := json.Unmarshal(raw, &data); err != nil || data.ChannelID == "" {
		h.sendError(conn, "INVALID_MESSAGE", "invalid send_message payload")
		return
	}
	if h.store == nil {
		h.sendError(conn, "UNSUPPORTED", "message persistence is not available")
		return
	}

	msg, err := h.store.CreateMessage(ctx, conn.UserID, data)
	if err != nil {
		h.logger.Error("message create failed",
			"userID", conn.UserID, "channelID", data.ChannelID, "error", err)
		h.sendError(conn, "SEND_FAILED", "failed to send message")
		return
	}

	if err := h.publisher.PublishToChannel(ctx, msg.ChannelID, MustEvent(EventMessageSent, msg)); err != nil {
		h.logger.Error("publish committed message",
			"messageID", msg.ID, "channelID", msg.ChannelID, "error", err)
	}
}

func (h *Hub) handleUpdatePresence(conn *Connection, raw json.RawMessage) {
	var data UpdatePresenceData
	if err := json.Unmarshal(raw, &data); err != nil {
		h.sendError(conn, "INVALID_MESSAGE", "invalid update_presence payload")
		return
	}
	h.presence.SetStatus(conn.UserID, PresenceStatus(data.Status))
}

func (h *Hub) sendError(conn *Connection, code, message string) {
	h.broadcaster.SendToConnection(conn, NewErrorEvent(code, message))
}
