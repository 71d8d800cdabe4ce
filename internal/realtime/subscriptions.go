package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Membership is the external authorization collaborator. It is consulted on
// every subscribe; results are not cached here.
type Membership interface {
	IsChannelMember(ctx context.Context, userID, channelID string) (bool, error)
}

// MembershipFunc adapts a function to the Membership interface.
type MembershipFunc func(ctx context.Context, userID, channelID string) (bool, error)

func (f MembershipFunc) IsChannelMember(ctx context.Context, userID, channelID string) (bool, error) {
	return f(ctx, userID, channelID)
}

// SubscriptionIndex exclusively owns the user<->channel interest relation.
// Subscriptions live only as long as the user's connection batch: when the
// last connection closes, DropUser clears them, and a reconnecting client
// re-subscribes from its own record of interest.
type SubscriptionIndex struct {
	membership Membership
	logger     *slog.Logger

	mu           sync.RWMutex
	channelUsers map[string]map[string]bool // channel id -> set of user ids
	userChannels map[string]map[string]bool // user id -> set of channel ids
}

// NewSubscriptionIndex creates an empty index backed by the given
// authorization collaborator.
func NewSubscriptionIndex(membership Membership, logger *slog.Logger) *SubscriptionIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionIndex{
		membership:   membership,
		logger:       logger,
		channelUsers: make(map[string]map[string]bool),
		userChannels: make(map[string]map[string]bool),
	}
}

// Subscribe records the user's interest in a channel after confirming
// membership with the authorization collaborator. Denial returns
// ErrAuthorizationDenied; callers handling a multi-channel batch skip the
// denied channel and keep going.
func (s *SubscriptionIndex) Subscribe(ctx context.Context, userID, channelID string) error {
	ok, err := s.membership.IsChannelMember(ctx, userID, channelID)
	if err != nil {
		return fmt.Errorf("membership check for user %s channel %s: %w", userID, channelID, err)
	}
	if !ok {
		s.logger.Warn("subscribe denied", "userID", userID, "channelID", channelID)
		return ErrAuthorizationDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channelUsers[channelID] == nil {
		s.channelUsers[channelID] = make(map[string]bool)
	}
	s.channelUsers[channelID][userID] = true

	if s.userChannels[userID] == nil {
		s.userChannels[userID] = make(map[string]bool)
	}
	s.userChannels[userID][channelID] = true

	s.logger.Debug("subscribed", "userID", userID, "channelID", channelID)
	return nil
}

// Unsubscribe removes the user's interest in a channel. Removing an absent
// subscription is a no-op.
func (s *SubscriptionIndex) Unsubscribe(userID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(userID, channelID)
}

func (s *SubscriptionIndex) removeLocked(userID, channelID string) {
	if users := s.channelUsers[channelID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.channelUsers, channelID)
		}
	}
	if channels := s.userChannels[userID]; channels != nil {
		delete(channels, channelID)
		if len(channels) == 0 {
			delete(s.userChannels, userID)
		}
	}
}

// SubscribersOf returns a consistent snapshot of the users interested in a
// channel.
func (s *SubscriptionIndex) SubscribersOf(channelID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := s.channelUsers[channelID]
	out := make([]string, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	return out
}

// ChannelsOf returns a snapshot of the channels a user is subscribed to.
func (s *SubscriptionIndex) ChannelsOf(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := s.userChannels[userID]
	out := make([]string, 0, len(channels))
	for channelID := range channels {
		out = append(out, channelID)
	}
	return out
}

// IsSubscribed reports whether the user currently holds a subscription to
// the channel.
func (s *SubscriptionIndex) IsSubscribed(userID, channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userChannels[userID][channelID]
}

// DropUser clears every subscription held by the user. Called when the
// user's last connection closes; subscriptions never outlive the connection
// batch.
func (s *SubscriptionIndex) DropUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for channelID := range s.userChannels[userID] {
		if users := s.channelUsers[channelID]; users != nil {
			delete(users, userID)
			if len(users) == 0 {
				delete(s.channelUsers, channelID)
			}
		}
	}
	delete(s.userChannels, userID)
}
