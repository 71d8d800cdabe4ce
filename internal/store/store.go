package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"teamchat/internal/realtime"
)

// Store is the relational collaborator of the fanout subsystem: it commits
// messages durably and answers the channel-membership question asked at
// subscribe time.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables this subsystem touches.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&User{}, &ChannelMember{}, &Message{})
}

// IsChannelMember implements realtime.Membership.
func (s *Store) IsChannelMember(ctx context.Context, userID, channelID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("channel membership lookup: %w", err)
	}
	return count > 0, nil
}

// CreateMessage commits a new message and returns the enriched payload the
// broadcaster relays. Implements realtime.MessageStore.
func (s *Store) CreateMessage(ctx context.Context, userID string, in realtime.SendMessageData) (*realtime.MessagePayload, error) {
	msg := Message{
		ID:        uuid.New().String(),
		ChannelID: in.ChannelID,
		UserID:    userID,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load message author: %w", err)
	}

	return &realtime.MessagePayload{
		ID:          msg.ID,
		ChannelID:   msg.ChannelID,
		UserID:      msg.UserID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Content:     msg.Content,
		ReplyTo:     msg.ReplyTo,
		CreatedAt:   msg.CreatedAt,
	}, nil
}

// UpdateMessage commits an edit and returns the payload for the
// message_updated event.
func (s *Store) UpdateMessage(ctx context.Context, messageID, userID, content string) (*realtime.MessagePayload, error) {
	var msg Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ? AND user_id = ?", messageID, userID).Error; err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}

	msg.Content = content
	if err := s.db.WithContext(ctx).Save(&msg).Error; err != nil {
		return nil, fmt.Errorf("update message %s: %w", messageID, err)
	}

	return &realtime.MessagePayload{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		ReplyTo:   msg.ReplyTo,
		CreatedAt: msg.CreatedAt,
	}, nil
}

// DeleteMessage soft-deletes a message and returns the payload for the
// message_deleted event.
func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string) (*realtime.MessageDeletedPayload, error) {
	var msg Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ? AND user_id = ?", messageID, userID).Error; err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if err := s.db.WithContext(ctx).Delete(&msg).Error; err != nil {
		return nil, fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return &realtime.MessageDeletedPayload{ID: msg.ID, ChannelID: msg.ChannelID}, nil
}

// RemoveChannelMember deletes a membership row. The caller is expected to
// notify the hub so delivery stops immediately.
func (s *Store) RemoveChannelMember(ctx context.Context, userID, channelID string) error {
	return s.db.WithContext(ctx).
		Delete(&ChannelMember{}, "channel_id = ? AND user_id = ?", channelID, userID).Error
}
