package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisConnection connects to Redis and verifies the link with a ping.
func NewRedisConnection(uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// PresenceMirror reflects connection-derived presence into Redis so sibling
// service instances and the REST layer can read who is online. Implements
// realtime.PresenceMirror.
type PresenceMirror struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPresenceMirror wraps an open Redis client.
func NewPresenceMirror(client *redis.Client, logger *slog.Logger) *PresenceMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceMirror{client: client, logger: logger}
}

func statusKey(userID string) string { return fmt.Sprintf("user:%s:status", userID) }

// SetUserOnline adds the user to the online set and stamps their status hash.
func (m *PresenceMirror) SetUserOnline(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	pipe := m.client.Pipeline()
	pipe.SAdd(ctx, "online_users", userID)
	pipe.HSet(ctx, statusKey(userID), map[string]interface{}{
		"status":     "online",
		"updated_at": now,
	})
	pipe.Expire(ctx, statusKey(userID), 5*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set user online: %w", err)
	}
	m.logger.Debug("user mirrored online", "userID", userID)
	return nil
}

// SetUserOffline removes the user from the online set and records last_seen.
func (m *PresenceMirror) SetUserOffline(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	pipe := m.client.Pipeline()
	pipe.SRem(ctx, "online_users", userID)
	pipe.HSet(ctx, statusKey(userID), map[string]interface{}{
		"status":    "offline",
		"last_seen": now,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set user offline: %w", err)
	}
	m.logger.Debug("user mirrored offline", "userID", userID)
	return nil
}

// OnlineUsers returns the mirrored set of online user ids.
func (m *PresenceMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, "online_users").Result()
}
