package store

import (
	"time"

	"gorm.io/gorm"
)

// User carries the identity fields the fanout payloads enrich messages with.
// Full user CRUD lives elsewhere; this subsystem only reads.
type User struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Username    string `gorm:"uniqueIndex;not null"`
	DisplayName string
	CreatedAt   time.Time
}

// ChannelMember is one row of the channel membership relation backing the
// subscribe-time authorization check.
type ChannelMember struct {
	ChannelID string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;primaryKey"`
	JoinedAt  time.Time
}

// Message is a durably stored chat message. A message only reaches the
// fanout path after its row has been committed.
type Message struct {
	ID        string  `gorm:"type:uuid;primaryKey"`
	ChannelID string  `gorm:"type:uuid;index;not null"`
	UserID    string  `gorm:"type:uuid;index;not null"`
	Content   string  `gorm:"not null"`
	ReplyTo   *string `gorm:"type:uuid"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}
