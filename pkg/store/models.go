package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	Username         string    `gorm:"uniqueIndex;not null"`
	PasswordHash     string    `gorm:"not null"`
	Avatar           string    `gorm:"not null"`
	ConnectionHandle string    `gorm:"index"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time
}

func (UserModel) TableName() string { return "users" }

type MessageModel struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SenderID    uint      `gorm:"not null;index"`
	RecipientID uint      `gorm:"not null;index"`
	Content     string    `gorm:"type:text;not null"`
	Kind        string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

func (MessageModel) TableName() string { return "messages" }
