package store

import "chatline/pkg/domain"

// Store defines persistence operations for users and messages.
type Store interface {
	// users
	CreateUser(domain.User) (domain.User, error)
	HasUsername(username string) (bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByID(id uint) (domain.User, bool, error)
	ListUsersExcept(id uint) ([]domain.User, error)
	SetConnectionHandle(userID uint, handle string) error

	// messages
	CreateMessage(domain.Message) (domain.Message, error)
	GetMessage(id uint) (domain.Message, bool, error)
	UpdateMessageContent(id uint, content string) error
	DeleteMessage(id uint) error
	ListConversation(userID, peerID uint) ([]domain.Message, error)
}
