package store

import (
	"sort"
	"sync"

	"chatline/pkg/domain"
)

// MemoryStore keeps users and messages in-process. It backs tests and mirrors
// the Postgres store's ID assignment (monotonically increasing by creation).
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[uint]domain.User
	byUsername map[string]uint
	messages   map[uint]domain.Message
	nextUser   uint
	nextMsg    uint
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[uint]domain.User),
		byUsername: make(map[string]uint),
		messages:   make(map[uint]domain.Message),
	}
}

// CreateUser registers a user and assigns the next ID.
func (m *MemoryStore) CreateUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUser++
	u.ID = m.nextUser
	m.users[u.ID] = u
	m.byUsername[u.Username] = u.ID
	return u, nil
}

// HasUsername checks if a username is already taken.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUsername[username]
	return ok, nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id uint) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsersExcept returns every user other than the given one, by ID.
func (m *MemoryStore) ListUsersExcept(id uint) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		if u.ID != id {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// SetConnectionHandle records the live push-channel id for a user.
func (m *MemoryStore) SetConnectionHandle(userID uint, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.ConnectionHandle = handle
	m.users[userID] = u
	return nil
}

// CreateMessage records a message and assigns the next ID.
func (m *MemoryStore) CreateMessage(msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsg++
	msg.ID = m.nextMsg
	m.messages[msg.ID] = msg
	return msg, nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(id uint) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

// UpdateMessageContent rewrites a message's content in place.
func (m *MemoryStore) UpdateMessageContent(id uint, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Content = content
	m.messages[id] = msg
	return nil
}

// DeleteMessage removes a message record.
func (m *MemoryStore) DeleteMessage(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	return nil
}

// ListConversation returns both directions of a two-user conversation in
// ascending message id order.
func (m *MemoryStore) ListConversation(userID, peerID uint) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if (msg.SenderID == userID && msg.RecipientID == peerID) ||
			(msg.SenderID == peerID && msg.RecipientID == userID) {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}
