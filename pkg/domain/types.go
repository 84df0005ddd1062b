package domain

import "io"

// ContentKind discriminates how Message.Content is interpreted: the literal
// text of the message, or the name of a stored file.
type ContentKind string

// KindText is the kind of every plain text message. File messages carry the
// file's MIME type (e.g. "image/png") as their kind instead.
const KindText ContentKind = "plain/text"

// DefaultAvatar is used when a user registers without an avatar image.
const DefaultAvatar = "https://www.gravatar.com/avatar/00000000000000000000000000000000?d=mp&f=y"

// IsText reports whether a content kind denotes a plain text message.
func (k ContentKind) IsText() bool {
	return k == KindText
}

// User is the persisted account record. PasswordHash never serializes;
// ConnectionHandle is maintained by the websocket hub.
type User struct {
	ID               uint   `json:"user_id"`
	Username         string `json:"username"`
	PasswordHash     string `json:"-"`
	Avatar           string `json:"avatar"`
	ConnectionHandle string `json:"connection_handle,omitempty"`
}

// PublicUser is the wire view of a user with credentials stripped.
type PublicUser struct {
	ID               uint   `json:"user_id"`
	Username         string `json:"username"`
	Avatar           string `json:"avatar"`
	ConnectionHandle string `json:"connection_handle,omitempty"`
}

// Public strips the password hash but keeps the connection handle. Used for
// hydrating send/update/delete results.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:               u.ID,
		Username:         u.Username,
		Avatar:           u.Avatar,
		ConnectionHandle: u.ConnectionHandle,
	}
}

// Peer additionally strips the connection handle. Conversation listings use
// this view so peers never learn each other's live socket ids.
func (u User) Peer() PublicUser {
	p := u.Public()
	p.ConnectionHandle = ""
	return p
}

// Message is the persisted message record. Content holds either the text
// itself or a stored filename, depending on Kind.
type Message struct {
	ID          uint        `json:"message_id"`
	SenderID    uint        `json:"message_from"`
	RecipientID uint        `json:"message_to"`
	Content     string      `json:"message_content"`
	Kind        ContentKind `json:"message_type"`
}

// HydratedMessage is the wire view of a message with sender and recipient
// expanded to full user records. The stored entity is never mutated into
// this shape; hydration builds it fresh.
type HydratedMessage struct {
	ID        uint        `json:"message_id"`
	Sender    PublicUser  `json:"message_from"`
	Recipient PublicUser  `json:"message_to"`
	Content   string      `json:"message_content"`
	Kind      ContentKind `json:"message_type"`
}

// MessagePayload is the tagged union of what a send request may carry,
// resolved once at the HTTP boundary.
type MessagePayload interface {
	isPayload()
}

// TextPayload is a plain text message body.
type TextPayload struct {
	Content string
}

// FilePayload is a buffered file upload.
type FilePayload struct {
	Reader   io.Reader
	Size     int64
	MimeType string
	Name     string
}

func (TextPayload) isPayload() {}
func (FilePayload) isPayload() {}
