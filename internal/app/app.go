// Package app implements the message delivery and mutation pipeline: payload
// validation, persistence, sender/recipient hydration, live fan-out, and the
// compensating file cleanup on delete.
package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"chatline/internal/push"
	"chatline/pkg/apperr"
	"chatline/pkg/auth"
	"chatline/pkg/domain"
	"chatline/pkg/storage"
	"chatline/pkg/store"
)

const (
	// MaxTextLen caps plain text message length.
	MaxTextLen = 150
	// MaxMessageFileBytes caps message file uploads (pre-check on the
	// buffered upload, not a streaming cap).
	MaxMessageFileBytes = 50 << 20
	// MaxAvatarBytes caps avatar image uploads.
	MaxAvatarBytes = 2 << 20
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{3,20}$`)

var allowedAvatarTypes = map[string]struct{}{
	"image/jpg":  {},
	"image/jpeg": {},
	"image/png":  {},
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store   store.Store
	Files   storage.FileStore // message attachments
	Avatars storage.FileStore // profile images
	Push    push.Channel
	Tokens  *auth.TokenMaker
}

// App is the core application service.
type App struct {
	store   store.Store
	files   storage.FileStore
	avatars storage.FileStore
	push    push.Channel
	tokens  *auth.TokenMaker
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("message file store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token maker is required")
	}
	pushChannel := cfg.Push
	if pushChannel == nil {
		pushChannel = push.Nop{}
	}
	avatars := cfg.Avatars
	if avatars == nil {
		avatars = cfg.Files
	}
	return &App{
		store:   cfg.Store,
		files:   cfg.Files,
		avatars: avatars,
		push:    pushChannel,
		tokens:  cfg.Tokens,
	}, nil
}

// Register creates an account with an optional avatar image and issues a
// session token.
func (a *App) Register(ctx context.Context, username, password string, avatar *domain.FilePayload) (domain.PublicUser, string, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return domain.PublicUser{}, "", apperr.Validation("Username must be 3-20 alphanumeric characters")
	}
	if len(password) < 5 || len(password) > 20 {
		return domain.PublicUser{}, "", apperr.Validation("Password must be 5-20 characters")
	}

	avatarRef := domain.DefaultAvatar
	if avatar != nil {
		if _, ok := allowedAvatarTypes[avatar.MimeType]; !ok {
			return domain.PublicUser{}, "", apperr.Validation("Image is not a valid image")
		}
		if avatar.Size > MaxAvatarBytes {
			return domain.PublicUser{}, "", apperr.Validation("Image size is too big")
		}
		name := storage.NewFilename(avatar.Name)
		if err := a.avatars.Save(ctx, name, avatar.Reader, avatar.Size, avatar.MimeType); err != nil {
			return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("save avatar: %w", err))
		}
		avatarRef = name
	}

	taken, err := a.store.HasUsername(username)
	if err != nil {
		return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("check username: %w", err))
	}
	if taken {
		return domain.PublicUser{}, "", apperr.Validation("Username is already taken")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("hash password: %w", err))
	}
	user, err := a.store.CreateUser(domain.User{
		Username:     username,
		PasswordHash: hash,
		Avatar:       avatarRef,
	})
	if err != nil {
		return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("create user: %w", err))
	}
	token, err := a.tokens.Sign(user.ID)
	if err != nil {
		return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("issue token: %w", err))
	}
	return user.Public(), token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(username, password string) (domain.PublicUser, string, error) {
	user, ok, err := a.store.GetUserByUsername(strings.TrimSpace(username))
	if err != nil {
		return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("fetch user: %w", err))
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.PublicUser{}, "", apperr.Authorization("Invalid username or password")
	}
	token, err := a.tokens.Sign(user.ID)
	if err != nil {
		return domain.PublicUser{}, "", apperr.Internal(fmt.Errorf("issue token: %w", err))
	}
	return user.Public(), token, nil
}

// UserFromToken resolves the acting user from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	userID, err := a.tokens.Verify(token)
	if err != nil {
		return domain.User{}, false
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil || !ok {
		return domain.User{}, false
	}
	return user, true
}

// ListUsers returns every user except the acting one, credentials stripped.
func (a *App) ListUsers(actingUserID uint) ([]domain.PublicUser, error) {
	users, err := a.store.ListUsersExcept(actingUserID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list users: %w", err))
	}
	out := make([]domain.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

// GetUser returns one user's public record.
func (a *App) GetUser(id uint) (domain.PublicUser, error) {
	user, ok, err := a.store.GetUserByID(id)
	if err != nil {
		return domain.PublicUser{}, apperr.Internal(fmt.Errorf("fetch user: %w", err))
	}
	if !ok {
		return domain.PublicUser{}, apperr.NotFound("User not found")
	}
	return user.Public(), nil
}

// SendMessage validates the payload, persists the message, hydrates it, and
// notifies the recipient's live connection.
func (a *App) SendMessage(ctx context.Context, actingUserID, recipientID uint, payload domain.MessagePayload) (domain.HydratedMessage, error) {
	msg := domain.Message{
		SenderID:    actingUserID,
		RecipientID: recipientID,
	}
	isFile := false

	switch p := payload.(type) {
	case domain.FilePayload:
		if p.Reader == nil {
			return domain.HydratedMessage{}, apperr.Validation("No file provided")
		}
		if p.Size > MaxMessageFileBytes {
			return domain.HydratedMessage{}, apperr.Validation("File size is too big")
		}
		name := storage.NewFilename(p.Name)
		if err := a.files.Save(ctx, name, p.Reader, p.Size, p.MimeType); err != nil {
			return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("save file: %w", err))
		}
		msg.Content = name
		msg.Kind = domain.ContentKind(p.MimeType)
		isFile = true
	case domain.TextPayload:
		if err := validateText(p.Content); err != nil {
			return domain.HydratedMessage{}, err
		}
		msg.Content = strings.TrimSpace(p.Content)
		msg.Kind = domain.KindText
	default:
		return domain.HydratedMessage{}, apperr.Validation("Message payload is required")
	}

	created, err := a.store.CreateMessage(msg)
	if err != nil {
		return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("create message: %w", err))
	}
	hydrated, err := a.hydrate(created, domain.User.Public)
	if err != nil {
		return domain.HydratedMessage{}, err
	}

	a.push.Emit(hydrated.Recipient.ConnectionHandle, push.EventNewMessage, hydrated)
	if isFile {
		// Ends the recipient-side upload-in-progress indicator.
		a.push.Emit(hydrated.Recipient.ConnectionHandle, push.EventMessageStop,
			map[string]uint{"from": actingUserID})
	}
	return hydrated, nil
}

// ListConversation returns both directions of the conversation with a peer in
// creation order. Hydration uses the peer view: no passwords, no connection
// handles.
func (a *App) ListConversation(actingUserID, peerID uint) ([]domain.HydratedMessage, error) {
	msgs, err := a.store.ListConversation(actingUserID, peerID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list conversation: %w", err))
	}
	out := make([]domain.HydratedMessage, 0, len(msgs))
	for _, msg := range msgs {
		hydrated, err := a.hydrate(msg, domain.User.Peer)
		if err != nil {
			return nil, err
		}
		out = append(out, hydrated)
	}
	return out, nil
}

// UpdateMessage edits a text message's content in place. Only the sender may
// edit, and only plain text messages are editable.
func (a *App) UpdateMessage(actingUserID, messageID uint, newText string) (domain.HydratedMessage, error) {
	if err := validateText(newText); err != nil {
		return domain.HydratedMessage{}, err
	}
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("fetch message: %w", err))
	}
	if !ok {
		return domain.HydratedMessage{}, apperr.NotFound("Message not found")
	}
	if msg.SenderID != actingUserID || !msg.Kind.IsText() {
		return domain.HydratedMessage{}, apperr.Authorization("You are not allowed to edit this message")
	}
	if err := a.store.UpdateMessageContent(messageID, strings.TrimSpace(newText)); err != nil {
		if err == store.ErrNotFound {
			return domain.HydratedMessage{}, apperr.NotFound("Message not found")
		}
		return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("update message: %w", err))
	}

	// Reload for the canonical post-update state.
	updated, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("reload message: %w", err))
	}
	if !ok {
		return domain.HydratedMessage{}, apperr.NotFound("Message not found")
	}
	hydrated, err := a.hydrate(updated, domain.User.Public)
	if err != nil {
		return domain.HydratedMessage{}, err
	}
	a.push.Emit(hydrated.Recipient.ConnectionHandle, push.EventMessageUpdate, hydrated)
	return hydrated, nil
}

// DeleteMessage removes a message; for file messages it also releases the
// stored file. The record is deleted before file cleanup: a cleanup failure
// surfaces as an error even though the record is already gone.
func (a *App) DeleteMessage(ctx context.Context, actingUserID, messageID uint) (domain.HydratedMessage, error) {
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("fetch message: %w", err))
	}
	if !ok {
		return domain.HydratedMessage{}, apperr.NotFound("Message not found")
	}
	if msg.SenderID != actingUserID {
		return domain.HydratedMessage{}, apperr.Authorization("You are not allowed to delete this message")
	}
	if err := a.store.DeleteMessage(messageID); err != nil {
		if err == store.ErrNotFound {
			return domain.HydratedMessage{}, apperr.NotFound("Message not found")
		}
		return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("delete message: %w", err))
	}
	if !msg.Kind.IsText() {
		if err := a.files.Remove(ctx, msg.Content); err != nil {
			return domain.HydratedMessage{}, apperr.Internal(fmt.Errorf("remove file: %w", err))
		}
	}
	hydrated, err := a.hydrate(msg, domain.User.Public)
	if err != nil {
		return domain.HydratedMessage{}, err
	}
	a.push.Emit(hydrated.Recipient.ConnectionHandle, push.EventMessageDelete, hydrated)
	return hydrated, nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" || len(text) > MaxTextLen {
		return apperr.Validation("Message content is too long or empty")
	}
	return nil
}

// hydrate expands sender and recipient IDs into full user records using the
// given view. Both lookups run concurrently.
func (a *App) hydrate(msg domain.Message, view func(domain.User) domain.PublicUser) (domain.HydratedMessage, error) {
	var sender, recipient domain.User
	g := new(errgroup.Group)
	g.Go(func() error {
		u, ok, err := a.store.GetUserByID(msg.SenderID)
		if err != nil {
			return fmt.Errorf("fetch sender: %w", err)
		}
		if !ok {
			return fmt.Errorf("sender %d not found", msg.SenderID)
		}
		sender = u
		return nil
	})
	g.Go(func() error {
		u, ok, err := a.store.GetUserByID(msg.RecipientID)
		if err != nil {
			return fmt.Errorf("fetch recipient: %w", err)
		}
		if !ok {
			return fmt.Errorf("recipient %d not found", msg.RecipientID)
		}
		recipient = u
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.HydratedMessage{}, apperr.Internal(err)
	}
	return domain.HydratedMessage{
		ID:        msg.ID,
		Sender:    view(sender),
		Recipient: view(recipient),
		Content:   msg.Content,
		Kind:      msg.Kind,
	}, nil
}
