package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatline/internal/push"
	"chatline/pkg/apperr"
	"chatline/pkg/auth"
	"chatline/pkg/domain"
	"chatline/pkg/storage"
	"chatline/pkg/store"
)

type fixture struct {
	app      *App
	store    *store.MemoryStore
	push     *push.Recorder
	filesDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewDiskStore(dir)
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	st := store.NewMemoryStore()
	rec := &push.Recorder{}
	a, err := New(Config{
		Store:  st,
		Files:  files,
		Push:   rec,
		Tokens: auth.NewTokenMaker("test-secret", time.Hour),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &fixture{app: a, store: st, push: rec, filesDir: dir}
}

// addUser seeds a user directly, with an optional live connection handle.
func (f *fixture) addUser(t *testing.T, username, handle string) domain.User {
	t.Helper()
	u, err := f.store.CreateUser(domain.User{
		Username:     username,
		PasswordHash: "x",
		Avatar:       domain.DefaultAvatar,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
	if handle != "" {
		if err := f.store.SetConnectionHandle(u.ID, handle); err != nil {
			t.Fatalf("set handle: %v", err)
		}
		u.ConnectionHandle = handle
	}
	return u
}

func (f *fixture) storedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.filesDir)
	if err != nil {
		t.Fatalf("read files dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSendTextMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "handle-bob")

	msg, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.TextPayload{Content: "  hello  "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "hello" {
		t.Fatalf("content = %q, want trimmed %q", msg.Content, "hello")
	}
	if msg.Kind != domain.KindText {
		t.Fatalf("kind = %q, want %q", msg.Kind, domain.KindText)
	}
	if msg.Sender.ID != alice.ID || msg.Recipient.ID != bob.ID {
		t.Fatalf("hydration ids = (%d,%d), want (%d,%d)", msg.Sender.ID, msg.Recipient.ID, alice.ID, bob.ID)
	}
	if msg.Sender.Username != "alice" || msg.Recipient.Username != "bob" {
		t.Fatalf("hydration usernames = (%s,%s)", msg.Sender.Username, msg.Recipient.Username)
	}

	events := f.push.ByEvent(push.EventNewMessage)
	if len(events) != 1 {
		t.Fatalf("new-message events = %d, want 1", len(events))
	}
	if events[0].Handle != "handle-bob" {
		t.Fatalf("event handle = %q, want recipient handle", events[0].Handle)
	}
}

func TestSendTextMessageRejectsEmptyAndOversized(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": "   \n\t ",
		"oversized":  strings.Repeat("a", MaxTextLen+1),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.TextPayload{Content: content})
			if !apperr.IsStatus(err, http.StatusBadRequest) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if err.Error() != "Message content is too long or empty" {
				t.Fatalf("message = %q", err.Error())
			}
		})
	}
	// Nothing was persisted and nothing was pushed.
	msgs, err := f.app.ListConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("persisted %d messages from invalid sends", len(msgs))
	}
	if len(f.push.Events()) != 0 {
		t.Fatalf("pushed %d events from invalid sends", len(f.push.Events()))
	}
}

func TestSendTextAtLimitSucceeds(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	msg, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID,
		domain.TextPayload{Content: strings.Repeat("a", MaxTextLen)})
	if err != nil {
		t.Fatalf("send at limit: %v", err)
	}
	if len(msg.Content) != MaxTextLen {
		t.Fatalf("content length = %d", len(msg.Content))
	}
}

func TestSendFileMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "handle-bob")

	data := []byte("file-bytes")
	msg, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.FilePayload{
		Reader:   bytes.NewReader(data),
		Size:     int64(len(data)),
		MimeType: "image/png",
		Name:     "my photo.png",
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if msg.Kind != domain.ContentKind("image/png") {
		t.Fatalf("kind = %q, want mime type", msg.Kind)
	}
	if !strings.HasSuffix(msg.Content, "-myphoto.png") {
		t.Fatalf("content = %q, want millis-prefixed whitespace-stripped name", msg.Content)
	}
	stored, err := os.ReadFile(filepath.Join(f.filesDir, msg.Content))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatalf("stored bytes differ")
	}
	// File sends emit new-message plus the upload-done indicator.
	if got := len(f.push.ByEvent(push.EventNewMessage)); got != 1 {
		t.Fatalf("new-message events = %d", got)
	}
	stops := f.push.ByEvent(push.EventMessageStop)
	if len(stops) != 1 || stops[0].Handle != "handle-bob" {
		t.Fatalf("message-stop events = %+v", stops)
	}
}

func TestSendFileMessageRejectsMissingAndOversized(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	_, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.FilePayload{})
	if !apperr.IsStatus(err, http.StatusBadRequest) || err.Error() != "No file provided" {
		t.Fatalf("nil reader err = %v", err)
	}

	_, err = f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.FilePayload{
		Reader:   bytes.NewReader([]byte("x")),
		Size:     MaxMessageFileBytes + 1,
		MimeType: "application/zip",
		Name:     "big.zip",
	})
	if !apperr.IsStatus(err, http.StatusBadRequest) || err.Error() != "File size is too big" {
		t.Fatalf("oversized err = %v", err)
	}
	if files := f.storedFiles(t); len(files) != 0 {
		t.Fatalf("rejected upload left files on disk: %v", files)
	}
}

func TestListConversationIsSymmetricAndOrdered(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")
	carol := f.addUser(t, "carol", "")

	ctx := context.Background()
	for _, send := range []struct {
		from, to uint
		text     string
	}{
		{alice.ID, bob.ID, "one"},
		{bob.ID, alice.ID, "two"},
		{alice.ID, carol.ID, "other thread"},
		{alice.ID, bob.ID, "three"},
	} {
		if _, err := f.app.SendMessage(ctx, send.from, send.to, domain.TextPayload{Content: send.text}); err != nil {
			t.Fatalf("send %q: %v", send.text, err)
		}
	}

	fromAlice, err := f.app.ListConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("list alice/bob: %v", err)
	}
	fromBob, err := f.app.ListConversation(bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("list bob/alice: %v", err)
	}
	want := []string{"one", "two", "three"}
	for name, got := range map[string][]domain.HydratedMessage{"alice": fromAlice, "bob": fromBob} {
		if len(got) != len(want) {
			t.Fatalf("%s view has %d messages, want %d", name, len(got), len(want))
		}
		for i, msg := range got {
			if msg.Content != want[i] {
				t.Fatalf("%s view[%d] = %q, want %q", name, i, msg.Content, want[i])
			}
		}
	}
	// Peer view hydration never leaks connection handles.
	for _, msg := range fromAlice {
		if msg.Sender.ConnectionHandle != "" || msg.Recipient.ConnectionHandle != "" {
			t.Fatalf("conversation hydration leaked connection handle")
		}
	}
}

func TestUpdateMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "handle-bob")

	sent, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.TextPayload{Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.push.Reset()

	updated, err := f.app.UpdateMessage(alice.ID, sent.ID, "hello again")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "hello again" {
		t.Fatalf("content = %q", updated.Content)
	}
	events := f.push.ByEvent(push.EventMessageUpdate)
	if len(events) != 1 || events[0].Handle != "handle-bob" {
		t.Fatalf("message-update events = %+v", events)
	}

	msgs, err := f.app.ListConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if msgs[0].Content != "hello again" {
		t.Fatalf("persisted content = %q", msgs[0].Content)
	}
}

func TestUpdateMessageAuthorization(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	sent, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.TextPayload{Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.push.Reset()

	// Recipient cannot edit.
	_, err = f.app.UpdateMessage(bob.ID, sent.ID, "tampered")
	if !apperr.IsStatus(err, http.StatusUnauthorized) || err.Error() != "You are not allowed to edit this message" {
		t.Fatalf("non-sender edit err = %v", err)
	}
	// Unknown message.
	_, err = f.app.UpdateMessage(alice.ID, 9999, "anything")
	if !apperr.IsStatus(err, http.StatusNotFound) || err.Error() != "Message not found" {
		t.Fatalf("missing message err = %v", err)
	}
	// Invalid replacement text fails before any lookup.
	_, err = f.app.UpdateMessage(alice.ID, sent.ID, strings.Repeat("a", MaxTextLen+1))
	if !apperr.IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("oversized replacement err = %v", err)
	}

	msgs, err := f.app.ListConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if msgs[0].Content != "hello" {
		t.Fatalf("content changed to %q after rejected updates", msgs[0].Content)
	}
	if len(f.push.Events()) != 0 {
		t.Fatalf("rejected updates pushed %d events", len(f.push.Events()))
	}
}

func TestUpdateFileMessageAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	data := []byte("png")
	sent, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.FilePayload{
		Reader:   bytes.NewReader(data),
		Size:     int64(len(data)),
		MimeType: "image/png",
		Name:     "pic.png",
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}

	// Even the sender cannot edit a file message.
	_, err = f.app.UpdateMessage(alice.ID, sent.ID, "new text")
	if !apperr.IsStatus(err, http.StatusUnauthorized) || err.Error() != "You are not allowed to edit this message" {
		t.Fatalf("file edit err = %v", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "handle-bob")

	sent, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.TextPayload{Content: "bye"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	f.push.Reset()

	deleted, err := f.app.DeleteMessage(context.Background(), alice.ID, sent.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.ID != sent.ID {
		t.Fatalf("deleted id = %d, want %d", deleted.ID, sent.ID)
	}
	events := f.push.ByEvent(push.EventMessageDelete)
	if len(events) != 1 || events[0].Handle != "handle-bob" {
		t.Fatalf("message-delete events = %+v", events)
	}

	msgs, err := f.app.ListConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("conversation still has %d messages", len(msgs))
	}
	// Second delete of the same id.
	_, err = f.app.DeleteMessage(context.Background(), alice.ID, sent.ID)
	if !apperr.IsStatus(err, http.StatusNotFound) || err.Error() != "Message not found" {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestDeleteFileMessageRemovesStoredFile(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	data := []byte("attachment")
	sent, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.FilePayload{
		Reader:   bytes.NewReader(data),
		Size:     int64(len(data)),
		MimeType: "application/pdf",
		Name:     "doc.pdf",
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if files := f.storedFiles(t); len(files) != 1 {
		t.Fatalf("stored files = %v, want exactly one", files)
	}

	if _, err := f.app.DeleteMessage(context.Background(), alice.ID, sent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if files := f.storedFiles(t); len(files) != 0 {
		t.Fatalf("file survived delete: %v", files)
	}
}

// failingRemoveStore delegates to a real store but refuses removals,
// simulating a storage backend outage during cleanup.
type failingRemoveStore struct {
	storage.FileStore
}

func (failingRemoveStore) Remove(context.Context, string) error {
	return errors.New("backing store unavailable")
}

func TestDeleteFileMessageCleanupFailureLeavesRecordDeleted(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "handle-bob")

	a, err := New(Config{
		Store:  f.store,
		Files:  failingRemoveStore{FileStore: mustDiskStore(t, f.filesDir)},
		Push:   f.push,
		Tokens: auth.NewTokenMaker("test-secret", time.Hour),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	data := []byte("attachment")
	sent, err := a.SendMessage(context.Background(), alice.ID, bob.ID, domain.FilePayload{
		Reader:   bytes.NewReader(data),
		Size:     int64(len(data)),
		MimeType: "application/pdf",
		Name:     "doc.pdf",
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	f.push.Reset()

	// Cleanup fails after the record delete; the error surfaces but the
	// record stays gone.
	_, err = a.DeleteMessage(context.Background(), alice.ID, sent.ID)
	if !apperr.IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("cleanup failure err = %v, want internal error", err)
	}
	if _, ok, err := f.store.GetMessage(sent.ID); err != nil || ok {
		t.Fatalf("record after failed cleanup: ok=%v err=%v, want deleted", ok, err)
	}
	// No delete event goes out for the failed operation.
	if got := f.push.ByEvent(push.EventMessageDelete); len(got) != 0 {
		t.Fatalf("message-delete events = %d after failed cleanup", len(got))
	}
	// Retrying hits the already-deleted record.
	if _, err := a.DeleteMessage(context.Background(), alice.ID, sent.ID); !apperr.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("retry err = %v, want not found", err)
	}
}

func mustDiskStore(t *testing.T, dir string) *storage.DiskStore {
	t.Helper()
	ds, err := storage.NewDiskStore(dir)
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	return ds
}

func TestDeleteMessageAuthorization(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")

	sent, err := f.app.SendMessage(context.Background(), alice.ID, bob.ID, domain.TextPayload{Content: "mine"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	_, err = f.app.DeleteMessage(context.Background(), bob.ID, sent.ID)
	if !apperr.IsStatus(err, http.StatusUnauthorized) || err.Error() != "You are not allowed to delete this message" {
		t.Fatalf("non-sender delete err = %v", err)
	}
	msgs, err := f.app.ListConversation(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count = %d after rejected delete", len(msgs))
	}
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)

	user, token, err := f.app.Register(context.Background(), "alice", "secret1", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token == "" {
		t.Fatal("register returned empty token")
	}
	if user.Avatar != domain.DefaultAvatar {
		t.Fatalf("avatar = %q, want default", user.Avatar)
	}

	// Duplicate username.
	_, _, err = f.app.Register(context.Background(), "alice", "secret1", nil)
	if !apperr.IsStatus(err, http.StatusBadRequest) || err.Error() != "Username is already taken" {
		t.Fatalf("duplicate register err = %v", err)
	}

	// Invalid inputs.
	for name, in := range map[string][2]string{
		"short username":     {"ab", "secret1"},
		"symbols":            {"al!ce", "secret1"},
		"short password":     {"newuser", "ab"},
		"oversized password": {"newuser", strings.Repeat("p", 21)},
	} {
		if _, _, err := f.app.Register(context.Background(), in[0], in[1], nil); !apperr.IsStatus(err, http.StatusBadRequest) {
			t.Fatalf("%s: err = %v, want validation error", name, err)
		}
	}

	if _, loginToken, err := f.app.Login("alice", "secret1"); err != nil || loginToken == "" {
		t.Fatalf("login: token=%q err=%v", loginToken, err)
	}
	if _, _, err := f.app.Login("alice", "wrong"); !apperr.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("bad password err = %v", err)
	}
	if _, _, err := f.app.Login("ghost", "secret1"); !apperr.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("unknown user err = %v", err)
	}

	got, ok := f.app.UserFromToken(token)
	if !ok || got.ID != user.ID {
		t.Fatalf("UserFromToken = (%+v, %v)", got, ok)
	}
	if _, ok := f.app.UserFromToken("garbage"); ok {
		t.Fatal("accepted garbage token")
	}
}

func TestListUsersExcludesActingUser(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "handle-alice")
	f.addUser(t, "bob", "")
	f.addUser(t, "carol", "")

	users, err := f.app.ListUsers(alice.ID)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}
	for _, u := range users {
		if u.ID == alice.ID {
			t.Fatal("acting user present in listing")
		}
	}
}

func TestConversationScenario(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser(t, "alice", "handle-alice")
	bob := f.addUser(t, "bob", "handle-bob")
	ctx := context.Background()

	hello, err := f.app.SendMessage(ctx, alice.ID, bob.ID, domain.TextPayload{Content: "hello"})
	if err != nil {
		t.Fatalf("alice sends: %v", err)
	}
	if _, err := f.app.SendMessage(ctx, bob.ID, alice.ID, domain.TextPayload{Content: "hi"}); err != nil {
		t.Fatalf("bob replies: %v", err)
	}
	if _, err := f.app.DeleteMessage(ctx, alice.ID, hello.ID); err != nil {
		t.Fatalf("alice deletes: %v", err)
	}

	msgs, err := f.app.ListConversation(bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("conversation = %+v, want only the reply", msgs)
	}
	if _, err := f.app.UpdateMessage(alice.ID, hello.ID, "resurrected"); !apperr.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("update of deleted message err = %v", err)
	}
}
