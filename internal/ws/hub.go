// Package ws provides the live update layer: a gorilla/websocket hub that
// implements the pipeline's push channel and maintains the presence
// directory (connection handles in the store, online set in redis).
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chatline/pkg/auth"
	"chatline/pkg/store"
)

const presenceKey = "chatline:online"

// envelope is the wire format for every pushed event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Config wires the hub's collaborators.
type Config struct {
	Store         store.Store
	Tokens        *auth.TokenMaker
	RedisAddr     string
	RedisPassword string
}

// Hub tracks live connections by handle and by user. One live connection per
// user: a newer connection replaces the previous one.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*client
	byUser   map[uint]string
	store    store.Store
	tokens   *auth.TokenMaker
	presence *redis.Client
	upgrader websocket.Upgrader
}

// NewHub constructs the hub. Presence tracking is enabled when a redis
// address is configured.
func NewHub(cfg Config) *Hub {
	var presence *redis.Client
	if cfg.RedisAddr != "" {
		presence = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	return &Hub{
		conns:    make(map[string]*client),
		byUser:   make(map[uint]string),
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Emit sends an event to one connection handle. Unknown or empty handles
// drop the event; the message stays in storage for later retrieval.
func (h *Hub) Emit(handle, event string, payload any) {
	if handle == "" {
		return
	}
	raw, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		slog.Error("marshal push event", "event", event, "err", err)
		return
	}
	// The send happens under the read lock. register and unregister close
	// c.send while holding the write lock, so a client still present in
	// conns cannot have its channel closed mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[handle]
	if !ok {
		return
	}
	select {
	case c.send <- raw:
	default:
		slog.Warn("push buffer full, dropping event", "event", event, "handle", handle)
	}
}

// HandleFor returns the live connection handle of a user, if any.
func (h *Hub) HandleFor(userID uint) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.byUser[userID]
	return handle, ok
}

// Online returns the set of user ids currently marked online in redis.
func (h *Hub) Online(ctx context.Context) ([]string, error) {
	if h.presence == nil {
		h.mu.RLock()
		defer h.mu.RUnlock()
		out := make([]string, 0, len(h.byUser))
		for userID := range h.byUser {
			out = append(out, strconv.FormatUint(uint64(userID), 10))
		}
		return out, nil
	}
	return h.presence.SMembers(ctx, presenceKey).Result()
}

// ServeHTTP upgrades an authenticated request to a websocket connection and
// registers it as the user's live push channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerFromHeader(r)
	}
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := h.tokens.Verify(token)
	if err != nil {
		slog.Warn("websocket auth failed", "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		handle: uuid.NewString(),
	}
	h.register(r.Context(), c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	if old, ok := h.byUser[c.userID]; ok {
		if oldClient, live := h.conns[old]; live {
			close(oldClient.send)
			delete(h.conns, old)
		}
	}
	h.conns[c.handle] = c
	h.byUser[c.userID] = c.handle
	h.mu.Unlock()

	if err := h.store.SetConnectionHandle(c.userID, c.handle); err != nil {
		slog.Error("persist connection handle", "user_id", c.userID, "err", err)
	}
	if h.presence != nil {
		if err := h.presence.SAdd(ctx, presenceKey, c.userID).Err(); err != nil {
			slog.Warn("presence add failed", "user_id", c.userID, "err", err)
		}
	}
	slog.Info("client connected", "user_id", c.userID, "handle", c.handle)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current, ok := h.conns[c.handle]
	if ok && current == c {
		delete(h.conns, c.handle)
		close(c.send)
	}
	stillCurrent := h.byUser[c.userID] == c.handle
	if stillCurrent {
		delete(h.byUser, c.userID)
	}
	h.mu.Unlock()

	// A replacement connection may already own the user's handle; only the
	// latest one clears presence state.
	if !stillCurrent {
		return
	}
	if err := h.store.SetConnectionHandle(c.userID, ""); err != nil {
		slog.Error("clear connection handle", "user_id", c.userID, "err", err)
	}
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.SRem(ctx, presenceKey, c.userID).Err(); err != nil {
			slog.Warn("presence remove failed", "user_id", c.userID, "err", err)
		}
	}
	slog.Info("client disconnected", "user_id", c.userID, "handle", c.handle)
}

// relayIndicator forwards a typing/upload indicator frame to the peer's live
// connection.
func (h *Hub) relayIndicator(from, to uint, event string) {
	h.mu.RLock()
	handle, ok := h.byUser[to]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.Emit(handle, event, map[string]uint{"from": from})
}

func bearerFromHeader(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
