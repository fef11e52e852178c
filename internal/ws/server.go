package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"molva/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Authenticator resolves a bearer token to the user it belongs to.
type Authenticator interface {
	GetUser(token string) (models.User, error)
}

type ServerConfig struct {
	Auth      Authenticator
	Registry  *Registry
	Rooms     Rooms
	Presence  Presence
	Messages  Messages
	Store     SessionStore
	Notifier  Notifier
	Responder Responder
	Typing    *TypingTracker
}

// Server upgrades HTTP requests to websocket sessions. Authentication is
// decided before the upgrade, so an unauthenticated client gets a plain
// HTTP 401 instead of a doomed socket.
type Server struct {
	ServerConfig
	upgrader *websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		ServerConfig: cfg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) token(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// HandleChat serves /ws/chat/{roomId}. The membership check runs inside the
// session, after the upgrade, matching the room-scoped connection contract:
// a non-participant's socket is accepted and immediately closed.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	user, err := s.Auth.GetUser(s.token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.PathValue("roomId")
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(SessionConfig{
		Conn:      newGorillaConn(conn),
		Registry:  s.Registry,
		Rooms:     s.Rooms,
		Presence:  s.Presence,
		Messages:  s.Messages,
		Store:     s.Store,
		Notifier:  s.Notifier,
		Responder: s.Responder,
		Typing:    s.Typing,
		User:      user,
		RoomID:    roomID,
	})

	if err := session.Handle(r.Context()); err != nil {
		if errors.Is(err, models.ErrNotAuthorized) {
			slog.Warn("chat connection refused", "user_id", user.ID, "room_id", roomID)
			return
		}
		if !isExpectedClose(err) {
			slog.Error("chat session ended", "user_id", user.ID, "room_id", roomID, "error", err)
		}
	}
}

// HandleNotifications serves /ws/notifications, the per-user side channel.
func (s *Server) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	user, err := s.Auth.GetUser(s.token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	session := &NotificationSession{
		Conn:     newGorillaConn(conn),
		Registry: s.Registry,
		UserID:   user.ID,
	}
	if err := session.Handle(r.Context()); err != nil && !isExpectedClose(err) {
		slog.Error("notification session ended", "user_id", user.ID, "error", err)
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// gorillaConn adapts a gorilla websocket connection to the session's
// transport interface. Pongs push the read deadline forward, so a peer
// that stops answering pings fails the read within pongWait.
type gorillaConn struct {
	conn *websocket.Conn
}

func newGorillaConn(conn *websocket.Conn) *gorillaConn {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &gorillaConn{conn: conn}
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteJSON(v any) error {
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteJSON(v)
}

func (g *gorillaConn) Ping() error {
	return g.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
