package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"molva/internal/content"
	"molva/internal/models"

	"github.com/google/uuid"
)

const pingPeriod = 25 * time.Second

// State of a chat session. There is no resume state: a dropped connection
// starts over from Connecting and recovers missed events from history.
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateOpen
	StateClosed
)

type wsConnection interface {
	Close() error
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
}

// Rooms is the membership authority as the session sees it.
type Rooms interface {
	IsParticipant(userID, roomID string) (bool, error)
	Participants(roomID string) ([]string, error)
}

type Presence interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
}

// Messages is the per-room append pipeline (persist, then broadcast).
type Messages interface {
	Append(msg models.Message) (models.Message, models.MessageView, error)
}

// SessionStore covers the direct store calls the session makes outside the
// append pipeline.
type SessionStore interface {
	MarkMessageRead(roomID, messageID, readerID string, participants []string) (models.Message, error)
	UpdateUserPresence(id string, online bool, lastSeen int64) error
}

type Notifier interface {
	NotifyOffline(ctx context.Context, msg models.Message, sender models.User, participants []string)
}

type Responder interface {
	MaybeReply(ctx context.Context, msg models.Message)
}

type SessionConfig struct {
	Conn      wsConnection
	Registry  *Registry
	Rooms     Rooms
	Presence  Presence
	Messages  Messages
	Store     SessionStore
	Notifier  Notifier
	Responder Responder
	Typing    *TypingTracker
	User      models.User
	RoomID    string
}

// Session is the per-connection protocol state machine for one room-scoped
// chat connection.
type Session struct {
	SessionConfig

	state      State
	handle     *Handle
	fromClient chan []byte
	errorCh    chan error
}

func NewSession(cfg SessionConfig) *Session {
	return &Session{
		SessionConfig: cfg,
		state:         StateConnecting,
		fromClient:    make(chan []byte),
		errorCh:       make(chan error, 2),
	}
}

func (s *Session) State() State {
	return s.state
}

// Handle runs the session until the connection drops or ctx is cancelled.
// The identity was attached by the outer transport; Handle authorizes it
// against room membership before any group join, and guarantees the
// cleanup sequence (leave, presence offline, offline broadcast) on every
// exit path once the session was open.
func (s *Session) Handle(ctx context.Context) error {
	s.state = StateAuthorizing

	ok, err := s.Rooms.IsParticipant(s.User.ID, s.RoomID)
	if err != nil || !ok {
		// Refused connections get no event, just a close.
		s.state = StateClosed
		_ = s.Conn.Close()
		if err != nil {
			return err
		}
		return models.ErrNotAuthorized
	}

	s.open(ctx)
	defer s.cleanup(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		s.errorCh <- s.readPump(ctx)
		cancel()
	})
	wg.Go(func() {
		s.errorCh <- s.mainLoop(ctx)
		cancel()
	})

	select {
	case err = <-s.errorCh:
	case <-ctx.Done():
		err = nil
	}
	_ = s.Conn.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Session) open(ctx context.Context) {
	s.state = StateOpen
	s.handle = NewHandle()
	s.Registry.JoinRoom(s.RoomID, s.handle)
	s.Registry.JoinUser(s.User.ID, s.handle)

	now := time.Now()
	if err := s.Presence.SetOnline(ctx, s.User.ID); err != nil {
		slog.Error("failed to set presence online", "user_id", s.User.ID, "error", err)
	}
	if err := s.Store.UpdateUserPresence(s.User.ID, true, now.Unix()); err != nil {
		slog.Error("failed to persist presence", "user_id", s.User.ID, "error", err)
	}

	s.Registry.BroadcastRoom(s.RoomID, models.NewUserStatusEvent(s.User.ID, s.User.Username, true))
}

// cleanup runs on every exit path, abrupt disconnects included.
func (s *Session) cleanup(ctx context.Context) {
	s.state = StateClosed
	s.Registry.LeaveRoom(s.RoomID, s.handle)
	s.Registry.LeaveUser(s.User.ID, s.handle)

	// The connection context is already cancelled here; presence
	// bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	if err := s.Presence.SetOffline(ctx, s.User.ID); err != nil {
		slog.Error("failed to set presence offline", "user_id", s.User.ID, "error", err)
	}
	if err := s.Store.UpdateUserPresence(s.User.ID, false, now.Unix()); err != nil {
		slog.Error("failed to persist presence", "user_id", s.User.ID, "error", err)
	}

	s.Registry.BroadcastRoom(s.RoomID, models.NewUserStatusEvent(s.User.ID, s.User.Username, false))
}

func (s *Session) readPump(ctx context.Context) error {
	for {
		data, err := s.Conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case s.fromClient <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.fromClient:
			s.processClientEvent(ctx, data)
		case ev := <-s.handle.Events():
			if err := s.Conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.Conn.Ping(); err != nil {
				return err
			}
			if err := s.Presence.Heartbeat(ctx, s.User.ID); err != nil {
				slog.Warn("presence heartbeat failed", "user_id", s.User.ID, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent handles one inbound event. Malformed input costs the
// sender a single error event, never the connection, and never affects the
// rest of the group.
func (s *Session) processClientEvent(ctx context.Context, data []byte) {
	var ev models.ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError("Error processing message")
		return
	}

	switch ev.Type {
	case models.EventChatMessage:
		s.handleChatMessage(ctx, ev)
	case models.EventTyping:
		s.handleTyping(true)
	case models.EventStopTyping:
		s.handleTyping(false)
	case models.EventMessageRead:
		s.handleMessageRead(ev)
	default:
		s.sendError("Error processing message")
	}
}

func (s *Session) handleChatMessage(ctx context.Context, ev models.ClientEvent) {
	body := strings.TrimSpace(ev.Content)
	if body == "" && ev.MediaFile == "" {
		// Nothing to send; dropped without an error reply.
		return
	}

	msgType := models.MessageType(ev.MessageType)
	if msgType == "" {
		msgType = models.MessageText
	}
	if !models.ValidMessageType(msgType) {
		s.sendError("Error processing message")
		return
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		RoomID:    s.RoomID,
		SenderID:  s.User.ID,
		Content:   content.Sanitize(body),
		Type:      msgType,
		MediaFile: ev.MediaFile,
		ReplyTo:   ev.ReplyTo,
	}

	// Persist unconditionally, recipients offline or not; Append also
	// broadcasts to the room group in append order.
	appended, _, err := s.Messages.Append(msg)
	if err != nil {
		slog.Error("failed to persist message", "room_id", s.RoomID, "user_id", s.User.ID, "error", err)
		s.sendError("Failed to send message")
		return
	}

	participants, err := s.Rooms.Participants(s.RoomID)
	if err != nil {
		slog.Error("failed to snapshot participants", "room_id", s.RoomID, "error", err)
		return
	}

	// Both run off the send path: the sender's completion never waits
	// for notification writes or the provider round trip. The detached
	// context keeps them alive past a disconnect.
	bgCtx := context.WithoutCancel(ctx)
	sender := s.User
	go s.Notifier.NotifyOffline(bgCtx, appended, sender, participants)
	if s.Responder != nil {
		go s.Responder.MaybeReply(bgCtx, appended)
	}
}

func (s *Session) handleTyping(isTyping bool) {
	if s.Typing != nil {
		s.Typing.Set(models.TypingIndicator{
			UserID:    s.User.ID,
			Username:  s.User.Username,
			RoomID:    s.RoomID,
			IsTyping:  isTyping,
			Timestamp: time.Now().Unix(),
		})
	}
	// Forwarded as-is: no debouncing, no coalescing.
	s.Registry.BroadcastRoom(s.RoomID, models.NewTypingIndicatorEvent(s.User.ID, s.User.Username, isTyping))
}

func (s *Session) handleMessageRead(ev models.ClientEvent) {
	if ev.MessageID == "" {
		s.sendError("Error processing message")
		return
	}

	participants, err := s.Rooms.Participants(s.RoomID)
	if err != nil {
		slog.Error("failed to snapshot participants", "room_id", s.RoomID, "error", err)
		return
	}

	// Best-effort: failures are logged, never surfaced.
	msg, err := s.Store.MarkMessageRead(s.RoomID, ev.MessageID, s.User.ID, participants)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("failed to mark message read", "message_id", ev.MessageID, "error", err)
		}
		return
	}

	s.Registry.BroadcastRoom(s.RoomID, models.NewReadReceiptEvent(msg.ID, s.User.ID))
}

func (s *Session) sendError(message string) {
	// Addressed to the originating connection only.
	s.handle.send(models.NewErrorEvent(message))
}

// NotificationSession serves the per-user side channel: it only drains the
// user's out-of-band events onto the connection. Inbound frames are read
// and discarded to keep the transport's close handling working.
type NotificationSession struct {
	Conn     wsConnection
	Registry *Registry
	UserID   string
}

func (n *NotificationSession) Handle(ctx context.Context) error {
	handle := NewHandle()
	n.Registry.JoinUser(n.UserID, handle)
	defer n.Registry.LeaveUser(n.UserID, handle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errorCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			if _, err := n.Conn.ReadMessage(); err != nil {
				errorCh <- err
				cancel()
				return
			}
		}
	})
	wg.Go(func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev := <-handle.Events():
				if err := n.Conn.WriteJSON(ev); err != nil {
					errorCh <- err
					cancel()
					return
				}
			case <-ticker.C:
				if err := n.Conn.Ping(); err != nil {
					errorCh <- err
					cancel()
					return
				}
			case <-ctx.Done():
				errorCh <- nil
				return
			}
		}
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	}
	_ = n.Conn.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
