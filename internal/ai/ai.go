// Package ai holds the automated-responder integration. The provider is an
// external collaborator reached over HTTP; everything here degrades to
// silence or a fixed fallback line, never to an error in a human sender's
// message flow.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"molva/internal/content"
	"molva/internal/models"

	"github.com/google/uuid"
)

// Provider produces a generated reply for a prompt, or fails.
type Provider interface {
	Reply(ctx context.Context, prompt, roomID string) (string, error)
}

type replyRequest struct {
	Prompt string `json:"prompt"`
	RoomID string `json:"roomId,omitempty"`
}

type replyResponse struct {
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// HTTPProvider speaks the collaborator contract:
// POST {prompt, roomId?} -> {reply} | {error}.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Reply(ctx context.Context, prompt, roomID string) (string, error) {
	body, err := json.Marshal(replyRequest{Prompt: prompt, RoomID: roomID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var parsed replyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("provider returned malformed response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("provider error: %s", parsed.Error)
	}
	if strings.TrimSpace(parsed.Reply) == "" {
		return "", fmt.Errorf("provider returned empty reply")
	}
	return parsed.Reply, nil
}

// Appender is the ordinary message pipeline; an automated reply goes
// through it exactly like a human send.
type Appender interface {
	Append(msg models.Message) (models.Message, models.MessageView, error)
}

type Rooms interface {
	Get(roomID string) (models.Room, error)
}

type Users interface {
	GetUser(id string) (models.User, error)
}

// Notifier mirrors the notification generator's offline fan-out.
type Notifier interface {
	NotifyOffline(ctx context.Context, msg models.Message, sender models.User, participants []string)
}

type Config struct {
	// UserID of the automated participant.
	UserID string
	// Fallback is posted when the provider fails. Empty means stay
	// silent on failure.
	Fallback string
	Timeout  time.Duration
}

// Responder watches appended messages and, for two-party rooms containing
// the automated participant, posts a generated reply asynchronously.
type Responder struct {
	provider Provider
	appender Appender
	rooms    Rooms
	users    Users
	notifier Notifier
	cfg      Config
}

func NewResponder(provider Provider, appender Appender, rooms Rooms, users Users, notifier Notifier, cfg Config) *Responder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Responder{
		provider: provider,
		appender: appender,
		rooms:    rooms,
		users:    users,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Reply answers a prompt synchronously, for the on-demand HTTP endpoint.
// When roomID names a room that holds exactly the automated participant
// and one human, the reply is also posted there through the ordinary
// message pipeline; any other room gets the answer but no posted message.
func (r *Responder) Reply(ctx context.Context, prompt, roomID string) (string, error) {
	if r == nil || r.cfg.UserID == "" {
		return "", fmt.Errorf("responder is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	reply, err := r.provider.Reply(ctx, prompt, roomID)
	if err != nil {
		if r.cfg.Fallback == "" {
			return "", err
		}
		slog.Warn("ai provider failed", "room_id", roomID, "error", err)
		reply = r.cfg.Fallback
	}
	reply = content.Sanitize(reply)

	if roomID == "" {
		return reply, nil
	}

	room, err := r.rooms.Get(roomID)
	if err != nil {
		return "", err
	}
	if len(room.Participants) != 2 || !room.HasParticipant(r.cfg.UserID) {
		return reply, nil
	}

	appended, _, err := r.appender.Append(models.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		SenderID: r.cfg.UserID,
		Content:  reply,
		Type:     models.MessageText,
	})
	if err != nil {
		return "", err
	}

	if r.notifier != nil {
		sender, err := r.users.GetUser(r.cfg.UserID)
		if err == nil {
			r.notifier.NotifyOffline(ctx, appended, sender, room.Participants)
		}
	}
	return reply, nil
}

// MaybeReply posts an automated reply to msg's room when the room contains
// exactly the automated participant and one human. The participant count
// is re-checked here, at reply time, so a room that gained a third member
// after the trigger still never receives an automated reply. Safe to call
// from a goroutine; never panics the session.
func (r *Responder) MaybeReply(ctx context.Context, msg models.Message) {
	if r == nil || r.cfg.UserID == "" || msg.SenderID == r.cfg.UserID {
		return
	}

	room, err := r.rooms.Get(msg.RoomID)
	if err != nil {
		slog.Error("ai responder room lookup failed", "room_id", msg.RoomID, "error", err)
		return
	}
	// Automated replies never intrude on multi-party rooms.
	if len(room.Participants) != 2 || !room.HasParticipant(r.cfg.UserID) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	reply, err := r.provider.Reply(ctx, msg.Content, msg.RoomID)
	if err != nil {
		slog.Warn("ai provider failed", "room_id", msg.RoomID, "error", err)
		if r.cfg.Fallback == "" {
			return
		}
		reply = r.cfg.Fallback
	}

	appended, _, err := r.appender.Append(models.Message{
		ID:       uuid.NewString(),
		RoomID:   msg.RoomID,
		SenderID: r.cfg.UserID,
		Content:  content.Sanitize(reply),
		Type:     models.MessageText,
	})
	if err != nil {
		slog.Error("failed to append ai reply", "room_id", msg.RoomID, "error", err)
		return
	}

	if r.notifier != nil {
		sender, err := r.users.GetUser(r.cfg.UserID)
		if err != nil {
			slog.Error("failed to resolve automated user", "error", err)
			return
		}
		r.notifier.NotifyOffline(ctx, appended, sender, room.Participants)
	}
}
