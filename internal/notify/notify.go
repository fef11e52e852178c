// Package notify creates notification records for participants who were
// offline when a message arrived. Everything here is best-effort by
// contract: a failure is logged and swallowed, never surfaced to the
// sender's message flow, which has already persisted and broadcast by the
// time the generator runs.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"molva/internal/content"
	"molva/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

type Store interface {
	CreateNotification(n models.Notification) error
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Broadcaster delivers to a user's out-of-band connections (the
// notification side-channel), not to a room group.
type Broadcaster interface {
	BroadcastUser(userID string, ev any)
}

// PushConfig carries the VAPID key pair. Empty keys disable Web Push and
// leave in-process delivery only.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

type Generator struct {
	store     Store
	presence  Presence
	broadcast Broadcaster
	push      PushConfig
	now       func() time.Time
}

func NewGenerator(store Store, presence Presence, broadcast Broadcaster, push PushConfig) *Generator {
	return &Generator{
		store:     store,
		presence:  presence,
		broadcast: broadcast,
		push:      push,
		now:       time.Now,
	}
}

// NotifyOffline creates one notification per participant who is offline at
// this instant, excluding the sender. The presence read is a snapshot: a
// participant racing online concurrently may still get a notification,
// which is acceptable. Never returns an error.
func (g *Generator) NotifyOffline(ctx context.Context, msg models.Message, sender models.User, participants []string) {
	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		online, err := g.presence.IsOnline(ctx, userID)
		if err != nil {
			slog.Error("presence check failed", "user_id", userID, "error", err)
			continue
		}
		if online {
			continue
		}

		n := models.Notification{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      models.NotificationMessage,
			Title:     fmt.Sprintf("New message from %s", sender.Username),
			Body:      content.Preview(msg.Content),
			MessageID: msg.ID,
			RoomID:    msg.RoomID,
			CreatedAt: g.now().UnixNano(),
		}

		if err := g.store.CreateNotification(n); err != nil {
			slog.Error("failed to create notification", "user_id", userID, "error", err)
			continue
		}

		// The target has no chat connection, but may hold an open
		// notification socket.
		g.broadcast.BroadcastUser(userID, models.NewNotificationEvent(n))

		g.sendPush(n)
	}
}

func (g *Generator) sendPush(n models.Notification) {
	if g.push.VAPIDPublicKey == "" || g.push.VAPIDPrivateKey == "" {
		return
	}

	subs, err := g.store.ListPushSubscriptions(n.UserID)
	if err != nil {
		slog.Error("failed to list push subscriptions", "user_id", n.UserID, "error", err)
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			VAPIDPublicKey:  g.push.VAPIDPublicKey,
			VAPIDPrivateKey: g.push.VAPIDPrivateKey,
			Subscriber:      g.push.Subscriber,
			TTL:             3600,
		})
		if err != nil {
			slog.Warn("push delivery failed", "user_id", n.UserID, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}
