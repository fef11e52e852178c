package ws

import (
	"context"
	"log/slog"
	"time"

	"molva/internal/models"

	"github.com/c-pro/geche"
)

const typingTTL = 10 * time.Second

// TypingTracker keeps the ephemeral who-is-typing state per room. Entries
// expire on their own, so a client that vanishes mid-keystroke stops
// showing as typing without any explicit stop event.
type TypingTracker struct {
	cache *geche.KV[models.TypingIndicator]
}

func NewTypingTracker(ctx context.Context) *TypingTracker {
	return &TypingTracker{
		cache: geche.NewKV[models.TypingIndicator](
			geche.NewMapTTLCache[string, models.TypingIndicator](ctx, typingTTL, time.Second),
		),
	}
}

func typingKey(roomID, userID string) string {
	return roomID + "\x00" + userID
}

// Set overwrites the user's indicator for the room in place. A stop event
// is stored too rather than deleted, so pollers see the transition.
func (t *TypingTracker) Set(ind models.TypingIndicator) {
	t.cache.Set(typingKey(ind.RoomID, ind.UserID), ind)
}

// Snapshot returns the currently typing users in a room.
func (t *TypingTracker) Snapshot(roomID string) []models.TypingIndicator {
	all, err := t.cache.ListByPrefix(roomID + "\x00")
	if err != nil {
		slog.Error("failed to list typing indicators", "room_id", roomID, "error", err)
		return nil
	}

	typing := make([]models.TypingIndicator, 0, len(all))
	for _, ind := range all {
		if ind.IsTyping {
			typing = append(typing, ind)
		}
	}
	return typing
}
