package notify

import (
	"context"
	"strings"
	"sync"
	"testing"

	"molva/internal/models"
)

type memStore struct {
	mu            sync.Mutex
	notifications []models.Notification
	failCreate    bool
}

func (m *memStore) CreateNotification(n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return context.DeadlineExceeded
	}
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *memStore) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	return nil, nil
}

func (m *memStore) all() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Notification(nil), m.notifications...)
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	return f.online[userID], nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	byUser map[string][]any
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{byUser: make(map[string][]any)}
}

func (r *recordingBroadcaster) BroadcastUser(userID string, ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = append(r.byUser[userID], ev)
}

func (r *recordingBroadcaster) forUser(userID string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.byUser[userID]...)
}

func testMessage(content string) models.Message {
	return models.Message{
		ID:       "m1",
		RoomID:   "r1",
		SenderID: "a",
		Content:  content,
		Type:     models.MessageText,
	}
}

func TestNotifyOffline(t *testing.T) {
	store := &memStore{}
	presence := &fakePresence{online: map[string]bool{"a": true, "b": true, "c": false}}
	bc := newRecordingBroadcaster()
	g := NewGenerator(store, presence, bc, PushConfig{})

	sender := models.User{ID: "a", Username: "alice"}
	g.NotifyOffline(context.Background(), testMessage("hello there"), sender, []string{"a", "b", "c"})

	notifications := store.all()
	if len(notifications) != 1 {
		t.Fatalf("created %d notifications, want 1 (only offline c)", len(notifications))
	}

	n := notifications[0]
	if n.UserID != "c" {
		t.Errorf("notified %s, want c", n.UserID)
	}
	if n.Type != models.NotificationMessage {
		t.Errorf("Type = %s", n.Type)
	}
	if n.Title != "New message from alice" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Body != "hello there" {
		t.Errorf("Body = %q", n.Body)
	}
	if n.MessageID != "m1" || n.RoomID != "r1" {
		t.Errorf("references: %+v", n)
	}

	events := bc.forUser("c")
	if len(events) != 1 {
		t.Fatalf("broadcast %d events to c", len(events))
	}
	ev, ok := events[0].(models.NotificationEvent)
	if !ok || ev.Type != models.EventNotification {
		t.Errorf("bad event: %#v", events[0])
	}
	if len(bc.forUser("b")) != 0 {
		t.Error("online participant b was notified")
	}
}

func TestNotifyOffline_SenderExcluded(t *testing.T) {
	store := &memStore{}
	// Everyone offline, sender included.
	presence := &fakePresence{online: map[string]bool{}}
	g := NewGenerator(store, presence, newRecordingBroadcaster(), PushConfig{})

	sender := models.User{ID: "a", Username: "alice"}
	g.NotifyOffline(context.Background(), testMessage("hi"), sender, []string{"a", "b"})

	notifications := store.all()
	if len(notifications) != 1 || notifications[0].UserID != "b" {
		t.Errorf("notifications = %+v", notifications)
	}
}

func TestNotifyOffline_BodyTruncated(t *testing.T) {
	store := &memStore{}
	presence := &fakePresence{online: map[string]bool{}}
	g := NewGenerator(store, presence, newRecordingBroadcaster(), PushConfig{})

	long := strings.Repeat("z", 150)
	g.NotifyOffline(context.Background(), testMessage(long), models.User{ID: "a", Username: "alice"}, []string{"a", "b"})

	notifications := store.all()
	if len(notifications) != 1 {
		t.Fatal("no notification created")
	}
	body := notifications[0].Body
	if !strings.HasSuffix(body, "...") {
		t.Errorf("long body not truncated: %d chars", len(body))
	}
	if len([]rune(body)) != 103 {
		t.Errorf("body length = %d, want 103", len([]rune(body)))
	}
}

func TestNotifyOffline_PersistFailureSwallowed(t *testing.T) {
	store := &memStore{failCreate: true}
	presence := &fakePresence{online: map[string]bool{}}
	bc := newRecordingBroadcaster()
	g := NewGenerator(store, presence, bc, PushConfig{})

	// Must not panic or broadcast a notification that was never stored.
	g.NotifyOffline(context.Background(), testMessage("hi"), models.User{ID: "a", Username: "alice"}, []string{"a", "b"})

	if len(bc.forUser("b")) != 0 {
		t.Error("broadcast despite persistence failure")
	}
}
