package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"molva/internal/models"
)

type memStore struct {
	mu    sync.Mutex
	seqs  map[string]int64
	logs  map[string][]models.Message
	users map[string]models.User

	failAppend bool
	listCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		seqs: make(map[string]int64),
		logs: make(map[string][]models.Message),
		users: map[string]models.User{
			"a": {ID: "a", Username: "alice"},
			"b": {ID: "b", Username: "bob", AvatarURL: "https://example.com/b.png"},
		},
	}
}

func (m *memStore) AppendMessage(msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return fmt.Errorf("disk full")
	}
	m.seqs[msg.RoomID]++
	msg.Seq = m.seqs[msg.RoomID]
	msg.Timestamp = time.Now().UnixNano()
	m.logs[msg.RoomID] = append(m.logs[msg.RoomID], *msg)
	return nil
}

func (m *memStore) ListMessages(roomID string, fromSeq, toSeq int64) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var result []models.Message
	for _, msg := range m.logs[roomID] {
		if msg.Seq >= fromSeq && msg.Seq <= toSeq {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (m *memStore) GetUser(id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return user, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingBroadcaster) BroadcastRoom(roomID string, ev any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBroadcaster) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func TestAppend(t *testing.T) {
	store := newMemStore()
	bc := &recordingBroadcaster{}
	svc := New(Config{Store: store, Broadcaster: bc})

	msg, view, err := svc.Append(models.Message{ID: "m1", RoomID: "r1", SenderID: "a", Content: "hi", Type: models.MessageText})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Seq != 1 {
		t.Errorf("Seq = %d", msg.Seq)
	}
	if view.Sender.Username != "alice" {
		t.Errorf("sender not resolved: %+v", view.Sender)
	}
	if view.Sender.AvatarURL != nil {
		t.Error("alice has no avatar, got non-nil")
	}

	events := bc.all()
	if len(events) != 1 {
		t.Fatalf("broadcast %d events, want 1", len(events))
	}
	ev, ok := events[0].(models.ChatMessageEvent)
	if !ok {
		t.Fatalf("broadcast %T", events[0])
	}
	if ev.Type != models.EventChatMessage || ev.Message.ID != "m1" {
		t.Errorf("bad event: %+v", ev)
	}
}

func TestAppend_PersistFailureDoesNotBroadcast(t *testing.T) {
	store := newMemStore()
	store.failAppend = true
	bc := &recordingBroadcaster{}
	svc := New(Config{Store: store, Broadcaster: bc})

	_, _, err := svc.Append(models.Message{ID: "m1", RoomID: "r1", SenderID: "a", Content: "hi", Type: models.MessageText})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(bc.all()) != 0 {
		t.Error("failed append still broadcast")
	}
}

func TestAppend_BroadcastOrderMatchesAppendOrder(t *testing.T) {
	store := newMemStore()
	bc := &recordingBroadcaster{}
	svc := New(Config{Store: store, Broadcaster: bc})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", i)
		wg.Go(func() {
			_, _, err := svc.Append(models.Message{ID: id, RoomID: "r1", SenderID: "a", Content: "x", Type: models.MessageText})
			if err != nil {
				t.Errorf("Append failed: %v", err)
			}
		})
	}
	wg.Wait()

	// Stored order and broadcast order must agree message by message.
	stored, err := store.ListMessages("r1", 1, n)
	if err != nil {
		t.Fatal(err)
	}
	events := bc.all()
	if len(stored) != n || len(events) != n {
		t.Fatalf("stored %d, broadcast %d", len(stored), len(events))
	}
	for i := range stored {
		ev := events[i].(models.ChatMessageEvent)
		if ev.Message.ID != stored[i].ID {
			t.Fatalf("position %d: broadcast %s, stored %s", i, ev.Message.ID, stored[i].ID)
		}
	}
}

func TestView_NullableFields(t *testing.T) {
	svc := New(Config{Store: newMemStore(), Broadcaster: &recordingBroadcaster{}})

	view, err := svc.View(models.Message{
		ID:        "m1",
		SenderID:  "b",
		Content:   "look",
		Type:      models.MessageImage,
		MediaFile: "f1",
		ReplyTo:   "m0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if view.Sender.AvatarURL == nil || *view.Sender.AvatarURL == "" {
		t.Error("bob's avatar missing")
	}
	if view.MediaFile == nil || *view.MediaFile != "f1" {
		t.Error("media file missing")
	}
	if view.ReplyTo == nil || *view.ReplyTo != "m0" {
		t.Error("reply_to missing")
	}

	if _, err := svc.View(models.Message{ID: "m2", SenderID: "ghost"}); err == nil {
		t.Error("unknown sender accepted")
	}
}

func TestHistory_ServedFromRing(t *testing.T) {
	store := newMemStore()
	svc := New(Config{Store: store, Broadcaster: &recordingBroadcaster{}, MaxRecords: 10})

	for i := 0; i < 5; i++ {
		_, _, err := svc.Append(models.Message{ID: fmt.Sprintf("m%d", i), RoomID: "r1", SenderID: "a", Content: "x", Type: models.MessageText})
		if err != nil {
			t.Fatal(err)
		}
	}

	store.mu.Lock()
	store.listCalls = 0
	store.mu.Unlock()

	msgs, err := svc.History("r1", 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Seq != 2 || msgs[2].Seq != 4 {
		t.Fatalf("History = %+v", msgs)
	}
	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	if calls != 0 {
		t.Error("ring-covered range hit the store")
	}
}

func TestHistory_FallsBackToStore(t *testing.T) {
	store := newMemStore()
	svc := New(Config{Store: store, Broadcaster: &recordingBroadcaster{}, MaxRecords: 3})

	// 6 appends with a ring of 3: the oldest half only lives in the store.
	for i := 0; i < 6; i++ {
		_, _, err := svc.Append(models.Message{ID: fmt.Sprintf("m%d", i), RoomID: "r1", SenderID: "a", Content: "x", Type: models.MessageText})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := svc.History("r1", 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 6 {
		t.Fatalf("History returned %d messages", len(msgs))
	}
	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Errorf("store consulted %d times, want 1", calls)
	}

	// The recent tail still comes from the ring.
	store.mu.Lock()
	store.listCalls = 0
	store.mu.Unlock()
	msgs, err = svc.History("r1", 4, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("tail History returned %d messages", len(msgs))
	}
	store.mu.Lock()
	calls = store.listCalls
	store.mu.Unlock()
	if calls != 0 {
		t.Error("ring-covered tail hit the store")
	}
}
