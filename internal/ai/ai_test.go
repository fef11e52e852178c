package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"molva/internal/models"
)

type fakeProvider struct {
	reply string
	err   error

	mu      sync.Mutex
	prompts []string
}

func (f *fakeProvider) Reply(ctx context.Context, prompt, roomID string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.reply, f.err
}

type recordingAppender struct {
	mu       sync.Mutex
	appended []models.Message
}

func (r *recordingAppender) Append(msg models.Message) (models.Message, models.MessageView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.Seq = int64(len(r.appended) + 1)
	r.appended = append(r.appended, msg)
	return msg, models.MessageView{ID: msg.ID}, nil
}

func (r *recordingAppender) all() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.appended...)
}

type fakeRooms struct {
	rooms map[string]models.Room
}

func (f *fakeRooms) Get(roomID string) (models.Room, error) {
	room, ok := f.rooms[roomID]
	if !ok {
		return models.Room{}, models.ErrNotFound
	}
	return room, nil
}

type fakeUsers struct{}

func (fakeUsers) GetUser(id string) (models.User, error) {
	return models.User{ID: id, Username: "assistant"}, nil
}

func newTestResponder(provider Provider, rooms *fakeRooms) (*Responder, *recordingAppender) {
	appender := &recordingAppender{}
	r := NewResponder(provider, appender, rooms, fakeUsers{}, nil, Config{
		UserID:  "bot",
		Timeout: time.Second,
	})
	return r, appender
}

func directWithBot() *fakeRooms {
	return &fakeRooms{rooms: map[string]models.Room{
		"r1": {ID: "r1", Kind: models.RoomDirect, Participants: []string{"a", "bot"}, Active: true},
	}}
}

func humanMessage(roomID string) models.Message {
	return models.Message{ID: "m1", RoomID: roomID, SenderID: "a", Content: "hello bot", Type: models.MessageText}
}

func TestMaybeReply(t *testing.T) {
	provider := &fakeProvider{reply: "hi, human"}
	r, appender := newTestResponder(provider, directWithBot())

	r.MaybeReply(context.Background(), humanMessage("r1"))

	appended := appender.all()
	if len(appended) != 1 {
		t.Fatalf("appended %d messages, want 1", len(appended))
	}
	reply := appended[0]
	if reply.SenderID != "bot" || reply.RoomID != "r1" {
		t.Errorf("reply addressed wrong: %+v", reply)
	}
	if reply.Content != "hi, human" {
		t.Errorf("Content = %q", reply.Content)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.prompts) != 1 || provider.prompts[0] != "hello bot" {
		t.Errorf("prompts = %v", provider.prompts)
	}
}

func TestMaybeReply_StaysOutOfMultiPartyRooms(t *testing.T) {
	provider := &fakeProvider{reply: "hi"}
	rooms := &fakeRooms{rooms: map[string]models.Room{
		// Somehow grew a third member: the reply-time check must refuse.
		"r1": {ID: "r1", Kind: models.RoomGroup, Participants: []string{"a", "b", "bot"}, Active: true},
		// Two-party but no bot.
		"r2": {ID: "r2", Kind: models.RoomDirect, Participants: []string{"a", "b"}, Active: true},
	}}
	r, appender := newTestResponder(provider, rooms)

	r.MaybeReply(context.Background(), humanMessage("r1"))
	r.MaybeReply(context.Background(), humanMessage("r2"))

	if got := appender.all(); len(got) != 0 {
		t.Errorf("replied in ineligible rooms: %+v", got)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.prompts) != 0 {
		t.Error("provider called for ineligible rooms")
	}
}

func TestMaybeReply_IgnoresOwnMessages(t *testing.T) {
	provider := &fakeProvider{reply: "hi"}
	r, appender := newTestResponder(provider, directWithBot())

	msg := humanMessage("r1")
	msg.SenderID = "bot"
	r.MaybeReply(context.Background(), msg)

	if got := appender.all(); len(got) != 0 {
		t.Errorf("bot replied to itself: %+v", got)
	}
}

func TestMaybeReply_FallbackOnProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("model overloaded")}
	appender := &recordingAppender{}
	r := NewResponder(provider, appender, directWithBot(), fakeUsers{}, nil, Config{
		UserID:   "bot",
		Fallback: "Sorry, try again later.",
		Timeout:  time.Second,
	})

	r.MaybeReply(context.Background(), humanMessage("r1"))

	appended := appender.all()
	if len(appended) != 1 {
		t.Fatalf("appended %d, want fallback reply", len(appended))
	}
	if appended[0].Content != "Sorry, try again later." {
		t.Errorf("Content = %q", appended[0].Content)
	}
}

func TestMaybeReply_SilentOnFailureWithoutFallback(t *testing.T) {
	provider := &fakeProvider{err: errors.New("down")}
	r, appender := newTestResponder(provider, directWithBot())

	r.MaybeReply(context.Background(), humanMessage("r1"))

	if got := appender.all(); len(got) != 0 {
		t.Errorf("replied despite failure and empty fallback: %+v", got)
	}
}

func TestReply_PostsToEligibleRoom(t *testing.T) {
	provider := &fakeProvider{reply: "Paris"}
	r, appender := newTestResponder(provider, directWithBot())

	reply, err := r.Reply(context.Background(), "capital of France?", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Paris" {
		t.Errorf("reply = %q", reply)
	}

	appended := appender.all()
	if len(appended) != 1 {
		t.Fatalf("appended %d messages, want 1", len(appended))
	}
	if appended[0].SenderID != "bot" || appended[0].Content != "Paris" {
		t.Errorf("posted message: %+v", appended[0])
	}
}

func TestReply_PromptOnly(t *testing.T) {
	provider := &fakeProvider{reply: "Paris"}
	r, appender := newTestResponder(provider, directWithBot())

	reply, err := r.Reply(context.Background(), "capital of France?", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Paris" {
		t.Errorf("reply = %q", reply)
	}
	if got := appender.all(); len(got) != 0 {
		t.Errorf("posted without a room: %+v", got)
	}
}

func TestReply_IneligibleRoomAnswersWithoutPosting(t *testing.T) {
	provider := &fakeProvider{reply: "hi"}
	rooms := &fakeRooms{rooms: map[string]models.Room{
		"r1": {ID: "r1", Kind: models.RoomGroup, Participants: []string{"a", "b", "bot"}, Active: true},
	}}
	r, appender := newTestResponder(provider, rooms)

	reply, err := r.Reply(context.Background(), "question", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi" {
		t.Errorf("reply = %q", reply)
	}
	if got := appender.all(); len(got) != 0 {
		t.Errorf("posted into a multi-party room: %+v", got)
	}
}

func TestReply_ErrorWithoutFallback(t *testing.T) {
	provider := &fakeProvider{err: errors.New("down")}
	r, appender := newTestResponder(provider, directWithBot())

	if _, err := r.Reply(context.Background(), "question", "r1"); err == nil {
		t.Error("expected error")
	}
	if got := appender.all(); len(got) != 0 {
		t.Errorf("posted despite failure: %+v", got)
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"generated text"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	reply, err := p.Reply(context.Background(), "prompt", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "generated text" {
		t.Errorf("reply = %q", reply)
	}
}

func TestHTTPProvider_Errors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"error field", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"no capacity"}`))
		}},
		{"empty reply", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"reply":"  "}`))
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			p := NewHTTPProvider(srv.URL, time.Second)
			if _, err := p.Reply(context.Background(), "prompt", "r1"); err == nil {
				t.Error("expected error")
			}
		})
	}
}
