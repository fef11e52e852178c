package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"molva/internal/ai"
	"molva/internal/auth"
	"molva/internal/chat"
	"molva/internal/content"
	"molva/internal/filestore"
	"molva/internal/models"
	"molva/internal/rooms"
	"molva/internal/storage"
	"molva/internal/ws"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxUploadSize = 10 << 20

type API struct {
	auth    *auth.AuthService
	chat    *chat.Service
	rooms   *rooms.Service
	storage *storage.BboltStorage
	blobs   filestore.BlobStore
	typing  *ws.TypingTracker
	ai      *ai.Responder
}

// New builds the handler set. responder may be nil when no AI endpoint is
// configured; the ai routes then answer 503.
func New(authService *auth.AuthService, chatService *chat.Service, roomService *rooms.Service, store *storage.BboltStorage, blobs filestore.BlobStore, typing *ws.TypingTracker, responder *ai.Responder) *API {
	return &API{
		auth:    authService,
		chat:    chatService,
		rooms:   roomService,
		storage: store,
		blobs:   blobs,
		typing:  typing,
		ai:      responder,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the request's token to a user before the handler
// runs. No valid token, no handler.
func (a *API) RequireAuth(next func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.GetUser(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeJSON(w, http.StatusConflict, models.APIResponse{Success: false, Message: "Username is taken"})
			return
		}
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// The frontend posts x-www-form-urlencoded, tooling posts JSON.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	resp := a.auth.Login(req)
	if !resp.Success {
		writeJSON(w, http.StatusUnauthorized, resp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	users, err := a.storage.ListUsers()
	if err != nil {
		log.Printf("failed to list users: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	query := strings.ToLower(r.URL.Query().Get("q"))
	result := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.Status != models.UserStatusActive {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(u.Username), query) &&
			!strings.Contains(strings.ToLower(u.DisplayName), query) {
			continue
		}
		result = append(result, u)
	}

	writeJSON(w, http.StatusOK, result)
}

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	list, err := a.rooms.ListForUser(user.ID)
	if err != nil {
		log.Printf("failed to list rooms for %s: %v", user.ID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) CreateDirectRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := a.storage.GetUser(req.UserID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "User not found"})
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	room, err := a.rooms.CreateDirect(user.ID, req.UserID)
	if err != nil {
		if errors.Is(err, rooms.ErrSameUser) {
			writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: err.Error()})
			return
		}
		log.Printf("failed to create direct room: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, room)
}

func (a *API) CreateGroupRoomHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	room, err := a.rooms.CreateGroup(user.ID, content.Sanitize(req.Name), req.Participants)
	if err != nil {
		if errors.Is(err, rooms.ErrAutomatedExclusive) {
			writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: err.Error()})
			return
		}
		log.Printf("failed to create group room: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

func (a *API) AddParticipantHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomID := r.PathValue("id")

	ok, err := a.rooms.IsParticipant(user.ID, roomID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.rooms.AddParticipant(roomID, req.UserID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, models.APIResponse{Success: false, Message: "Room not found"})
			return
		}
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// MessagesHandler returns room history as materialized views, newest last.
// Viewing history acknowledges the fetched messages for the viewer and
// clears the viewer's pending notifications for the room: the fetch is the
// recovery path for clients that missed websocket events, so it has to
// advance read state the same way a message_read event would.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomID := r.PathValue("id")

	ok, err := a.rooms.IsParticipant(user.ID, roomID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Negative bounds would turn into huge unsigned cursor keys.
	fromSeq := queryInt(r, "from_seq", 1)
	if fromSeq < 1 {
		fromSeq = 1
	}
	toSeq := queryInt(r, "to_seq", math.MaxInt64)
	if toSeq < 0 {
		toSeq = 0
	}

	msgs, err := a.chat.History(roomID, fromSeq, toSeq)
	if err != nil {
		log.Printf("failed to load history for %s: %v", roomID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	participants, err := a.rooms.Participants(roomID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		if msg.SenderID != user.ID && !msg.ReadByUser(user.ID) {
			updated, err := a.storage.MarkMessageRead(roomID, msg.ID, user.ID, participants)
			if err != nil {
				log.Printf("failed to mark message %s read: %v", msg.ID, err)
			} else {
				msg = updated
			}
		}
		view, err := a.chat.View(msg)
		if err != nil {
			log.Printf("failed to materialize message %s: %v", msg.ID, err)
			continue
		}
		if msg.Type == models.MessageText {
			view.ContentHTML = content.RenderMarkdown(msg.Content)
		}
		views = append(views, view)
	}

	if err := a.storage.MarkNotificationsRead(user.ID, roomID); err != nil {
		log.Printf("failed to mark notifications read: %v", err)
	}

	writeJSON(w, http.StatusOK, struct {
		Messages []models.MessageView `json:"messages"`
	}{Messages: views})
}

func (a *API) TypingHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	roomID := r.PathValue("id")

	ok, err := a.rooms.IsParticipant(user.ID, roomID)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	indicators := a.typing.Snapshot(roomID)
	writeJSON(w, http.StatusOK, struct {
		Typing []models.TypingIndicator `json:"typing"`
	}{Typing: indicators})
}

func (a *API) NotificationsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	list, err := a.storage.ListNotifications(user.ID)
	if err != nil {
		log.Printf("failed to list notifications for %s: %v", user.ID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Notifications []models.Notification `json:"notifications"`
	}{Notifications: list})
}

func (a *API) ReadNotificationsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		RoomID string `json:"room_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := a.storage.MarkNotificationsRead(user.ID, req.RoomID); err != nil {
		log.Printf("failed to mark notifications read: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// UploadMediaHandler accepts one multipart file up to 10 MiB, sniffs the
// real content type from the payload and stores the blob by hash. The
// client-declared type is ignored.
func (a *API) UploadMediaHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	head := make([]byte, 262)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		http.Error(w, "Unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	switch kind.MIME.Type {
	case "image", "video", "audio":
	default:
		http.Error(w, "Unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	hash, size, err := a.blobs.Save(io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		log.Printf("failed to store upload: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	meta := models.MediaFile{
		ID:        uuid.NewString(),
		Hash:      hash,
		Name:      header.Filename,
		MimeType:  kind.MIME.Value,
		Size:      size,
		UserID:    user.ID,
		CreatedAt: time.Now().Unix(),
	}
	if err := a.storage.UpsertMediaFile(meta); err != nil {
		log.Printf("failed to save media metadata: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, meta)
}

func (a *API) GetMediaHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	meta, err := a.storage.GetMediaFile(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	blob, err := a.blobs.Open(meta.Hash)
	if err != nil {
		log.Printf("failed to open blob %s: %v", meta.Hash, err)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = blob.Close() }()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, blob); err != nil {
		log.Printf("failed to stream blob %s: %v", meta.Hash, err)
	}
}

// AIReplyHandler answers a prompt on demand. Accepts JSON {prompt, room_id?}
// or a form post with text/prompt fields. With a room_id the caller must be
// a participant; the reply is then also posted to the room when it is an
// eligible automated conversation.
func (a *API) AIReplyHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if a.ai == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.APIResponse{Success: false, Message: "AI is not configured"})
		return
	}

	var prompt, roomID string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Prompt string `json:"prompt"`
			RoomID string `json:"room_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		prompt, roomID = req.Prompt, req.RoomID
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		prompt = r.FormValue("text")
		if prompt == "" {
			prompt = r.FormValue("prompt")
		}
		roomID = r.FormValue("room_id")
	}

	if strings.TrimSpace(prompt) == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	if roomID != "" {
		ok, err := a.rooms.IsParticipant(user.ID, roomID)
		if err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	reply, err := a.ai.Reply(r.Context(), prompt, roomID)
	if err != nil {
		log.Printf("ai reply failed: %v", err)
		writeJSON(w, http.StatusBadGateway, models.APIResponse{Success: false, Message: "AI provider unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Reply string `json:"reply"`
	}{Reply: reply})
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sub := models.PushSubscription{
		UserID:    user.ID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: time.Now().Unix(),
	}
	if err := a.storage.UpsertPushSubscription(sub); err != nil {
		log.Printf("failed to save push subscription: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func queryInt(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
