// Package chat owns the per-room message pipeline: append to the durable
// log, then fan out, under a per-room lock so broadcast order always
// matches append order. Rooms do not share a lock, so one room's
// persistence never stalls another room's delivery.
package chat

import (
	"fmt"
	"sync"

	"molva/internal/models"
)

const defaultMaxRecords = 100

// Store is the durable message log.
type Store interface {
	AppendMessage(msg *models.Message) error
	ListMessages(roomID string, fromSeq, toSeq int64) ([]models.Message, error)
	GetUser(id string) (models.User, error)
}

// Broadcaster delivers an event to a room's live connections.
type Broadcaster interface {
	BroadcastRoom(roomID string, ev any)
}

type Service struct {
	store      Store
	broadcast  Broadcaster
	maxRecords int

	mu    sync.Mutex
	rooms map[string]*roomLog
}

type Config struct {
	Store       Store
	Broadcaster Broadcaster
	// MaxRecords bounds the in-memory tail kept per room.
	MaxRecords int
}

func New(config Config) *Service {
	maxRecords := config.MaxRecords
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &Service{
		store:      config.Store,
		broadcast:  config.Broadcaster,
		maxRecords: maxRecords,
		rooms:      make(map[string]*roomLog),
	}
}

func (s *Service) room(roomID string) *roomLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomLog{
			firstSeq:   -1,
			lastSeq:    -1,
			lastIndex:  -1,
			maxRecords: s.maxRecords,
		}
		s.rooms[roomID] = r
	}
	return r
}

// Append persists the message and broadcasts the materialized view to the
// room group. The room lock is held across both, so for a single room the
// broadcast order is exactly the append order. The returned view carries
// resolved sender display fields.
func (s *Service) Append(msg models.Message) (models.Message, models.MessageView, error) {
	r := s.room(msg.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := s.store.AppendMessage(&msg); err != nil {
		return models.Message{}, models.MessageView{}, fmt.Errorf("failed to append message: %w", err)
	}

	view, err := s.View(msg)
	if err != nil {
		return models.Message{}, models.MessageView{}, err
	}

	s.broadcast.BroadcastRoom(msg.RoomID, models.NewChatMessageEvent(view))
	r.add(msg)

	return msg, view, nil
}

// View materializes the wire shape of a message, resolving the sender.
func (s *Service) View(msg models.Message) (models.MessageView, error) {
	sender, err := s.store.GetUser(msg.SenderID)
	if err != nil {
		return models.MessageView{}, fmt.Errorf("failed to resolve sender %s: %w", msg.SenderID, err)
	}

	view := models.MessageView{
		ID: msg.ID,
		Sender: models.Sender{
			ID:       sender.ID,
			Username: sender.Username,
		},
		Content:     msg.Content,
		MessageType: string(msg.Type),
		Timestamp:   models.FormatTimestamp(msg.Timestamp),
		IsRead:      msg.Read,
	}
	if sender.AvatarURL != "" {
		avatar := sender.AvatarURL
		view.Sender.AvatarURL = &avatar
	}
	if msg.MediaFile != "" {
		media := msg.MediaFile
		view.MediaFile = &media
	}
	if msg.ReplyTo != "" {
		replyTo := msg.ReplyTo
		view.ReplyTo = &replyTo
	}
	return view, nil
}

// History returns room messages with fromSeq <= seq <= toSeq. The in-memory
// tail serves the request when it covers the whole range; otherwise the
// durable log does.
func (s *Service) History(roomID string, fromSeq, toSeq int64) ([]models.Message, error) {
	r := s.room(roomID)
	r.mu.Lock()
	msgs, ok := r.slice(fromSeq, toSeq)
	r.mu.Unlock()
	if ok {
		return msgs, nil
	}
	return s.store.ListMessages(roomID, fromSeq, toSeq)
}

// roomLog is a bounded ring of a room's most recent messages.
type roomLog struct {
	mu         sync.Mutex
	records    []models.Message
	firstSeq   int64
	lastSeq    int64
	lastIndex  int
	maxRecords int
}

func (r *roomLog) add(msg models.Message) {
	switch {
	case len(r.records) < r.maxRecords:
		if r.firstSeq == -1 {
			r.firstSeq = msg.Seq
		}
		r.records = append(r.records, msg)
		r.lastIndex++
	default:
		r.firstSeq++
		i := (r.lastIndex + 1) % r.maxRecords
		r.records[i] = msg
		r.lastIndex = i
	}
	r.lastSeq = msg.Seq
}

// slice returns records with fromSeq <= seq <= toSeq when the ring covers
// the full range; ok is false when the store must be consulted instead.
func (r *roomLog) slice(fromSeq, toSeq int64) ([]models.Message, bool) {
	if r.firstSeq == -1 {
		return nil, false
	}
	if fromSeq < r.firstSeq {
		return nil, false
	}
	if toSeq > r.lastSeq {
		toSeq = r.lastSeq
	}
	if fromSeq > toSeq {
		return []models.Message{}, true
	}

	count := int(toSeq - fromSeq + 1)
	result := make([]models.Message, count)

	head := 0
	if len(r.records) == r.maxRecords {
		head = (r.lastIndex + 1) % r.maxRecords
	}
	offset := int(fromSeq - r.firstSeq)
	startIdx := (head + offset) % len(r.records)

	if startIdx+count <= len(r.records) {
		copy(result, r.records[startIdx:startIdx+count])
	} else {
		n1 := len(r.records) - startIdx
		copy(result, r.records[startIdx:])
		copy(result[n1:], r.records[:count-n1])
	}

	return result, true
}
