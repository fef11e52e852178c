// Package rooms is the membership authority: the sole source of truth for
// whether a user may join or act in a room.
package rooms

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"molva/internal/models"

	"github.com/google/uuid"
)

var (
	ErrSameUser           = errors.New("direct room requires two distinct users")
	ErrAutomatedExclusive = errors.New("automated participant only allowed in two-party direct rooms")
)

// Store is the slice of persistence the authority needs.
type Store interface {
	GetRoom(id string) (models.Room, error)
	UpsertRoom(room models.Room) error
	FindDirectRoom(a, b string) (models.Room, error)
	ListRoomsForUser(userID string) ([]models.Room, error)
}

type Service struct {
	store Store

	// Serializes direct-room creation so concurrent create attempts for
	// the same pair cannot both miss the lookup.
	createMu sync.Mutex

	// User ID of the automated participant, if one is configured.
	automatedUserID string

	now func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// SetAutomatedUser registers the automated participant's identity so the
// membership rules can fence it off from multi-party rooms.
func (s *Service) SetAutomatedUser(userID string) {
	s.automatedUserID = userID
}

// IsParticipant reports whether the room is active and the user belongs to
// it. It is the authorization gate for connection open.
func (s *Service) IsParticipant(userID, roomID string) (bool, error) {
	room, err := s.store.GetRoom(roomID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return room.Active && room.HasParticipant(userID), nil
}

// Participants returns a snapshot of the room's participant set.
func (s *Service) Participants(roomID string) ([]string, error) {
	room, err := s.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(room.Participants))
	copy(out, room.Participants)
	return out, nil
}

func (s *Service) Get(roomID string) (models.Room, error) {
	return s.store.GetRoom(roomID)
}

func (s *Service) ListForUser(userID string) ([]models.Room, error) {
	rooms, err := s.store.ListRoomsForUser(userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt < rooms[j].CreatedAt })
	return rooms, nil
}

// CreateDirect returns the existing active direct room between the two
// users or creates a new one. Lookup and create are serialized so any
// number of concurrent attempts yield at most one room per pair.
func (s *Service) CreateDirect(creatorID, otherID string) (models.Room, error) {
	if creatorID == otherID {
		return models.Room{}, ErrSameUser
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.store.FindDirectRoom(creatorID, otherID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Room{}, fmt.Errorf("direct room lookup failed: %w", err)
	}

	now := s.now().Unix()
	room := models.Room{
		ID:           uuid.NewString(),
		Kind:         models.RoomDirect,
		Participants: []string{creatorID, otherID},
		CreatedBy:    creatorID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.UpsertRoom(room); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// CreateGroup creates a group room with the creator plus the given
// participants. The automated participant is never allowed into a group.
func (s *Service) CreateGroup(creatorID, name string, participantIDs []string) (models.Room, error) {
	participants := []string{creatorID}
	for _, id := range participantIDs {
		if id == s.automatedUserID && s.automatedUserID != "" {
			return models.Room{}, ErrAutomatedExclusive
		}
		dup := false
		for _, existing := range participants {
			if existing == id {
				dup = true
				break
			}
		}
		if !dup {
			participants = append(participants, id)
		}
	}

	now := s.now().Unix()
	room := models.Room{
		ID:           uuid.NewString(),
		Kind:         models.RoomGroup,
		Name:         name,
		Participants: participants,
		CreatedBy:    creatorID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.UpsertRoom(room); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// AddParticipant grows a group room. Rooms containing the automated
// participant are frozen at two members, and the automated participant
// itself can only ever enter via CreateDirect.
func (s *Service) AddParticipant(roomID, userID string) error {
	room, err := s.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	if !room.Active {
		return fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	if room.HasParticipant(userID) {
		return nil
	}
	if s.automatedUserID != "" {
		if userID == s.automatedUserID || room.HasParticipant(s.automatedUserID) {
			return ErrAutomatedExclusive
		}
	}
	if room.Kind == models.RoomDirect {
		return fmt.Errorf("cannot add participants to a direct room")
	}

	room.Participants = append(room.Participants, userID)
	room.UpdatedAt = s.now().Unix()
	return s.store.UpsertRoom(room)
}

// Deactivate soft-deletes a room. History is retained.
func (s *Service) Deactivate(roomID string) error {
	room, err := s.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	room.Active = false
	room.UpdatedAt = s.now().Unix()
	return s.store.UpsertRoom(room)
}
