package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"molva/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames")
	bucketRooms         = []byte("rooms")
	bucketMessages      = []byte("messages")
	bucketMessageIDs    = []byte("message_ids")
	bucketNotifications = []byte("notifications")
	bucketPushSubs      = []byte("push_subscriptions")
	bucketMedia         = []byte("media")
)

var ErrUserExists = models.ErrUserExists

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	buckets := [][]byte{
		bucketUsers,
		bucketUsernames,
		bucketRooms,
		bucketMessages,
		bucketMessageIDs,
		bucketNotifications,
		bucketPushSubs,
		bucketMedia,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func userFromDB(u DBUser) models.User {
	return models.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		PhoneNumber: u.PhoneNumber,
		AvatarURL:   u.AvatarURL,
		Bio:         u.Bio,
		Presence: models.Presence{
			Online:   u.Online,
			LastSeen: u.LastSeen,
		},
		Status:    models.UserStatus(u.Status),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// CreateUser stores a new user together with its password hash.
// The username must be unique among non-deleted users.
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(user.Username)) != nil {
			return ErrUserExists
		}

		dbUser := &DBUser{
			ID:           user.ID,
			Username:     user.Username,
			DisplayName:  user.DisplayName,
			Email:        user.Email,
			PhoneNumber:  user.PhoneNumber,
			AvatarURL:    user.AvatarURL,
			Bio:          user.Bio,
			Online:       user.Presence.Online,
			LastSeen:     user.Presence.LastSeen,
			PasswordHash: passwordHash,
			Status:       string(user.Status),
			CreatedAt:    user.CreatedAt,
			UpdatedAt:    user.UpdatedAt,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return names.Put([]byte(user.Username), []byte(user.ID))
	})
}

func (s *BboltStorage) getDBUser(tx *bbolt.Tx, id string) (DBUser, error) {
	var dbUser DBUser
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return dbUser, models.ErrNotFound
	}
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return dbUser, err
	}
	return dbUser, nil
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := s.getDBUser(tx, id)
		if err != nil {
			return err
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

func (s *BboltStorage) GetUserByUsername(username string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		dbUser, err := s.getDBUser(tx, string(id))
		if err != nil {
			return err
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

// Credentials returns the user and its password hash for login checks.
func (s *BboltStorage) Credentials(username string) (models.User, string, error) {
	var (
		user models.User
		hash string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		dbUser, err := s.getDBUser(tx, string(id))
		if err != nil {
			return err
		}
		user = userFromDB(dbUser)
		hash = dbUser.PasswordHash
		return nil
	})
	return user, hash, err
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, userFromDB(dbUser))
			return nil
		})
	})
	return users, err
}

// UpdateUserPresence mirrors the presence store's view of a user onto the
// durable user row.
func (s *BboltStorage) UpdateUserPresence(id string, online bool, lastSeen int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser, err := s.getDBUser(tx, id)
		if err != nil {
			return err
		}
		dbUser.Online = online
		dbUser.LastSeen = lastSeen
		dbUser.UpdatedAt = time.Now().Unix()
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

func roomFromDB(r DBRoom) models.Room {
	return models.Room{
		ID:           r.ID,
		Kind:         models.RoomKind(r.Kind),
		Name:         r.Name,
		Participants: r.Participants,
		CreatedBy:    r.CreatedBy,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// UpsertRoom saves a room struct to the database.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbRoom := &DBRoom{
			ID:           room.ID,
			Kind:         string(room.Kind),
			Name:         room.Name,
			Participants: room.Participants,
			CreatedBy:    room.CreatedBy,
			Active:       room.Active,
			CreatedAt:    room.CreatedAt,
			UpdatedAt:    room.UpdatedAt,
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRooms).Put(dbRoom.Key(), data)
	})
}

func (s *BboltStorage) GetRoom(id string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = roomFromDB(dbRoom)
		return nil
	})
	return room, err
}

func (s *BboltStorage) ListRoomsForUser(userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			room := roomFromDB(dbRoom)
			if room.Active && room.HasParticipant(userID) {
				rooms = append(rooms, room)
			}
			return nil
		})
	})
	return rooms, err
}

// FindDirectRoom returns the active direct room between exactly the two
// given users, or ErrNotFound.
func (s *BboltStorage) FindDirectRoom(a, b string) (models.Room, error) {
	var found models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		var match bool
		err := tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			if match {
				return nil
			}
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			room := roomFromDB(dbRoom)
			if room.Kind != models.RoomDirect || !room.Active || len(room.Participants) != 2 {
				return nil
			}
			if room.HasParticipant(a) && room.HasParticipant(b) {
				found = room
				match = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !match {
			return models.ErrNotFound
		}
		return nil
	})
	return found, err
}

func messageFromDB(m DBMessage) models.Message {
	return models.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      models.MessageType(m.Type),
		MediaFile: m.MediaFile,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		ReadBy:    m.ReadBy,
		ReplyTo:   m.ReplyTo,
		Edited:    m.Edited,
		EditedAt:  m.EditedAt,
	}
}

func messageToDB(m models.Message) DBMessage {
	return DBMessage{
		ID:        m.ID,
		Seq:       m.Seq,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      string(m.Type),
		MediaFile: m.MediaFile,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		ReadBy:    m.ReadBy,
		ReplyTo:   m.ReplyTo,
		Edited:    m.Edited,
		EditedAt:  m.EditedAt,
	}
}

// AppendMessage appends a message to its room's log. The sequence number
// and timestamp are assigned here, inside the write transaction, so the
// stored order is the total order for the room. A reply reference that does
// not resolve within the same room is cleared rather than rejected.
func (s *BboltStorage) AppendMessage(msg *models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if msg.RoomID == "" {
			return errors.New("message missing roomID")
		}
		if tx.Bucket(bucketRooms).Get([]byte(msg.RoomID)) == nil {
			return fmt.Errorf("room %s: %w", msg.RoomID, models.ErrNotFound)
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		idBucket, err := tx.Bucket(bucketMessageIDs).CreateBucketIfNotExists([]byte(msg.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create message id bucket: %w", err)
		}

		if msg.ReplyTo != "" && idBucket.Get([]byte(msg.ReplyTo)) == nil {
			msg.ReplyTo = ""
		}

		seq, err := roomBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)
		msg.Timestamp = time.Now().UnixNano()

		dbMsg := messageToDB(*msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return idBucket.Put([]byte(msg.ID), dbMsg.Key())
	})
}

// ListMessages returns room messages with fromSeq <= seq <= toSeq in append
// order.
func (s *BboltStorage) ListMessages(roomID string, fromSeq, toSeq int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}

		c := roomBucket.Cursor()

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(fromSeq))
		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(toSeq))

		for k, v := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMsg))
		}
		return nil
	})
	return messages, err
}

func (s *BboltStorage) getDBMessage(tx *bbolt.Tx, roomID, messageID string) (DBMessage, []byte, error) {
	var dbMsg DBMessage
	idBucket := tx.Bucket(bucketMessageIDs).Bucket([]byte(roomID))
	if idBucket == nil {
		return dbMsg, nil, models.ErrNotFound
	}
	seqKey := idBucket.Get([]byte(messageID))
	if seqKey == nil {
		return dbMsg, nil, models.ErrNotFound
	}
	roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
	if roomBucket == nil {
		return dbMsg, nil, models.ErrNotFound
	}
	data := roomBucket.Get(seqKey)
	if data == nil {
		return dbMsg, nil, models.ErrNotFound
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return dbMsg, nil, err
	}
	return dbMsg, seqKey, nil
}

func (s *BboltStorage) GetMessage(roomID, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, _, err := s.getDBMessage(tx, roomID, messageID)
		if err != nil {
			return err
		}
		msg = messageFromDB(dbMsg)
		return nil
	})
	return msg, err
}

// MarkMessageRead adds the reader to the message's reader set, idempotently.
// The read flag flips to true once the set covers every participant except
// the sender. The participant snapshot is the caller's.
func (s *BboltStorage) MarkMessageRead(roomID, messageID, readerID string, participants []string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, seqKey, err := s.getDBMessage(tx, roomID, messageID)
		if err != nil {
			return err
		}

		seen := false
		for _, id := range dbMsg.ReadBy {
			if id == readerID {
				seen = true
				break
			}
		}
		if !seen {
			dbMsg.ReadBy = append(dbMsg.ReadBy, readerID)
		}

		allRead := true
		for _, p := range participants {
			if p == dbMsg.SenderID {
				continue
			}
			read := false
			for _, id := range dbMsg.ReadBy {
				if id == p {
					read = true
					break
				}
			}
			if !read {
				allRead = false
				break
			}
		}
		dbMsg.Read = allRead

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Bucket([]byte(roomID)).Put(seqKey, data); err != nil {
			return err
		}
		msg = messageFromDB(dbMsg)
		return nil
	})
	return msg, err
}

// notificationKey orders a user's notifications by creation time, newest
// last; the ID suffix keeps same-instant keys distinct.
func notificationKey(createdAt int64, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(createdAt))
	return append(key, id...)
}

func (s *BboltStorage) CreateNotification(n models.Notification) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketNotifications).CreateBucketIfNotExists([]byte(n.UserID))
		if err != nil {
			return err
		}
		dbN := &DBNotification{
			ID:        n.ID,
			UserID:    n.UserID,
			Type:      string(n.Type),
			Title:     n.Title,
			Body:      n.Body,
			Read:      n.Read,
			MessageID: n.MessageID,
			RoomID:    n.RoomID,
			CreatedAt: n.CreatedAt,
		}
		data, err := dbN.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(notificationKey(n.CreatedAt, n.ID), data)
	})
}

// ListNotifications returns a user's notifications, newest first.
func (s *BboltStorage) ListNotifications(userID string) ([]models.Notification, error) {
	var notifications []models.Notification
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		c := userBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var dbN DBNotification
			if err := dbN.UnmarshalBinary(v); err != nil {
				return err
			}
			notifications = append(notifications, models.Notification{
				ID:        dbN.ID,
				UserID:    dbN.UserID,
				Type:      models.NotificationType(dbN.Type),
				Title:     dbN.Title,
				Body:      dbN.Body,
				Read:      dbN.Read,
				MessageID: dbN.MessageID,
				RoomID:    dbN.RoomID,
				CreatedAt: dbN.CreatedAt,
			})
		}
		return nil
	})
	return notifications, err
}

// MarkNotificationsRead marks a user's unread notifications read. A
// non-empty roomID restricts it to notifications referencing that room.
func (s *BboltStorage) MarkNotificationsRead(userID, roomID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketNotifications).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbN DBNotification
			if err := dbN.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbN.Read {
				return nil
			}
			if roomID != "" && dbN.RoomID != roomID {
				return nil
			}
			dbN.Read = true
			data, err := dbN.MarshalBinary()
			if err != nil {
				return err
			}
			return userBucket.Put(k, data)
		})
	})
}

func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		dbSub := &DBPushSubscription{
			UserID:    sub.UserID,
			Endpoint:  sub.Endpoint,
			P256dh:    sub.P256dh,
			Auth:      sub.Auth,
			CreatedAt: sub.CreatedAt,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:    dbSub.UserID,
				Endpoint:  dbSub.Endpoint,
				P256dh:    dbSub.P256dh,
				Auth:      dbSub.Auth,
				CreatedAt: dbSub.CreatedAt,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) UpsertMediaFile(meta models.MediaFile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMeta := &DBMediaFile{
			ID:        meta.ID,
			Hash:      meta.Hash,
			Name:      meta.Name,
			MimeType:  meta.MimeType,
			Size:      meta.Size,
			UserID:    meta.UserID,
			CreatedAt: meta.CreatedAt,
		}
		data, err := dbMeta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal media metadata: %w", err)
		}
		return tx.Bucket(bucketMedia).Put(dbMeta.Key(), data)
	})
}

func (s *BboltStorage) GetMediaFile(id string) (models.MediaFile, error) {
	var meta models.MediaFile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMedia).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbMeta DBMediaFile
		if err := dbMeta.UnmarshalBinary(data); err != nil {
			return err
		}
		meta = models.MediaFile{
			ID:        dbMeta.ID,
			Hash:      dbMeta.Hash,
			Name:      dbMeta.Name,
			MimeType:  dbMeta.MimeType,
			Size:      dbMeta.Size,
			UserID:    dbMeta.UserID,
			CreatedAt: dbMeta.CreatedAt,
		}
		return nil
	})
	return meta, err
}
