package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrUserExists    = errors.New("user already exists")
)

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a chat participant. The password hash lives in storage
// only and is never part of this struct.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Bio         string     `json:"bio,omitempty"`
	Presence    Presence   `json:"presence"`
	Status      UserStatus `json:"status"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Presence is a user's online state and last-seen time.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen"` // Unix timestamp (seconds)
}

type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// Room is a conversation container. A direct room has exactly two distinct
// participants; deactivation is a soft flag.
type Room struct {
	ID           string   `json:"id"`
	Kind         RoomKind `json:"kind"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants"`
	CreatedBy    string   `json:"created_by"`
	Active       bool     `json:"active"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

// HasParticipant reports whether userID is in the room's participant set.
func (r Room) HasParticipant(userID string) bool {
	for _, id := range r.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
	MessageEmoji MessageType = "emoji"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageEmoji:
		return true
	}
	return false
}

// Message is one entry of a room's append-only log. Seq and Timestamp are
// assigned once on append and define the total order within the room; only
// read/edit metadata mutates afterwards.
type Message struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	RoomID    string      `json:"room_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type"`
	MediaFile string      `json:"media_file,omitempty"`
	Timestamp int64       `json:"timestamp"` // Unix nanoseconds
	Read      bool        `json:"is_read"`
	ReadBy    []string    `json:"read_by,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	Edited    bool        `json:"is_edited"`
	EditedAt  int64       `json:"edited_at,omitempty"`
}

// ReadByUser reports whether userID already acknowledged the message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Sender is the resolved sender identity embedded in a serialized message.
type Sender struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

// MessageView is the wire shape of a message carried by chat_message events
// and the history API.
type MessageView struct {
	ID          string  `json:"id"`
	Sender      Sender  `json:"sender"`
	Content     string  `json:"content"`
	ContentHTML string  `json:"content_html,omitempty"`
	MessageType string  `json:"message_type"`
	MediaFile   *string `json:"media_file"`
	Timestamp   string  `json:"timestamp"` // RFC 3339
	IsRead      bool    `json:"is_read"`
	ReplyTo     *string `json:"reply_to"`
}

// FormatTimestamp renders a message timestamp for the wire.
func FormatTimestamp(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

type NotificationType string

const (
	NotificationMessage     NotificationType = "message"
	NotificationMention     NotificationType = "mention"
	NotificationGroupInvite NotificationType = "group_invite"
	NotificationCall        NotificationType = "call"
)

// Notification is created for a participant who was offline when the
// triggering event occurred. It only ever transitions read false -> true.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"notification_type"`
	Title     string           `json:"title"`
	Body      string           `json:"message"`
	Read      bool             `json:"is_read"`
	MessageID string           `json:"related_message,omitempty"`
	RoomID    string           `json:"related_room,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

// TypingIndicator is an ephemeral per (user, room) signal. It is never
// persisted; a process restart loses all of them.
type TypingIndicator struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	RoomID    string `json:"room_id"`
	IsTyping  bool   `json:"is_typing"`
	Timestamp int64  `json:"timestamp"`
}

// PushSubscription is a Web Push endpoint registered by one of the user's
// browsers. Delivery through it is best-effort.
type PushSubscription struct {
	UserID    string `json:"user_id"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"created_at"`
}

// MediaFile is metadata for an uploaded blob kept in the filestore.
type MediaFile struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
