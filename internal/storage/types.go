package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Username     string `msgpack:"username"`
	DisplayName  string `msgpack:"displayName"`
	Email        string `msgpack:"email"`
	PhoneNumber  string `msgpack:"phoneNumber"`
	AvatarURL    string `msgpack:"avatarUrl"`
	Bio          string `msgpack:"bio"`
	Online       bool   `msgpack:"online"`
	LastSeen     int64  `msgpack:"lastSeen"`
	PasswordHash string `msgpack:"passwordHash"`
	Status       string `msgpack:"status"`
	CreatedAt    int64  `msgpack:"createdAt"`
	UpdatedAt    int64  `msgpack:"updatedAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRoom struct {
	ID           string   `msgpack:"id"`
	Kind         string   `msgpack:"kind"`
	Name         string   `msgpack:"name"`
	Participants []string `msgpack:"participants"`
	CreatedBy    string   `msgpack:"createdBy"`
	Active       bool     `msgpack:"active"`
	CreatedAt    int64    `msgpack:"createdAt"`
	UpdatedAt    int64    `msgpack:"updatedAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	ID        string   `msgpack:"id"`
	Seq       int64    `msgpack:"seq"`
	RoomID    string   `msgpack:"roomId"`
	SenderID  string   `msgpack:"senderId"`
	Content   string   `msgpack:"content"`
	Type      string   `msgpack:"type"`
	MediaFile string   `msgpack:"mediaFile"`
	Timestamp int64    `msgpack:"timestamp"`
	Read      bool     `msgpack:"read"`
	ReadBy    []string `msgpack:"readBy"`
	ReplyTo   string   `msgpack:"replyTo"`
	Edited    bool     `msgpack:"edited"`
	EditedAt  int64    `msgpack:"editedAt"`
}

// Key is the message's big-endian sequence number, so a bucket cursor walks
// the room log in append order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBNotification struct {
	ID        string `msgpack:"id"`
	UserID    string `msgpack:"userId"`
	Type      string `msgpack:"type"`
	Title     string `msgpack:"title"`
	Body      string `msgpack:"body"`
	Read      bool   `msgpack:"read"`
	MessageID string `msgpack:"messageId"`
	RoomID    string `msgpack:"roomId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (n *DBNotification) Key() []byte {
	return []byte(n.ID)
}

func (n *DBNotification) MarshalBinary() (data []byte, err error) {
	type alias DBNotification
	return msgpack.Marshal((*alias)(n))
}

func (n *DBNotification) UnmarshalBinary(data []byte) error {
	type alias DBNotification
	return msgpack.Unmarshal(data, (*alias)(n))
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

type DBMediaFile struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	UserID    string `msgpack:"userId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (f *DBMediaFile) Key() []byte {
	return []byte(f.ID)
}

func (f *DBMediaFile) MarshalBinary() (data []byte, err error) {
	type alias DBMediaFile
	return msgpack.Marshal((*alias)(f))
}

func (f *DBMediaFile) UnmarshalBinary(data []byte) error {
	type alias DBMediaFile
	return msgpack.Unmarshal(data, (*alias)(f))
}
