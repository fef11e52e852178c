package models

// Event type tags shared by the chat and notification sockets.
const (
	EventChatMessage     = "chat_message"
	EventTyping          = "typing"
	EventStopTyping      = "stop_typing"
	EventMessageRead     = "message_read"
	EventTypingIndicator = "typing_indicator"
	EventUserStatus      = "user_status"
	EventError           = "error"
	EventReadReceipt     = "read_receipt"
	EventNotification    = "notification"
)

// ClientEvent is the inbound envelope on a chat connection.
type ClientEvent struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	MediaFile   string `json:"media_file,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// Outbound events. Each carries its own "type" tag so connections can write
// them with a plain WriteJSON.

type ChatMessageEvent struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

func NewChatMessageEvent(view MessageView) ChatMessageEvent {
	return ChatMessageEvent{Type: EventChatMessage, Message: view}
}

type TypingIndicatorEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

func NewTypingIndicatorEvent(userID, username string, isTyping bool) TypingIndicatorEvent {
	return TypingIndicatorEvent{Type: EventTypingIndicator, UserID: userID, Username: username, IsTyping: isTyping}
}

type UserStatusEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

func NewUserStatusEvent(userID, username string, online bool) UserStatusEvent {
	return UserStatusEvent{Type: EventUserStatus, UserID: userID, Username: username, IsOnline: online}
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

type ReadReceiptEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

func NewReadReceiptEvent(messageID, userID string) ReadReceiptEvent {
	return ReadReceiptEvent{Type: EventReadReceipt, MessageID: messageID, UserID: userID}
}

type NotificationEvent struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

func NewNotificationEvent(n Notification) NotificationEvent {
	return NotificationEvent{Type: EventNotification, Notification: n}
}
