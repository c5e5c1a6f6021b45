package model

import (
	"encoding/json"
	"time"
)

// EventType names a realtime event exchanged over the websocket.
type EventType string

// client -> server
const (
	EventJoinRoom         EventType = "join_room"
	EventLeaveRoom        EventType = "leave_room"
	EventSendMessage      EventType = "send_message"
	EventMarkSeen         EventType = "mark_seen"
	EventTypingStart      EventType = "typing_start"
	EventTypingStop       EventType = "typing_stop"
	EventPresenceAnnounce EventType = "presence_announce"
)

// server -> client
const (
	EventMessageReceived EventType = "message_received"
	EventMessageAck      EventType = "message_ack"
	EventRoomUpdated     EventType = "room_updated"
	EventMessagesSeen    EventType = "messages_seen"
	EventPresenceChanged EventType = "presence_changed"
	EventTyping          EventType = "typing"
	EventError           EventType = "error"
)

// Envelope wraps every realtime frame
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a frame of the given type.
func NewEnvelope(t EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Data: raw}, nil
}

type RoomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

type SendMessageRequest struct {
	RoomID    string  `json:"roomId" validate:"required"`
	Content   *string `json:"content,omitempty" validate:"omitempty,max=5000"`
	Image     *string `json:"image,omitempty" validate:"omitempty,max=2048"`
	ReplyTo   *string `json:"replyTo,omitempty" validate:"omitempty,max=64"`
	ClientRef string  `json:"clientRef,omitempty" validate:"max=64"`
}

type PresenceAnnounce struct {
	IdentityID string `json:"identityId" validate:"required"`
	Role       Role   `json:"role" validate:"required,oneof=user provider"`
	Online     bool   `json:"online"`
}

type MessageReceived struct {
	Message Message `json:"message"`
}

type MessageAck struct {
	ClientRef string  `json:"clientRef,omitempty"`
	Message   Message `json:"message"`
}

type RoomUpdated struct {
	RoomID        string     `json:"roomId"`
	LastMessage   *string    `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
}

type MessagesSeen struct {
	RoomID string `json:"roomId"`
	Role   Role   `json:"role"`
	Count  int    `json:"count"`
}

type PresenceChanged struct {
	IdentityID string     `json:"identityId"`
	Online     bool       `json:"online"`
	LastSeen   *time.Time `json:"lastSeen,omitempty"`
}

type Typing struct {
	RoomID         string `json:"roomId"`
	FromIdentityID string `json:"fromIdentityId"`
	Active         bool   `json:"active"`
}

type ErrorEvent struct {
	ClientRef string `json:"clientRef,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
