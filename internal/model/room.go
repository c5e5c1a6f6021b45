package model

import (
	"fmt"
	"time"
)

// Role is the side of a room a participant sits on.
type Role string

const (
	RoleUser     Role = "user"
	RoleProvider Role = "provider"
)

// ParseRole validates a role coming from a request or a token.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleProvider:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Opposite returns the counterpart role.
func (r Role) Opposite() Role {
	if r == RoleUser {
		return RoleProvider
	}
	return RoleUser
}

func (r Role) Valid() bool { return r == RoleUser || r == RoleProvider }

// ChatRoom is the single channel between one user and one provider
type ChatRoom struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	ProviderID          string     `json:"providerId"`
	LastMessage         *string    `json:"lastMessage,omitempty"`
	LastMessageAt       *time.Time `json:"lastMessageAt,omitempty"`
	UserUnreadCount     int        `json:"userUnreadCount"`
	ProviderUnreadCount int        `json:"providerUnreadCount"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// ParticipantID returns the id of the participant holding role.
func (r ChatRoom) ParticipantID(role Role) string {
	if role == RoleProvider {
		return r.ProviderID
	}
	return r.UserID
}

// IsParticipant reports whether identity takes part in the room as role.
func (r ChatRoom) IsParticipant(identityID string, role Role) bool {
	return identityID != "" && r.ParticipantID(role) == identityID
}

// Counterpart returns the other participant of identity's side.
func (r ChatRoom) Counterpart(role Role) string {
	return r.ParticipantID(role.Opposite())
}

// UnreadCount returns the unread counter of role.
func (r ChatRoom) UnreadCount(role Role) int {
	if role == RoleProvider {
		return r.ProviderUnreadCount
	}
	return r.UserUnreadCount
}

// ActivityAt is the ordering key for room lists.
func (r ChatRoom) ActivityAt() time.Time {
	if r.LastMessageAt != nil {
		return *r.LastMessageAt
	}
	return r.CreatedAt
}
