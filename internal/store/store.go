// Package store persists rooms and messages.
//
// A Store owns two record kinds: messages, which are immutable except for
// their seen flag, and rooms, which carry the denormalized last message and
// the per-role unread counters. The operations that touch both kinds
// (AppendMessage and MarkSeen) run as a single atomic unit in every
// implementation, so an unread counter never lags a persisted message.
package store

import (
	"context"
	"fmt"
	"strings"

	"staychat/internal/chaterr"
	"staychat/internal/model"
)

type Store interface {
	GetOrCreateRoom(ctx context.Context, userID, providerID string) (model.ChatRoom, bool, error)
	GetRoom(ctx context.Context, roomID string) (model.ChatRoom, error)
	ListRooms(ctx context.Context, identityID string, role model.Role) ([]model.ChatRoom, error)

	// AppendMessage persists msg and records it on its room: last message
	// preview and time, plus one unread for the role opposite the sender.
	AppendMessage(ctx context.Context, msg model.NewMessage) (model.Message, model.ChatRoom, error)
	ListMessages(ctx context.Context, roomID string, page Page) ([]model.Message, int, error)
	GetMessages(ctx context.Context, roomID string, ids []string) (map[string]model.Message, error)

	// MarkSeen flips seen on every unseen message addressed to recipientRole
	// and zeroes that role's unread counter. It returns the number of
	// messages flipped.
	MarkSeen(ctx context.Context, roomID string, recipientRole model.Role) (int, model.ChatRoom, error)

	Close() error
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
)

type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// Page is an offset-based page request. Number starts at 1.
type Page struct {
	Number    int
	Limit     int
	SortBy    SortField
	SortOrder SortOrder
}

// Normalize applies defaults and rejects unknown sort keys.
func (p Page) Normalize() (Page, error) {
	if p.Number <= 0 {
		p.Number = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	switch p.SortBy {
	case "":
		p.SortBy = SortCreatedAt
	case SortCreatedAt, SortUpdatedAt:
	default:
		return p, chaterr.Validation("sortBy", fmt.Sprintf("unsupported sort field %q", p.SortBy))
	}
	switch p.SortOrder {
	case "":
		p.SortOrder = Asc
	case Asc, Desc:
	default:
		return p, chaterr.Validation("sortOrder", fmt.Sprintf("unsupported sort order %q", p.SortOrder))
	}
	return p, nil
}

func (p Page) Offset() int { return (p.Number - 1) * p.Limit }

// HasMore reports whether messages remain after this page.
func (p Page) HasMore(total int) bool { return p.Number*p.Limit < total }

// HasBody reports whether a message carries text or an image. Content may be
// empty only when an image is attached.
func HasBody(content, image *string) bool {
	if image != nil && strings.TrimSpace(*image) != "" {
		return true
	}
	return content != nil && strings.TrimSpace(*content) != ""
}

func validateNew(msg model.NewMessage) error {
	if !HasBody(msg.Content, msg.Image) {
		return chaterr.Validation("content", "content or image is required")
	}
	if !msg.SenderRole.Valid() {
		return chaterr.Validation("senderRole", fmt.Sprintf("unknown role %q", msg.SenderRole))
	}
	return nil
}
