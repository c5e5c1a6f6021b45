// Package chat coordinates the write and read paths of the chat core.
//
// Every write into a room (Send, MarkSeen) holds that room's lock across the
// atomic store call and the broadcast enqueue, so subscribers observe events
// in persistence order. Rooms never contend with each other.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"

	"staychat/internal/chaterr"
	"staychat/internal/metrics"
	"staychat/internal/model"
	"staychat/internal/store"
	"staychat/internal/syncx"
)

// Broadcaster pushes confirmed state to live connections. Failures are
// reported but never undo persisted state.
type Broadcaster interface {
	MessageCreated(room model.ChatRoom, msg model.Message) error
	MessagesSeen(room model.ChatRoom, role model.Role, count int) error
}

type SendRequest struct {
	RoomID     string     `validate:"required"`
	SenderID   string     `validate:"required"`
	SenderRole model.Role `validate:"required,oneof=user provider"`
	Content    *string    `validate:"omitempty,max=5000"`
	Image      *string    `validate:"omitempty,max=2048"`
	ReplyTo    *string    `validate:"omitempty,max=64"`
}

type SeenResult struct {
	RoomID      string     `json:"roomId"`
	Role        model.Role `json:"role"`
	Marked      int        `json:"marked"`
	UnreadCount int        `json:"unreadCount"`
}

type MessagePage struct {
	Messages    []model.Message `json:"messages"`
	TotalCount  int             `json:"totalCount"`
	HasMore     bool            `json:"hasMore"`
	LastMessage *model.Message  `json:"lastMessage,omitempty"`
	UnreadCount *int            `json:"unreadCount,omitempty"`
}

type Service struct {
	store       store.Store
	broadcaster Broadcaster
	log         *slog.Logger
	metrics     *metrics.Metrics
	locks       *syncx.KeyedMutex
}

func NewService(st store.Store, b Broadcaster, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:       st,
		broadcaster: b,
		log:         log,
		metrics:     m,
		locks:       syncx.NewKeyedMutex(),
	}
}

// Send validates, persists and broadcasts one message, returning the
// confirmed message for the sender to reconcile against.
func (s *Service) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	if err := validateSend(req); err != nil {
		return model.Message{}, err
	}

	unlock := s.locks.Lock(req.RoomID)
	defer unlock()

	if _, err := s.authorize(ctx, req.RoomID, req.SenderID, req.SenderRole); err != nil {
		return model.Message{}, err
	}

	msg, room, err := s.store.AppendMessage(ctx, model.NewMessage{
		RoomID:     req.RoomID,
		SenderID:   req.SenderID,
		SenderRole: req.SenderRole,
		Content:    req.Content,
		Image:      req.Image,
		ReplyTo:    req.ReplyTo,
	})
	if err != nil {
		return model.Message{}, err
	}
	s.metrics.MessagesSent.Inc()

	msg = s.resolveReplies(ctx, room.ID, []model.Message{msg})[0]

	if err := s.broadcaster.MessageCreated(room, msg); err != nil {
		s.log.Warn("Broadcast incomplete, message stays persisted",
			"room", room.ID, "message", msg.ID, "error", err)
	}
	return msg, nil
}

// MarkSeen acknowledges every message addressed to role in the room.
// Repeating it is a no-op.
func (s *Service) MarkSeen(ctx context.Context, roomID, identityID string, role model.Role) (SeenResult, error) {
	if !role.Valid() {
		return SeenResult{}, chaterr.Validation("recipientType", "must be user or provider")
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	before, err := s.authorize(ctx, roomID, identityID, role)
	if err != nil {
		return SeenResult{}, err
	}
	marked, room, err := s.store.MarkSeen(ctx, roomID, role)
	if err != nil {
		return SeenResult{}, err
	}
	s.metrics.MessagesSeen.Add(float64(marked))

	if marked > 0 || before.UnreadCount(role) > 0 {
		if err := s.broadcaster.MessagesSeen(room, role, marked); err != nil {
			s.log.Warn("Seen broadcast incomplete", "room", room.ID, "error", err)
		}
	}
	return SeenResult{
		RoomID:      room.ID,
		Role:        role,
		Marked:      marked,
		UnreadCount: room.UnreadCount(role),
	}, nil
}

// ListMessages returns one page of a room with replies resolved. The room
// lock keeps the page and the unread counter from the same point in time.
func (s *Service) ListMessages(ctx context.Context, roomID, identityID string, role model.Role, page store.Page) (MessagePage, error) {
	page, err := page.Normalize()
	if err != nil {
		return MessagePage{}, err
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	room, err := s.authorize(ctx, roomID, identityID, role)
	if err != nil {
		return MessagePage{}, err
	}
	messages, total, err := s.store.ListMessages(ctx, roomID, page)
	if err != nil {
		return MessagePage{}, err
	}

	result := MessagePage{
		Messages:    s.resolveReplies(ctx, roomID, messages),
		TotalCount:  total,
		HasMore:     page.HasMore(total),
		UnreadCount: lo.ToPtr(room.UnreadCount(role)),
	}
	if total > 0 {
		last, err := s.lastMessage(ctx, roomID)
		if err != nil {
			s.log.Warn("Could not load last message", "room", roomID, "error", err)
		} else {
			result.LastMessage = last
		}
	}
	return result, nil
}

func (s *Service) lastMessage(ctx context.Context, roomID string) (*model.Message, error) {
	latest, _, err := s.store.ListMessages(ctx, roomID, store.Page{
		Number: 1, Limit: 1, SortBy: store.SortCreatedAt, SortOrder: store.Desc,
	})
	if err != nil || len(latest) == 0 {
		return nil, err
	}
	return &s.resolveReplies(ctx, roomID, latest)[0], nil
}

// ListRooms returns the rooms of identityID, most recent activity first.
func (s *Service) ListRooms(ctx context.Context, identityID string, role model.Role) ([]model.ChatRoom, error) {
	if !role.Valid() {
		return nil, chaterr.Validation("role", "must be user or provider")
	}
	return s.store.ListRooms(ctx, identityID, role)
}

// OpenRoom returns the room between identityID and counterpartID, creating it
// on first contact.
func (s *Service) OpenRoom(ctx context.Context, identityID string, role model.Role, counterpartID string) (model.ChatRoom, bool, error) {
	if counterpartID == "" {
		return model.ChatRoom{}, false, chaterr.Validation("counterpartId", "is required")
	}
	if counterpartID == identityID {
		return model.ChatRoom{}, false, chaterr.Validation("counterpartId", "cannot open a room with yourself")
	}
	userID, providerID := identityID, counterpartID
	if role == model.RoleProvider {
		userID, providerID = counterpartID, identityID
	}
	return s.store.GetOrCreateRoom(ctx, userID, providerID)
}

// Room returns roomID when identityID takes part in it as role.
func (s *Service) Room(ctx context.Context, roomID, identityID string, role model.Role) (model.ChatRoom, error) {
	return s.authorize(ctx, roomID, identityID, role)
}

func (s *Service) authorize(ctx context.Context, roomID, identityID string, role model.Role) (model.ChatRoom, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return model.ChatRoom{}, err
	}
	if !room.IsParticipant(identityID, role) {
		s.log.Warn("Rejected access to room", "room", roomID, "identity", identityID, "role", role)
		return model.ChatRoom{}, chaterr.NotAuthorized(identityID, roomID)
	}
	return room, nil
}

// resolveReplies turns reply ids into previews when the target is still
// available. Lookup failures degrade to id-only references.
func (s *Service) resolveReplies(ctx context.Context, roomID string, messages []model.Message) []model.Message {
	ids := lo.FilterMap(messages, func(m model.Message, _ int) (string, bool) {
		if m.ReplyTo == nil {
			return "", false
		}
		return m.ReplyTo.ID, true
	})
	if len(ids) == 0 {
		return messages
	}

	targets, err := s.store.GetMessages(ctx, roomID, ids)
	if err != nil && !errors.Is(err, chaterr.ErrNotFound) {
		s.log.Warn("Reply lookup failed, keeping id-only references", "room", roomID, "error", err)
		return messages
	}

	out := make([]model.Message, len(messages))
	for i, m := range messages {
		if m.ReplyTo != nil {
			if target, ok := targets[m.ReplyTo.ID]; ok {
				m.ReplyTo = model.Resolved(target)
			} else {
				m.ReplyTo = model.Unresolved(m.ReplyTo.ID)
			}
		}
		out[i] = m
	}
	return out
}
