package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"staychat/internal/chat"
	"staychat/internal/chaterr"
	"staychat/internal/model"
)

func (h *Hub) dispatch(c *Conn, env model.Envelope) {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.OperationTimeout)
	defer cancel()

	switch env.Type {
	case model.EventJoinRoom:
		var req model.RoomRequest
		if err := decode(env, &req); err != nil {
			h.reject(c, "", err)
			return
		}
		room, err := h.chat.Room(ctx, req.RoomID, c.IdentityID, c.Role)
		if err != nil {
			h.reject(c, "", err)
			return
		}
		h.join(c, room)
		h.log.Debug("[WebSocket] Joined room", "conn", c.ID, "room", room.ID)
		h.sendPresenceOf(c, room.Counterpart(c.Role))

	case model.EventLeaveRoom:
		var req model.RoomRequest
		if err := decode(env, &req); err != nil {
			h.reject(c, "", err)
			return
		}
		h.leave(c, req.RoomID)

	case model.EventSendMessage:
		var req model.SendMessageRequest
		if err := decode(env, &req); err != nil {
			h.reject(c, req.ClientRef, err)
			return
		}
		msg, err := h.chat.Send(ctx, chat.SendRequest{
			RoomID:     req.RoomID,
			SenderID:   c.IdentityID,
			SenderRole: c.Role,
			Content:    req.Content,
			Image:      req.Image,
			ReplyTo:    req.ReplyTo,
		})
		if err != nil {
			h.reject(c, req.ClientRef, err)
			return
		}
		_ = h.sendTo(c, model.EventMessageAck, model.MessageAck{ClientRef: req.ClientRef, Message: msg})

	case model.EventMarkSeen:
		var req model.RoomRequest
		if err := decode(env, &req); err != nil {
			h.reject(c, "", err)
			return
		}
		if _, err := h.chat.MarkSeen(ctx, req.RoomID, c.IdentityID, c.Role); err != nil {
			h.reject(c, "", err)
		}

	case model.EventTypingStart, model.EventTypingStop:
		var req model.RoomRequest
		if err := decode(env, &req); err != nil {
			h.reject(c, "", err)
			return
		}
		if !h.viewing(c, req.RoomID) {
			h.reject(c, "", chaterr.NotAuthorized(c.IdentityID, req.RoomID))
			return
		}
		_ = h.relayTyping(c, req.RoomID, env.Type == model.EventTypingStart)

	case model.EventPresenceAnnounce:
		var req model.PresenceAnnounce
		if err := decode(env, &req); err != nil {
			h.reject(c, "", err)
			return
		}
		if req.IdentityID != c.IdentityID || req.Role != c.Role {
			h.reject(c, "", fmt.Errorf("%w: presence can only be announced for the connected identity", chaterr.ErrNotAuthorized))
			return
		}
		h.announce(c, req.Online)

	default:
		h.reject(c, "", chaterr.Validation("type", "unknown event "+string(env.Type)))
	}
}

func decode(env model.Envelope, v any) error {
	if len(env.Data) == 0 {
		return chaterr.Validation("data", "is required")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return chaterr.Validation("data", "malformed payload")
	}
	return chat.Validate(v)
}

// reject answers a failed event with an error frame. The connection stays
// open.
func (h *Hub) reject(c *Conn, clientRef string, err error) {
	code := chaterr.Code(err)
	h.metrics.RejectedEvents.WithLabelValues(code).Inc()

	message := err.Error()
	switch code {
	case chaterr.CodeInternal:
		h.log.Error("[WebSocket] Event failed", "conn", c.ID, "error", err)
		message = "internal error"
	case chaterr.CodeNotAuthorized:
		h.log.Warn("[WebSocket] Event rejected", "conn", c.ID, "identity", c.IdentityID, "error", err)
	default:
		h.log.Debug("[WebSocket] Event rejected", "conn", c.ID, "code", code, "error", err)
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	_ = h.sendTo(c, model.EventError, model.ErrorEvent{ClientRef: clientRef, Code: code, Message: message})
}
