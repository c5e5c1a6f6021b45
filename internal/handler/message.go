package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"staychat/internal/chat"
	"staychat/internal/chaterr"
	"staychat/internal/model"
	"staychat/internal/store"
)

type createMessageRequest struct {
	Content          *string `json:"content,omitempty"`
	Image            *string `json:"image,omitempty"`
	ReplyToMessageID *string `json:"replyToMessageId,omitempty"`
}

type markSeenRequest struct {
	RecipientType string `json:"recipientType"`
}

// ListMessages handles GET /chat/rooms/{roomId}/messages?page&limit&sortBy&sortOrder
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	roomID := mux.Vars(r)["roomId"]

	page, err := parsePage(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.Chat.ListMessages(r.Context(), roomID, id.ID, id.Role, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if result.Messages == nil {
		result.Messages = []model.Message{}
	}

	h.Log.Debug(route(r)+" ✅ Returned messages", "room", roomID, "count", len(result.Messages), "total", result.TotalCount)
	writeJSON(w, http.StatusOK, result)
}

// CreateMessage handles POST /chat/rooms/{roomId}/messages
// リアルタイム接続を持たないクライアント向けの送信経路。WebSocketと同じく配信まで行う
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	roomID := mux.Vars(r)["roomId"]

	var req createMessageRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	msg, err := h.Chat.Send(r.Context(), chat.SendRequest{
		RoomID:     roomID,
		SenderID:   id.ID,
		SenderRole: id.Role,
		Content:    req.Content,
		Image:      req.Image,
		ReplyTo:    req.ReplyToMessageID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.Log.Info(route(r)+" ✅ Created message", "room", roomID, "message", msg.ID)
	writeJSON(w, http.StatusCreated, msg)
}

// MarkSeen handles PATCH /chat/rooms/{roomId}/seen
// recipientType を省略した場合はトークンのロールを使う
func (h *Handler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	roomID := mux.Vars(r)["roomId"]

	var req markSeenRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}

	role := id.Role
	if req.RecipientType != "" {
		parsed, err := model.ParseRole(req.RecipientType)
		if err != nil {
			h.fail(w, r, chaterr.Validation("recipientType", "must be user or provider"))
			return
		}
		if parsed != id.Role {
			h.fail(w, r, chaterr.NotAuthorized(id.ID, roomID))
			return
		}
		role = parsed
	}

	result, err := h.Chat.MarkSeen(r.Context(), roomID, id.ID, role)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.Log.Info(route(r)+" ✅ Marked seen", "room", roomID, "role", role, "marked", result.Marked)
	writeJSON(w, http.StatusOK, result)
}

func parsePage(r *http.Request) (store.Page, error) {
	q := r.URL.Query()
	page := store.Page{
		SortBy:    store.SortField(q.Get("sortBy")),
		SortOrder: store.SortOrder(q.Get("sortOrder")),
	}
	var err error
	if page.Number, err = intParam(q.Get("page"), "page"); err != nil {
		return store.Page{}, err
	}
	if page.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return store.Page{}, err
	}
	return page.Normalize()
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, chaterr.Validation(name, "must be a positive integer")
	}
	return n, nil
}
