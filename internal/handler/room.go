package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"staychat/internal/chaterr"
	"staychat/internal/model"
)

type openRoomRequest struct {
	CounterpartID string `json:"counterpartId"`
}

// ListRooms handles GET /chat/rooms?role={user|provider}
// 最終アクティビティの新しい順に返す
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	h.Log.Debug(route(r)+" Request received", "remote", r.RemoteAddr, "identity", id.ID)

	if raw := r.URL.Query().Get("role"); raw != "" {
		role, err := model.ParseRole(raw)
		if err != nil {
			h.fail(w, r, chaterr.Validation("role", "must be user or provider"))
			return
		}
		if role != id.Role {
			h.fail(w, r, chaterr.Validation("role", "does not match the authenticated role"))
			return
		}
	}

	rooms, err := h.Chat.ListRooms(r.Context(), id.ID, id.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []model.ChatRoom{}
	}

	h.Log.Info(route(r)+" ✅ Returned rooms", "identity", id.ID, "count", len(rooms))
	writeJSON(w, http.StatusOK, rooms)
}

// OpenRoom handles POST /chat/rooms
// 既存のルームがあればそれを返し、なければ作成する
func (h *Handler) OpenRoom(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req openRoomRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	room, created, err := h.Chat.OpenRoom(r.Context(), id.ID, id.Role, req.CounterpartID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.Log.Info(route(r)+" ✅ Created room", "room", room.ID, "user", room.UserID, "provider", room.ProviderID)
	}
	writeJSON(w, status, room)
}

// GetRoom handles GET /chat/rooms/{roomId}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	roomID := mux.Vars(r)["roomId"]

	room, err := h.Chat.Room(r.Context(), roomID, id.ID, id.Role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}
