package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"staychat/internal/model"
)

// GetPresence handles GET /presence/{identityId}
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	identityID := mux.Vars(r)["identityId"]

	resp := model.PresenceChanged{
		IdentityID: identityID,
		Online:     h.Presence.IsOnline(identityID),
	}
	if !resp.Online {
		if seen, ok := h.Presence.LastSeen(identityID); ok {
			resp.LastSeen = lo.ToPtr(seen)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
