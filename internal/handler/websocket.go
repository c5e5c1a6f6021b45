package handler

import (
	"net/http"
)

// HandleWebSocket handles GET /ws
// 認証とオリジン検証はHub側で行う
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.Log.Debug(route(r)+" Upgrade requested", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"))
	h.Hub.ServeWS(w, r)
}
