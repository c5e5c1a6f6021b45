package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"staychat/internal/auth"
	"staychat/internal/chaterr"
)

// maxBodyBytes リクエストボディの上限（1MB）
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func route(r *http.Request) string {
	return "[" + r.Method + " " + r.URL.Path + "]"
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chaterr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chaterr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chaterr.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, chaterr.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail logs err under the request's route and writes the mapped status.
// Internal errors never leak their text to the caller.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error(route(r)+" ❌ Internal error", "remote", r.RemoteAddr, "error", err)
		writeError(w, status, "Internal server error")
		return
	}
	h.Log.Warn(route(r)+" ❌ Request rejected", "remote", r.RemoteAddr, "status", status, "error", err)
	writeError(w, status, err.Error())
}

func (h *Handler) unauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	h.Log.Warn(route(r)+" ❌ Unauthorized", "remote", r.RemoteAddr, "error", err)
	writeError(w, http.StatusUnauthorized, "authentication required")
}

// decodeBody reads a JSON body capped at maxBodyBytes. An empty body is
// accepted when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return chaterr.Validation("body", "request body too large")
	}
	return chaterr.Validation("body", "Invalid request body")
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}
