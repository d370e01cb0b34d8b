package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/BWC4WIFE/Trans2Thai/internal/store"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

func listLimit(req *http.Request) int {
	limit := defaultListLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func (r *Router) handleListTurns(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	if sessionID == "" {
		http.Error(w, `{"error": "missing session id"}`, http.StatusBadRequest)
		return
	}

	turns, err := r.store.ListTurns(req.Context(), sessionID, listLimit(req))
	if err != nil {
		r.logger.Error("history: failed to list turns", "session", sessionID, "err", err)
		captureError(req, err, "history: list turns")
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}
	if turns == nil {
		turns = []store.TurnRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (r *Router) handleListSessionEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	if sessionID == "" {
		http.Error(w, `{"error": "missing session id"}`, http.StatusBadRequest)
		return
	}

	events, err := r.store.ListSessionEvents(req.Context(), sessionID, listLimit(req))
	if err != nil {
		r.logger.Error("history: failed to list events", "session", sessionID, "err", err)
		captureError(req, err, "history: list events")
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.SessionEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     events,
	})
}

// handlePutSetting stores one setting. It takes effect on the next connect.
func (r *Router) handlePutSetting(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := r.store.PutSetting(req.Context(), key, body.Value); err != nil {
		if errors.Is(err, store.ErrUnknownSetting) || errors.Is(err, store.ErrInvalidSetting) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		r.logger.Error("settings: failed to save", "key", key, "err", err)
		captureError(req, err, "settings: put")
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}

	value := body.Value
	if key == store.KeyAPIKey {
		value = maskSecret(value)
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func maskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
