package api

import (
	"net/http"

	"github.com/Mindburn-Labs/paygate/pkg/audit"
)

// HealthHandler reports liveness.
func HealthHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
}

// ActionEventsHandler serves GET /v1/actions/{actionId}/events.
func ActionEventsHandler(reader audit.Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actionID := r.PathValue("actionId")
		if actionID == "" {
			WriteBadRequest(w, "action id is required")
			return
		}
		events, err := reader.ListByAction(r.Context(), actionID)
		if err != nil {
			WriteInternal(w, r, "", actionID, err)
			return
		}
		if len(events) == 0 {
			WriteNotFound(w, "no events recorded for action")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"actionId": actionID, "events": events})
	})
}
