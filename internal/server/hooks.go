package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

const maxNotificationBytes = 1 << 20

// handleWebhook accepts inbound change notifications from the record
// system, authenticated by a shared-secret query parameter.
func handleWebhook(e *engine.Engine, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			// Unexpected failures must not leak details to the sender;
			// its own redelivery is relied upon, we never retry.
			if rec := recover(); rec != nil {
				log.Printf("webhook: panic handling notification: %v", rec)
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "internal error", nil))
			}
		}()
		if !secretMatches(r.URL.Query().Get("token"), secret) {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid webhook token", nil))
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "", "read body", nil))
			return
		}
		var n domain.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "", "malformed notification", nil))
			return
		}
		if err := e.HandleNotification(r.Context(), n); err != nil {
			log.Printf("webhook: %s %s %s: %v", n.Meta.Entity, n.Meta.Action, n.Meta.EntityID, err)
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "internal error", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

// handleComplete verifies a signed completion link and completes the
// activity upstream.
func handleComplete(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		aid, did, cid := q.Get("aid"), q.Get("did"), q.Get("cid")
		exp, sig := q.Get("exp"), q.Get("sig")
		if !e.Signer.Verify(aid, did, cid, exp, sig) || e.Signer.Expired(exp) {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "invalid or expired link", nil))
			return
		}
		if err := e.CompleteActivity(r.Context(), aid, did); err != nil {
			log.Printf("complete: activity %s: %v", aid, err)
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "", "internal error", nil))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "Activity completed. You can close this page.\n")
	}
}

func secretMatches(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
