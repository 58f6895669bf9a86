package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/civiclens/civiclens/internal/auth"
	"github.com/civiclens/civiclens/internal/store"
)

const maxWebhookBytes = 1 << 20

// IdentityWebhookHandler keeps local users in sync with the identity
// provider. It is public; the svix signature is the only authentication.
func (h *APIHandler) IdentityWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		errorJSON(w, http.StatusServiceUnavailable, "Webhook secret not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	evt, err := h.webhooks.Verify(payload, r.Header)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSignature) {
			errorJSON(w, http.StatusBadRequest, "Missing svix headers")
			return
		}
		slog.Warn("webhook verification failed", "error", err)
		errorJSON(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	switch evt.Type {
	case auth.EventUserCreated, auth.EventUserUpdated:
		email := evt.Data.PrimaryEmail()
		if email == "" {
			errorJSON(w, http.StatusBadRequest, "Email not found")
			return
		}
		role := store.UserRoleUser
		if h.cfg.IsAdmin(email) {
			role = store.UserRoleAdmin
		}
		_, err := h.chats.UpsertUser(r.Context(), &store.User{
			ExternalID: evt.Data.ID,
			Email:      email,
			Name:       evt.Data.DisplayName(),
			Avatar:     evt.Data.ImageURL,
			Role:       role,
		})
		if err != nil {
			slog.Error("sync user from webhook", "external_id", evt.Data.ID, "error", err)
			errorJSON(w, http.StatusInternalServerError, "Error syncing user")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "User synced"})

	case auth.EventUserDeleted:
		if err := h.chats.DeleteUser(r.Context(), evt.Data.ID); err != nil {
			slog.Error("delete user from webhook", "external_id", evt.Data.ID, "error", err)
			errorJSON(w, http.StatusInternalServerError, "Error deleting user")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted"})

	default:
		slog.Debug("ignoring webhook event", "type", evt.Type)
		w.WriteHeader(http.StatusOK)
	}
}
