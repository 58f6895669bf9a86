package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/civiclens/civiclens/internal/auth"
	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/store"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	userKey
)

// sessionCookie is where the identity provider's browser SDK keeps the token.
const sessionCookie = "__session"

func currentIdentity(r *http.Request) *auth.Identity {
	id, _ := r.Context().Value(identityKey).(*auth.Identity)
	return id
}

func currentUser(r *http.Request) *store.User {
	u, _ := r.Context().Value(userKey).(*store.User)
	return u
}

func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate verifies the session token and requires an email claim.
func (h *APIHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			errorJSON(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		id, err := h.tokens.Verify(token)
		if err != nil {
			slog.Debug("rejected session token", "error", err)
			errorJSON(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if id.Email == "" {
			errorJSON(w, http.StatusBadRequest, "Email not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// RequireUser checks that the database answers and upserts the caller's user
// record. It must run after Authenticate.
func (h *APIHandler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := currentIdentity(r)
		if id == nil {
			errorJSON(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		pingCtx, cancel := context.WithTimeout(r.Context(), config.DatabasePingTimeout)
		err := h.db.Ping(pingCtx)
		cancel()
		if err != nil {
			slog.Error("database ping failed", "error", err)
			errorJSON(w, http.StatusServiceUnavailable, "Database connection failed")
			return
		}

		role := store.UserRoleUser
		if h.cfg.IsAdmin(id.Email) {
			role = store.UserRoleAdmin
		}
		user, err := h.chats.UpsertUser(r.Context(), &store.User{
			ExternalID: id.Subject,
			Email:      id.Email,
			Name:       id.Name,
			Avatar:     id.Avatar,
			Role:       role,
		})
		if err != nil {
			slog.Error("upsert user", "external_id", id.Subject, "error", err)
			errorJSON(w, http.StatusInternalServerError, "Failed to access user data")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// RateLimit throttles chat turns per user.
func (h *APIHandler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			if u := currentUser(r); u != nil && !h.limiter.allow(u.ID) {
				w.Header().Set("Retry-After", "60")
				errorJSON(w, http.StatusTooManyRequests, "Too many messages, please slow down")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// userLimiter hands out one token bucket per user id.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newUserLimiter returns nil when perMinute is not positive.
func newUserLimiter(perMinute int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (l *userLimiter) allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
