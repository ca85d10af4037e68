package httputil

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// SessionCookie carries the panel session id for browsers.
	SessionCookie = "medot_session"
	// SessionHeader lets headless clients pick their session explicitly.
	SessionHeader = "X-Session-ID"
)

type sessionKey struct{}

// Sessions resolves the caller's panel session and stores its id in the
// request context. Browsers without a valid cookie get a fresh one. A
// session header that is not a UUID is rejected.
func Sessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if h := r.Header.Get(SessionHeader); h != "" {
			parsed, err := uuid.Parse(h)
			if err != nil {
				http.Error(w, SessionHeader+" must be a UUID", http.StatusBadRequest)
				return
			}
			id = parsed.String()
		} else if c, err := r.Cookie(SessionCookie); err == nil {
			if parsed, err := uuid.Parse(c.Value); err == nil {
				id = parsed.String()
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

// SessionID returns the id stored by Sessions, or "" outside it.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
