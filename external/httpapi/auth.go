package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/foxseedlab/pokerpoints/external/websocket"
	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/session"
)

type authenticator struct {
	verifier auth.Verifier
}

// optional lets guests through but rejects a token that fails verification.
func (a *authenticator) optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := websocket.BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			slog.Info("bearer token rejected", "path", r.URL.Path, "error", err)
			writeError(w, &session.Error{Code: session.CodeUnauthenticated, Message: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func (a *authenticator) required(next http.Handler) http.Handler {
	return a.optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.UserIDFrom(r.Context()) == "" {
			writeError(w, &session.Error{Code: session.CodeUnauthenticated, Message: "sign in to do this"})
			return
		}
		next.ServeHTTP(w, r)
	}))
}
