package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/server/auth"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserID extracts the authenticated user id placed in the request context by
// the auth middleware. The empty string means the request was not
// authenticated (only possible on routes outside the middleware).
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// authMiddleware validates the bearer token and stores the user id in the
// request context. The pairing resolve route is mounted outside of it: there
// the session id itself is the credential.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(common.AccessTokenHeaderName)
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			s.handler.writeError(w, r, common.ErrorUnauthorized)
			return
		}

		userID, err := auth.GetUserIDFromToken(token, []byte(s.cfg.SecretKey))
		if err != nil {
			s.handler.writeError(w, r, common.ErrorUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
