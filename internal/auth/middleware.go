package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sakif/code-engine/internal/apperror"
)

// contextKey is unexported so only this package can read or write the
// client id stored in a request context.
type contextKey string

const clientIDKey contextKey = "clientID"

// ErrorWriter renders an error response; the HTTP layer passes its own so
// a rejected token gets the same error body as every other failure.
type ErrorWriter func(w http.ResponseWriter, err error)

// RequireAuth rejects requests without a valid "Authorization: Bearer <jwt>"
// header with an apperror.ErrUnauthorized, rendered by writeErr, and stores
// the client id in the context otherwise.
//
// A nil TokenService disables the check: the engine then runs open, which
// is what local development and the CLI want.
func RequireAuth(tokens *TokenService, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := extractClientID(r, tokens)
			if err != nil {
				msg := "valid bearer token required"
				if errors.Is(err, ErrTokenExpired) {
					msg = "bearer token expired"
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="code-engine"`)
				writeErr(w, apperror.Unauthorized(msg))
				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIDFromContext returns the authenticated client, or ("", false) when
// auth is disabled.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok && id != ""
}

func extractClientID(r *http.Request, tokens *TokenService) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return tokens.Validate(strings.TrimSpace(token))
}
