package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/airchat/pkg/router"
)

const (
	key            sessionKey = "session"
	AuthCookieName            = "auth_token"
	// TokenQueryParam carries the token for websocket clients that cannot set headers.
	TokenQueryParam = "access_token"
)

type sessionKey string

func ContextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, key, session)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(key).(Session)
	return session, ok
}

// SessionFromRequest extracts the session from the request context.
// It must be called in handlers that are protected by the JWTMiddleware.
// It panics if the session is not found in the request context.
func SessionFromRequest(r *http.Request) Session {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		panic("session not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return session
}

func NewAuthCookie(session Session, path string) *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Path:     path,
	}
}

// tokenFromRequest looks for a token in the Authorization header,
// then the auth cookie, then the query string.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// JWTMiddleware validates the request token and attaches the session to the request context.
// The session is guaranteed to be attached to the request context for subsequent handlers.
func JWTMiddleware(a AuthStore) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return func(w http.ResponseWriter, r *http.Request) error {
			token := tokenFromRequest(r)
			if token == "" {
				return authErr
			}

			session, err := a.Session(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return authErr
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), *session)))
			return nil
		}
	}
}

// AdminMiddleware rejects sessions that do not belong to an admin.
// It must be chained after JWTMiddleware.
func AdminMiddleware() router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			if !SessionFromRequest(r).IsAdmin() {
				return router.NewJsonError(http.StatusForbidden, ErrUnauthorized.Error())
			}
			next.ServeHTTP(w, r)
			return nil
		}
	}
}
