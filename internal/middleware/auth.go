package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/toursync/toursync/internal/auth"
)

// AccessTokenQueryParam carries the token for clients that cannot set headers
// (browser EventSource).
const AccessTokenQueryParam = "access_token"

type principalKey struct{}

// SetPrincipal stores the authenticated principal in the context and reports
// the user ID to the enclosing Logging middleware.
func SetPrincipal(ctx context.Context, p auth.Principal) context.Context {
	if s := stateFrom(ctx); s != nil {
		s.mu.Lock()
		s.userID = p.UserID
		s.mu.Unlock()
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// GetUserID returns the authenticated user's ID. Returns empty string if not present.
func GetUserID(ctx context.Context) string {
	p, _ := GetPrincipal(ctx)
	return p.UserID
}

// TokenValidator validates access tokens. *auth.JWTService implements it.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

type authOptions struct {
	allowQueryToken bool
}

// AuthOption configures RequireAuth.
type AuthOption func(*authOptions)

// AllowQueryToken accepts the token from the access_token query parameter
// when no Authorization header is present.
func AllowQueryToken() AuthOption {
	return func(o *authOptions) { o.allowQueryToken = true }
}

// RequireAuth rejects requests without a valid bearer access token with 401
// and stores the token's principal in the request context.
func RequireAuth(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	var o authOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" && o.allowQueryToken {
				token = r.URL.Query().Get(AccessTokenQueryParam)
			}
			if token == "" {
				unauthorized(w, r, "missing_token", "Authorization bearer token is required")
				return
			}

			claims, err := validator.ValidateAccessToken(token)
			if err != nil {
				code, msg := "invalid_token", "Access token is invalid"
				if errors.Is(err, auth.ErrExpiredToken) {
					code, msg = "token_expired", "Access token has expired"
				}
				unauthorized(w, r, code, msg)
				return
			}

			ctx := SetPrincipal(r.Context(), claims.Principal())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects authenticated principals whose role is not listed with 403.
// It must run inside RequireAuth.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				unauthorized(w, r, "missing_token", "Authorization bearer token is required")
				return
			}
			if !slices.Contains(roles, p.Role) {
				SetErrorCode(r.Context(), "forbidden")
				writeJSONError(w, http.StatusForbidden, "forbidden", "Your role cannot perform this action")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(w http.ResponseWriter, r *http.Request, code, message string) {
	SetErrorCode(r.Context(), code)
	w.Header().Set("WWW-Authenticate", `Bearer realm="toursync"`)
	writeJSONError(w, http.StatusUnauthorized, code, message)
}

// writeJSONError writes the API error envelope. It mirrors api.WriteError,
// which this package cannot import.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
