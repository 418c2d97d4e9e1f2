package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/datakiln/internal/lifecycle"
)

// ownerContextKey is the context key type for the authenticated owner ID.
type ownerContextKey struct{}

// AuthMiddleware resolves bearer tokens to owner IDs. Blob redemption
// endpoints are exempt: the signed grant in the URL is the credential.
type AuthMiddleware struct {
	owners map[string]string // token → owner_id
}

// NewAuthMiddleware creates an auth middleware from the configured
// token table.
func NewAuthMiddleware(tokens map[string]string) *AuthMiddleware {
	am := &AuthMiddleware{owners: make(map[string]string, len(tokens))}
	for token, owner := range tokens {
		am.owners[token] = owner
	}
	return am
}

// Wrap wraps an http.Handler with bearer token authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health, metrics, and grant-signed blob endpoints skip bearer auth.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" ||
			strings.HasPrefix(r.URL.Path, "/v1/blobs/") {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractToken(r)
		if token == "" {
			writeError(w, lifecycle.CodeTaskUnauthorized, "missing API token", nil)
			return
		}

		owner, ok := am.lookupToken(token)
		if !ok {
			writeError(w, lifecycle.CodeTaskUnauthorized, "invalid API token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), ownerContextKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractToken extracts a bearer token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header,
// api_key query param.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupToken uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupToken(candidate string) (string, bool) {
	for token, owner := range am.owners {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return owner, true
		}
	}
	return "", false
}

// OwnerFromContext retrieves the authenticated owner ID from context.
func OwnerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerContextKey{}).(string); ok {
		return owner
	}
	return ""
}
