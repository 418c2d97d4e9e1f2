package gateway

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware allows cross-origin polling from the configured
// origins. An empty list means same-origin only and the wrapper is a
// pass-through.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	origins := make(map[string]bool, len(allowOrigins))
	allowAll := false
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}
	headerStr := strings.Join([]string{"Content-Type", "Authorization", "X-API-Key"}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || origins[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", headerStr)
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request body size. Blob uploads get
// the configured staging cap; everything else is JSON and stays small.
func RequestSizeLimitMiddleware(maxJSONBytes, maxBlobBytes int64) func(http.Handler) http.Handler {
	if maxJSONBytes <= 0 {
		maxJSONBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := maxJSONBytes
			if strings.HasPrefix(r.URL.Path, "/v1/blobs/") && maxBlobBytes > 0 {
				limit = maxBlobBytes
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
