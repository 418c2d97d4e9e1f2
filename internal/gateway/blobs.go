package gateway

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"log/slog"

	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/shared"
	"github.com/basket/datakiln/internal/staging"
)

// parseGrant pulls the signed grant fields from a redemption URL and
// verifies them. The grant is the whole credential; these endpoints
// carry no bearer token.
func (s *Server) parseGrant(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	q := r.URL.Query()
	key := q.Get("key")
	sig := q.Get("sig")
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if key == "" || sig == "" || err != nil {
		writeError(w, lifecycle.CodeInvalidParameters, "grant requires key, expires and sig", nil)
		return "", false
	}

	if err := s.gw.Verify(method, key, expires, sig); err != nil {
		switch {
		case errors.Is(err, staging.ErrGrantExpired):
			writeError(w, lifecycle.CodeUploadExpired, "grant has expired; request new grants", nil)
		default:
			writeError(w, lifecycle.CodeTaskUnauthorized, "grant signature is invalid", nil)
		}
		return "", false
	}
	return key, true
}

func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, ok := s.parseGrant(w, r, "PUT")
	if !ok {
		return
	}

	size, err := s.gw.Receive(key, r.Body)
	if err != nil {
		s.logger.Warn("blob upload failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
			slog.String("trace_id", shared.TraceID(r.Context())))
		writeError(w, lifecycle.CodeInternalError, "storing upload failed", nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":        key,
		"size_bytes": size,
	})
}

func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, ok := s.parseGrant(w, r, "GET")
	if !ok {
		return
	}

	rc, size, err := s.gw.Serve(key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, apiError{
			Detail:    "object not staged",
			ErrorCode: lifecycle.CodeFilesNotFound,
		})
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mimeFor(path.Base(key)))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+path.Base(key)+"\"")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("blob download aborted",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}
