package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skaldhq/skald/internal/blob"
)

// uploadTTL is how long an upload intent stays valid.
const uploadTTL = 15 * time.Minute

// maxUploadBytes caps PUT bodies. Creative assets are images and short
// documents; anything larger does not belong in the store.
const maxUploadBytes = 32 << 20

// CreateUploadRequest is the body of POST /v1/uploads.
type CreateUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// handleUploadCreate registers an upload intent and returns where to
// PUT the bytes.
func (s *Server) handleUploadCreate(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "uploads not configured")
		return
	}

	var req CreateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		s.errorResponse(w, http.StatusBadRequest, "filename is required")
		return
	}

	intent, err := s.blobs.CreateIntent(req.Filename, req.ContentType, uploadTTL)
	if err != nil {
		s.logger.Error("upload intent failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, intent, s.logger)
}

// handleUploadPut stores the bytes for a previously created intent.
func (s *Server) handleUploadPut(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "uploads not configured")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	obj, err := s.blobs.Fulfill(r.Context(), r.PathValue("id"), body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		// Unknown, expired, and reused intents all land here; none of
		// them is retryable with the same ID.
		s.logger.Debug("upload rejected", "id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusConflict, "upload intent not usable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, obj, s.logger)
}

// handleUploadGet serves stored bytes. The wildcard accepts both bare
// upload IDs (resolved to their object) and full object keys, which is
// what the store's public URLs contain.
func (s *Server) handleUploadGet(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "uploads not configured")
		return
	}

	key := r.PathValue("key")
	if !strings.Contains(key, "/") {
		obj, err := s.blobs.ResolveUpload(r.Context(), key)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				s.errorResponse(w, http.StatusNotFound, "upload not found")
				return
			}
			s.logger.Error("upload resolve failed", "id", key, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "internal error")
			return
		}
		key = obj.Key
	}

	obj, rc, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "object not found")
			return
		}
		s.logger.Error("object read failed", "key", key, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("object write interrupted", "key", key, "error", err)
	}
}
