package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/RoomRedesign/internal/signing"
	"github.com/dharsanguruparan/RoomRedesign/internal/storage"
)

// handleArtifact serves a filesystem artifact behind a signed link.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := storage.SanitizeKey(chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, "invalid artifact key", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	expires, signature := q.Get("expires"), q.Get("signature")
	if expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	switch err := s.deps.Signer.Verify(key, expires, signature); {
	case errors.Is(err, signing.ErrExpired):
		http.Error(w, "link expired", http.StatusGone)
		return
	case err != nil:
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	rc, err := s.deps.Files.Open(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("artifact: open failed")
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, path.Base(key), time.Time{}, rs)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("artifact: stream interrupted")
	}
}
