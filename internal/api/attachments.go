// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pizzapi/relay/internal/attachments"
)

// multipartSlack covers boundary and header overhead so a file exactly at
// the limit still fits the request body.
const multipartSlack = 64 << 10

// handleAttachmentUpload stages one file for a runner to fetch. The blob
// lands atomically and expires on its own; clients get the metadata back.
func (s *Server) handleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.AttachmentMaxFileSize+multipartSlack)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds %d byte limit", s.cfg.AttachmentMaxFileSize))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	meta, err := s.attachments.Save(r.Context(), identity.UserID, header.Filename, mimeType, file)
	if err != nil {
		if errors.Is(err, attachments.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds %d byte limit", s.cfg.AttachmentMaxFileSize))
			return
		}
		s.logger.Error().Str("event", "api.attachment_save_failed").Err(err).Msg("attachment staging failed")
		writeServiceUnavailable(w)
		return
	}

	s.logger.Info().
		Str("event", "api.attachment_staged").
		Str("attachment_id", meta.ID).
		Str("user_id", identity.UserID).
		Int64("size", meta.Size).
		Msg("attachment staged")
	writeJSON(w, http.StatusCreated, meta)
}

// handleAttachmentDownload streams a staged blob back. Expired, missing,
// and foreign attachments all answer 404 so ids leak nothing.
func (s *Server) handleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	meta, err := s.attachments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, attachments.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeServiceUnavailable(w)
		return
	}
	if meta.UserID != identity.UserID {
		writeNotFound(w)
		return
	}

	f, err := s.attachments.Open(meta.ID)
	if err != nil {
		if errors.Is(err, attachments.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeServiceUnavailable(w)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Filename}))
	http.ServeContent(w, r, meta.Filename, time.UnixMilli(meta.CreatedAt), f)
}
