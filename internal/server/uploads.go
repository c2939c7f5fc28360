package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/uploads"
)

// handleUpload handles PUT /api/upload: a multipart request whose file
// parts are stored and returned as a JSON list of records.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.config.Uploads.Configured() {
		s.metrics.RecordUpload("failed")
		s.writeError(w, "storage not configured", http.StatusInternalServerError)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, "Expected multipart request", http.StatusBadRequest)
		return
	}

	var stored []*uploads.StoredFile
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, "Malformed multipart request", http.StatusBadRequest)
			return
		}
		if part.FileName() == "" {
			continue
		}

		file, err := s.config.Uploads.Store(r.Context(), part.FileName(), part.Header.Get("Content-Type"), part)
		if err != nil {
			if errors.Is(err, uploads.ErrTooLarge) {
				s.metrics.RecordUpload("rejected")
				s.writeError(w, "File exceeds size limit", http.StatusRequestEntityTooLarge)
				return
			}
			s.metrics.RecordUpload("failed")
			s.logger.Error("upload store failed", "filename", part.FileName(), "error", err)
			s.writeError(w, "Failed to store upload", http.StatusInternalServerError)
			return
		}
		s.metrics.RecordUpload("stored")
		stored = append(stored, file)
	}

	if len(stored) == 0 {
		s.writeError(w, "No files in request", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

// handleUploadGet handles GET /uploads/{id}/{filename}, streaming a
// stored file back with its recorded content type.
func (s *Server) handleUploadGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}

	reader, contentType, err := s.config.Uploads.Open(r.Context(), parts[0], parts[1])
	if err != nil {
		switch {
		case errors.Is(err, uploads.ErrNotFound):
			s.writeError(w, "Upload not found", http.StatusNotFound)
		case errors.Is(err, uploads.ErrNotConfigured):
			s.writeError(w, "storage not configured", http.StatusInternalServerError)
		default:
			s.logger.Error("upload open failed", "id", parts[0], "error", err)
			s.writeError(w, "Failed to retrieve upload", http.StatusInternalServerError)
		}
		return
	}
	defer reader.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("upload download failed", "id", parts[0], "error", err)
	}
}
