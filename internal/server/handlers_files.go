package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/logging"
)

// multipartOverhead is the slack allowed on top of MaxUploadBytes for the
// multipart framing.
const multipartOverhead = 1 << 20

// handleUpload handles POST /api/upload with a multipart "file" field.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "server.upload"
	ctx := r.Context()
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = apperr.Validation(op, "file exceeds the maximum upload size of %d bytes", s.cfg.MaxUploadBytes)
		} else {
			err = apperr.Validation(op, "invalid multipart form: %v", err)
		}
		s.observe("upload", start, err)
		writeError(ctx, w, err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		err = apperr.Validation(op, "No file provided")
		s.observe("upload", start, err)
		writeError(ctx, w, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	switch {
	case err != nil:
		err = apperr.Validation(op, "reading the uploaded file failed: %v", err)
	case int64(len(data)) > s.cfg.MaxUploadBytes:
		err = apperr.Validation(op, "file exceeds the maximum upload size of %d bytes", s.cfg.MaxUploadBytes)
	}
	if err != nil {
		s.observe("upload", start, err)
		writeError(ctx, w, err)
		return
	}

	doc, err := s.docs.Upload(ctx, header.Filename, data)
	s.observe("upload", start, err)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	logging.FromContext(ctx).Info("file uploaded",
		slog.String("filename", doc.Name),
		slog.Int64("size", doc.Size),
	)
	writeJSON(ctx, w, http.StatusOK, uploadResponse{
		Message:   "File uploaded successfully",
		Filename:  doc.Name,
		Size:      doc.Size,
		Processed: doc.Processed,
	})
}

// handleListFiles handles GET /api/files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.docs.List(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, filesResponse{Files: files})
}

// handleGetFile handles GET /api/files/{name}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, fileResponse{
		Filename: doc.Name,
		Content:  doc.Content,
		Length:   utf8.RuneCountInString(doc.Content),
	})
}

// handleDeleteFile handles DELETE /api/files/{name}.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := s.docs.Delete(r.Context(), chi.URLParam(r, "name"))
	s.observe("delete", start, err)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, deleteResponse{ChunksDeleted: n})
}

// handleProcess handles POST /api/process/{name}.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := s.docs.Process(r.Context(), chi.URLParam(r, "name"))
	s.observe("process", start, err)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.metrics.chunksCreatedTotal.Add(float64(n))
	writeJSON(r.Context(), w, http.StatusOK, processResponse{ChunksCreated: n})
}
