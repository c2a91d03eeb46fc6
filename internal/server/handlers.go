package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/spendsight/internal/failure"
	"github.com/zombor/spendsight/internal/receipt"
	"github.com/zombor/spendsight/internal/report"
)

// contentTypeFor picks the MIME type of an uploaded file, falling back to
// the extension when the browser sent none
func contentTypeFor(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleCreateCapture selects the uploaded image and sends it to the
// object store
func (s *Server) handleCreateCapture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = fmt.Sprintf("File is too large. Maximum size is %dMB. Please compress or resize your image.", s.opts.MaxUploadBytes>>20)
		}
		writeError(w, failure.Newf(failure.InvalidRequest, "reading upload", "%s", message))
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, failure.Newf(failure.InvalidRequest, "reading upload", "No file was selected. Please choose a file to upload."))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, failure.New(failure.UploadFailed, "reading upload", err))
		return
	}

	user := currentUser(r)
	view, err := s.receipts.SelectImage(r.Context(), user.ID, header.Filename, contentTypeFor(header.Header.Get("Content-Type"), header.Filename), data)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err = s.receipts.Upload(r.Context(), user.ID, view.ID)
	if err != nil {
		writeErrorWithCapture(w, err, view)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	view, err := s.receipts.GetCapture(currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleUploadCapture retries a failed upload with the retained bytes
func (s *Server) handleUploadCapture(w http.ResponseWriter, r *http.Request) {
	view, err := s.receipts.Upload(r.Context(), currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		writeErrorWithCapture(w, err, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleProcessCapture starts the AI call and returns immediately
func (s *Server) handleProcessCapture(w http.ResponseWriter, r *http.Request) {
	view, err := s.receipts.ProcessAsync(currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleReviseCandidate(w http.ResponseWriter, r *http.Request) {
	var candidate receipt.Candidate
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		writeError(w, failure.New(failure.InvalidRequest, "reading candidate", err))
		return
	}
	view, err := s.receipts.ReviseCandidate(currentUser(r).ID, r.PathValue("id"), &candidate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSaveCapture confirms the reviewed candidate
func (s *Server) handleSaveCapture(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	id := r.PathValue("id")
	saved, err := s.receipts.Save(r.Context(), user.ID, id)
	if err != nil {
		view, _ := s.receipts.GetCapture(user.ID, id)
		writeErrorWithCapture(w, err, view)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleAbandonCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.receipts.AbandonCapture(r.Context(), currentUser(r).ID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListReceipts returns the user's receipts, most recent first
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.receipts.ListReceipts(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.receipts.GetReceipt(r.Context(), currentUser(r).ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.receipts.DeleteReceipt(r.Context(), currentUser(r).ID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// viewerLocation reads ?tz= so dates render in the viewer's calendar
func viewerLocation(r *http.Request) (*time.Location, error) {
	tz := r.URL.Query().Get("tz")
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, failure.Newf(failure.InvalidRequest, "reading time zone", "unknown time zone %q", tz)
	}
	return loc, nil
}

// handleExport downloads all receipts as CSV
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	loc, err := viewerLocation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipts, err := s.receipts.ListReceipts(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, report.ExportFilename))
	if err := report.WriteCSV(w, receipts, loc); err != nil {
		slog.Error("Error writing export", "error", err)
	}
}

type dashboard struct {
	DisplayName string             `json:"display_name"`
	Totals      report.Totals      `json:"totals"`
	Series      []report.Point     `json:"series"`
	Recent      []*receipt.Receipt `json:"recent"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	loc, err := viewerLocation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	user := currentUser(r)
	receipts, err := s.receipts.ListReceipts(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dashboard{
		DisplayName: user.Name(),
		Totals:      report.ComputeTotals(receipts),
		Series:      report.Series(receipts, report.SeriesSize, loc),
		Recent:      report.Recent(receipts, report.RecentSize),
	})
}

// handleFile serves an image from the local object store. It is public so
// the AI provider can fetch it.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Files.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, failure.Newf(failure.NotFound, "serving file", "File not found"))
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
}
