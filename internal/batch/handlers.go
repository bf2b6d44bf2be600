package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/docbatch/internal/splitting"
)

// maxFormSize bounds uploads at 50MB to handle high-resolution phone photos
// and long multi-page PDFs
const maxFormSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleCreateBatch accepts a multipart upload of one or more files and
// starts a batch
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "Upload is too large. Maximum size is 50MB. Please compress or split your files."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		jsonError(w, "No files were selected. Please choose at least one file to upload.", http.StatusBadRequest)
		return
	}

	files := make([]UploadedFile, 0, len(headers))
	for _, header := range headers {
		if header.Size > maxFormSize {
			jsonError(w, fmt.Sprintf("%s is too large. Maximum size is 50MB.", header.Filename), http.StatusBadRequest)
			return
		}

		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "filename", header.Filename, "error", err)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "filename", header.Filename, "error", err)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}

		files = append(files, UploadedFile{
			Name:        header.Filename,
			ContentType: contentTypeFor(header.Filename, header.Header.Get("Content-Type")),
			Data:        data,
		})
	}

	opts := splitting.Options{
		ChunkSize: formInt(r, "chunk_size"),
		PageStart: formInt(r, "page_start"),
		PageEnd:   formInt(r, "page_end"),
	}

	b, err := s.service.Start(files, opts)
	if err != nil {
		slog.Error("Error starting batch", "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(b); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleListBatches returns every known batch, newest first
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.service.List()
	if err != nil {
		slog.Error("Error listing batches", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Ensure we always return an array, not nil
	if batches == nil {
		batches = []*Batch{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(batches); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleGetBatch returns a single batch with its progress, preview table,
// and error log
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Batch ID required", http.StatusBadRequest)
		return
	}
	b, err := s.service.Get(id)
	if err != nil {
		corsError(w, "Batch not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(b); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleBatchCSV downloads the batch table as CSV
func (s *Server) handleBatchCSV(w http.ResponseWriter, r *http.Request) {
	b, table, ok := s.finishedTable(w, r)
	if !ok {
		return
	}

	data, err := table.CSV()
	if err != nil {
		slog.Error("Error encoding CSV", "batch", b.ID, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "docbatch_"+b.ID+".csv"))
	w.Write(data)
}

// handleBatchXLSX downloads the batch table as an Excel workbook
func (s *Server) handleBatchXLSX(w http.ResponseWriter, r *http.Request) {
	b, table, ok := s.finishedTable(w, r)
	if !ok {
		return
	}

	data, err := table.XLSX()
	if err != nil {
		slog.Error("Error encoding XLSX", "batch", b.ID, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "docbatch_"+b.ID+".xlsx"))
	w.Write(data)
}

// finishedTable resolves a batch that is ready for export
func (s *Server) finishedTable(w http.ResponseWriter, r *http.Request) (*Batch, *Table, bool) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Batch ID required", http.StatusBadRequest)
		return nil, nil, false
	}
	b, err := s.service.Get(id)
	if err != nil {
		corsError(w, "Batch not found", http.StatusNotFound)
		return nil, nil, false
	}
	if b.Table == nil {
		corsError(w, "Batch is still running", http.StatusConflict)
		return nil, nil, false
	}
	return b, b.Table, true
}

// handleDeleteBatch deletes a batch
func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Batch ID required", http.StatusBadRequest)
		return
	}
	if err := s.service.Delete(id); err != nil {
		corsError(w, "Error deleting batch", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// contentTypeFor determines the content type of an upload, falling back to
// the file extension when the browser does not say
func contentTypeFor(filename, declared string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
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

func formInt(r *http.Request, key string) int {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
