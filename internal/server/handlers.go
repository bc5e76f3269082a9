package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/waveforge/convert-api/internal/apperr"
	"github.com/waveforge/convert-api/internal/convert"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/storage"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service            *convert.Service
	validator          *validator.Validate
	logger             *slog.Logger
	enableAsyncProcess bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithAsyncProcessing enables or disables background processing.
// When disabled, Convert only creates the job and returns immediately
// without starting the pipeline.
func WithAsyncProcessing(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.enableAsyncProcess = enabled
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *convert.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:            service,
		validator:          validator.New(),
		logger:             logger,
		enableAsyncProcess: true, // Default to enabled
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}

// Convert handles POST /convert requests. The job is created synchronously;
// the conversion itself runs in the background on a request-detached context.
func (h *Handlers) Convert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body", "INVALID_JSON")
		return
	}

	// Validate request
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	createdJob, err := h.service.Convert(r.Context(), convert.ConvertRequest{
		FileID:  req.FileID,
		Format:  req.Format,
		Quality: req.Quality,
		Bucket:  req.Bucket,
	})
	if err != nil {
		h.writeAppError(w, err, "failed to create conversion job")
		return
	}

	// Run the pipeline in the background with a detached context.
	// context.WithoutCancel keeps the conversion alive after the request ends.
	if h.enableAsyncProcess {
		go h.service.RunPipeline(context.WithoutCancel(r.Context()), createdJob)
	}

	w.Header().Set("X-Job-Id", createdJob.ID)
	w.Header().Set("X-Response-Time", fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
	writeJSON(w, http.StatusAccepted, ConvertResponse{
		JobID:   createdJob.ID,
		Status:  string(createdJob.Status),
		Message: "Conversion started. Poll /progress?jobId=" + createdJob.ID + " for status.",
	})
}

// Progress handles GET /progress?jobId=... requests.
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	rec, err := h.service.Progress(r.Context(), jobID)
	if err != nil {
		h.writeAppError(w, err, "failed to read progress")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Download handles GET /download?jobId=... requests. presigned=true returns
// a time-limited URL; the default streams the converted bytes through the API.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	d, err := h.service.ResolveDownload(r.Context(), jobID, r.URL.Query().Get("filename"))
	if err != nil {
		h.writeAppError(w, err, "failed to resolve download")
		return
	}

	preview := r.URL.Query().Get("preview") == "true"
	if r.URL.Query().Get("presigned") == "true" {
		url, err := h.service.PresignDownload(r.Context(), d, preview)
		if err != nil {
			h.writeAppError(w, err, "failed to presign download")
			return
		}
		writeJSON(w, http.StatusOK, PresignedDownloadResponse{
			PresignedURL: url,
			Filename:     d.Filename,
			ContentType:  d.ContentType,
			Size:         d.Info.Size,
			ExpiresIn:    int64(storage.DefaultPresignTTL.Seconds()),
		})
		return
	}

	h.streamDownload(w, r, d)
}

// streamDownload proxies the converted object to the client. The request
// context cancels the storage read when the client goes away.
func (h *Handlers) streamDownload(w http.ResponseWriter, r *http.Request, d *convert.Download) {
	body, err := h.service.OpenDownload(r.Context(), d)
	if err != nil {
		h.writeAppError(w, err, "failed to open download")
		return
	}
	defer func() { _ = body.Close() }()

	disposition := "attachment"
	if r.URL.Query().Get("preview") == "true" {
		disposition = "inline"
	}

	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(d.Info.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, d.Filename))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Accept-Ranges", "bytes")
	if d.Info.ETag != "" {
		w.Header().Set("ETag", d.Info.ETag)
	}
	if !d.Info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", d.Info.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; a client disconnect mid-stream is routine.
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("download aborted by client",
				slog.String("key", d.Ref.Key),
			)
			return
		}
		h.logger.Error("download stream failed",
			slog.String("key", d.Ref.Key),
			slog.String("error", err.Error()),
		)
	}
}

// Cleanup handles POST /cleanup requests.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body", "INVALID_JSON")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.service.Cleanup(r.Context(), req.JobID, req.Reason); err != nil {
		h.writeAppError(w, err, "failed to clean up job")
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{
		Success: true,
		Message: "Job " + req.JobID + " cleaned up",
	})
}

// ConvertedFiles handles GET /converted-files requests.
func (h *Handlers) ConvertedFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.service.ListConverted(r.Context())
	if err != nil {
		h.writeAppError(w, err, "failed to list converted files")
		return
	}
	writeJSON(w, http.StatusOK, ConvertedFilesResponse{Files: files, Count: len(files)})
}

// writeAppError maps a service error to its HTTP status. Classified errors
// carry client-safe messages; everything else gets the fallback text.
func (h *Handlers) writeAppError(w http.ResponseWriter, err error, fallback string) {
	status := apperr.HTTPStatus(err)
	message := fallback
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	} else if errors.Is(err, job.ErrJobNotFound) {
		status = http.StatusNotFound
		message = "job not found"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("error", err.Error()),
		)
		message = fallback
	}
	writeError(w, status, message, errorCode(status))
}

// errorCode returns the programmatic code for a status.
func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusForbidden:
		return "ACCESS_DENIED"
	case http.StatusTooManyRequests:
		return "THROTTLED"
	case http.StatusRequestTimeout:
		return "TIMEOUT"
	case http.StatusGone:
		return "CONVERSION_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
