// Package server provides the HTTP surface of the conversion API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/waveforge/convert-api/internal/convert"
)

// ConvertRequest is the HTTP request body for starting a conversion.
type ConvertRequest struct {
	// FileID identifies the uploaded source object.
	FileID string `json:"fileId" validate:"required"`
	// Format is the target output format extension.
	Format string `json:"format" validate:"required"`
	// Quality is the target bitrate, e.g. "192k".
	Quality string `json:"quality" validate:"required"`
	// Bucket optionally overrides the default storage bucket.
	Bucket string `json:"bucket,omitempty"`
}

// ConvertResponse is the HTTP response after accepting a conversion.
type ConvertResponse struct {
	// JobID is the unique identifier for the created job.
	JobID string `json:"jobId"`
	// Status is the initial job status.
	Status string `json:"status"`
	// Message tells the client how to follow the conversion.
	Message string `json:"message"`
}

// PresignedDownloadResponse is the HTTP response for presigned downloads.
type PresignedDownloadResponse struct {
	// PresignedURL is the time-limited direct download URL.
	PresignedURL string `json:"presignedUrl"`
	// Filename is the suggested name for the downloaded file.
	Filename string `json:"filename"`
	// ContentType is the MIME type of the converted file.
	ContentType string `json:"contentType"`
	// Size is the converted file size in bytes.
	Size int64 `json:"size"`
	// ExpiresIn is the URL validity window in seconds.
	ExpiresIn int64 `json:"expiresIn"`
}

// CleanupRequest is the HTTP request body for manual job cleanup.
type CleanupRequest struct {
	// JobID identifies the job to clean up.
	JobID string `json:"jobId" validate:"required"`
	// Reason optionally records why the job was cleaned up.
	Reason string `json:"reason,omitempty"`
}

// CleanupResponse is the HTTP response for manual job cleanup.
type CleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConvertedFilesResponse lists the stored conversion outputs.
type ConvertedFilesResponse struct {
	Files []convert.ConvertedFile `json:"files"`
	Count int                     `json:"count"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Time is the server time of the check.
	Time time.Time `json:"time"`
}
