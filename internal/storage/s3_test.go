package storage

import (
	"context"
	"testing"
)

func TestNewS3Gateway(t *testing.T) {
	cfg := S3Config{
		Region:          "us-east-1",
		Endpoint:        "http://localhost:4566", // LocalStack-like endpoint
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	}

	gw, err := NewS3Gateway(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewS3Gateway() error = %v", err)
	}
	if gw.client == nil || gw.presign == nil || gw.uploader == nil {
		t.Error("gateway clients not initialized")
	}
	if gw.uploader.PartSize != multipartPartSize {
		t.Errorf("PartSize = %d, want %d", gw.uploader.PartSize, multipartPartSize)
	}
	if gw.uploader.Concurrency != multipartQueueSize {
		t.Errorf("Concurrency = %d, want %d", gw.uploader.Concurrency, multipartQueueSize)
	}
	if gw.uploader.LeavePartsOnError {
		t.Error("failed multipart sessions must be aborted")
	}
}
