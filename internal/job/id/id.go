// Package id provides unique identifier generation for jobs.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Generate creates a new unique job ID. The millisecond timestamp prefix
// keeps IDs roughly monotonic; the random suffix guarantees uniqueness
// across concurrent requests within the record TTL.
// Format: job-<unix millis>-<random>
// Example: job-1701432000123-a1b2c3d4
func Generate() string {
	timestamp := time.Now().UnixMilli()
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		// Fallback to timestamp only if crypto/rand fails
		return fmt.Sprintf("job-%d", timestamp)
	}
	return fmt.Sprintf("job-%d-%s", timestamp, hex.EncodeToString(random))
}
