package convert

import (
	"testing"
	"time"
)

func TestTimeoutForSize(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want time.Duration
	}{
		{"zero", 0, 5 * time.Minute},
		{"small", 4 * mib, 5 * time.Minute},
		{"at small threshold", 10 * mib, 5 * time.Minute},
		{"medium", 30 * mib, 7 * time.Minute},
		{"at medium threshold", 50 * mib, 7 * time.Minute},
		{"just over medium", 50*mib + 1, 12 * time.Minute},
		{"one extra step", 100 * mib, 12 * time.Minute},
		{"two extra steps", 140 * mib, 14 * time.Minute},
		{"capped", 5 * 1024 * mib, 60 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeoutForSize(tt.size); got != tt.want {
				t.Errorf("TimeoutForSize(%d) = %v, want %v", tt.size, got, tt.want)
			}
		})
	}
}
