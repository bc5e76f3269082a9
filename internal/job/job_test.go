package job

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusProcessing, true},
		{StatusCreated, StatusFailed, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusCreated, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusCompleted, false},
		{StatusProcessing, StatusCreated, false},
		{Status("UNKNOWN"), StatusProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	if StatusCreated.IsTerminal() || StatusProcessing.IsTerminal() {
		t.Error("non-terminal statuses reported as terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("terminal statuses reported as non-terminal")
	}
}

func TestJob_Clone_IsDeep(t *testing.T) {
	out := &BlobRef{Bucket: "b", Key: "conversions/j1.wav", Size: 10}
	j := &Job{ID: "j1", Status: StatusCompleted, OutputRef: out}

	cp := j.Clone()
	cp.OutputRef.Key = "mutated"

	if j.OutputRef.Key != "conversions/j1.wav" {
		t.Error("Clone shares OutputRef with original")
	}
}

func TestBlobRef_IsZero(t *testing.T) {
	if !(BlobRef{}).IsZero() {
		t.Error("empty ref should be zero")
	}
	if (BlobRef{Bucket: "b", Key: "k"}).IsZero() {
		t.Error("populated ref should not be zero")
	}
}
