package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestNewDLQEntry(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("CST", -6*3600))

	e := NewDLQEntry(DLQDelivery, "load-1", "carrier-7", NewTransientError(errors.New("503"), 503), 3, now)
	if e.ID == "" {
		t.Error("expected generated ID")
	}
	if e.Kind != DLQDelivery || e.LoadID != "load-1" || e.CarrierID != "carrier-7" {
		t.Errorf("unexpected identity %+v", e)
	}
	if e.ErrorType != "transient" || e.Error != "503" || e.Attempts != 3 {
		t.Errorf("unexpected error fields %+v", e)
	}
	if !e.CreatedAt.Equal(now) || e.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want UTC %v", e.CreatedAt, now)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), "transient"},
		{"permanent error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}
