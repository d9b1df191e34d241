package main

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/recast/internal/worker"
)

func TestClock(t *testing.T) {
	tests := []struct {
		sec  float64
		want string
	}{
		{0, "00:00.000"},
		{1.5, "00:01.500"},
		{61.25, "01:01.250"},
		{3599.999, "59:59.999"},
	}
	for _, tt := range tests {
		if got := clock(tt.sec); got != tt.want {
			t.Errorf("clock(%v) = %q, want %q", tt.sec, got, tt.want)
		}
	}
}

func TestReportResult(t *testing.T) {
	tests := []struct {
		status  worker.Status
		wantErr bool
	}{
		{worker.StatusCompleted, false},
		{worker.StatusNoFiles, false},
		{worker.StatusCancelled, false},
		{worker.StatusCompletedSaveFailed, true},
		{worker.StatusError, true},
	}
	for _, tt := range tests {
		err := reportResult(worker.Result{Status: tt.status, Err: errors.New("boom")}, time.Second)
		if (err != nil) != tt.wantErr {
			t.Errorf("reportResult(%s) error = %v, wantErr %v", tt.status, err, tt.wantErr)
		}
	}
}
