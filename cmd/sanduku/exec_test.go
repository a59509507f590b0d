package main

import (
	"testing"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		status sandbox.Status
		want   int
	}{
		{sandbox.StatusSuccess, ExitSuccess},
		{sandbox.StatusFailure, ExitFailure},
		{sandbox.StatusBlocked, ExitBlocked},
		{sandbox.StatusTimeout, ExitTimeout},
	}
	for _, tt := range tests {
		if got := exitCode(tt.status); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.status, got, tt.want)
		}
	}
}
