package infra

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{-1, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s capped
		{10, 60 * time.Second},
		{31, 60 * time.Second}, // past the shift guard
		{1000, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(tt.retryCount); got != tt.expected {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.retryCount, got, tt.expected)
		}
	}
}
