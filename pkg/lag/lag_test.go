package lag

import (
	"strings"
	"testing"
	"time"
)

func TestFrames(t *testing.T) {
	tests := []struct {
		name    string
		current uint64
		latest  uint64
		want    uint64
	}{
		{"zero lag", 100, 100, 0},
		{"positive lag", 100, 200, 100},
		{"current ahead", 200, 100, 0},
		{"both zero", 0, 0, 0},
		{"large lag", 0, 1 << 30, 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Frames(tt.current, tt.latest)
			if got != tt.want {
				t.Errorf("Frames(%d, %d) = %d, want %d", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		frames  uint64
		latency time.Duration
		want    string
	}{
		{"zero", 0, 0, "0 frames (latency: 0s)"},
		{"small", 512, 5 * time.Millisecond, "512 frames (latency: 5ms)"},
		{"thousands", 1500, 10 * time.Millisecond, "1.50K frames (latency: 10ms)"},
		{"millions", 2_500_000, 150 * time.Millisecond, "2.50M frames (latency: 150ms)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.frames, tt.latency)
			if !strings.Contains(got, tt.want) && got != tt.want {
				t.Errorf("Format(%d, %v) = %q, want to contain %q", tt.frames, tt.latency, got, tt.want)
			}
		})
	}
}

func TestFormat_LatencyTruncation(t *testing.T) {
	got := Format(0, 1234567*time.Nanosecond)
	if !strings.Contains(got, "latency: 1ms") {
		t.Errorf("Format should truncate to milliseconds, got %q", got)
	}
}
