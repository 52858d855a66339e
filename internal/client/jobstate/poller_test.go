package jobstate

import (
	"testing"
	"time"
)

func TestConfig_NextInterval(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()

	cases := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 3 * time.Second},
		{-time.Second, 3 * time.Second},
		{time.Minute, 5500 * time.Millisecond},
		{2 * time.Minute, 8 * time.Second},
		{7 * time.Minute, 8 * time.Second},
	}
	for _, c := range cases {
		if got := cfg.nextInterval(c.elapsed); got != c.want {
			t.Fatalf("nextInterval(%s) = %s, want %s", c.elapsed, got, c.want)
		}
	}
}

func TestConfig_SetDefaultsKeepsMaxAboveMin(t *testing.T) {
	cfg := Config{MinInterval: 10 * time.Second, MaxInterval: time.Second}
	cfg.setDefaults()

	if cfg.MaxInterval != 10*time.Second {
		t.Fatalf("expected max clamped to min, got %s", cfg.MaxInterval)
	}
	if got := cfg.nextInterval(time.Hour); got != 10*time.Second {
		t.Fatalf("expected constant interval, got %s", got)
	}
}
