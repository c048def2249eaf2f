package gateway

import (
	"testing"
	"time"
)

// TestRateLimit_RollingWindow covers spec invariant 6: at most 10
// accepted sends per 60s window, 11th rejected with retryAfter based on
// the oldest timestamp in the window.
func TestRateLimit_RollingWindow(t *testing.T) {
	l := newMessageRateLimit(10, 60*time.Second)
	base := time.Now()

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow(base.Add(time.Duration(i) * time.Second))
		if !ok {
			t.Fatalf("send %d should be accepted", i)
		}
	}

	ok, retryAfter := l.Allow(base.Add(10 * time.Second))
	if ok {
		t.Fatal("11th send within the window should be rejected")
	}
	// oldest is base+0s, window closes at base+60s, now is base+10s -> 50s left
	if retryAfter != 50 {
		t.Fatalf("want retryAfter=50, got %d", retryAfter)
	}
}

func TestRateLimit_WindowSlidesOpen(t *testing.T) {
	l := newMessageRateLimit(10, 60*time.Second)
	base := time.Now()

	for i := 0; i < 10; i++ {
		l.Allow(base.Add(time.Duration(i) * time.Second))
	}

	// 61 seconds after the first send, it has aged out of the window.
	ok, _ := l.Allow(base.Add(61 * time.Second))
	if !ok {
		t.Fatal("expected a slot to free up once the oldest send ages out")
	}
}
