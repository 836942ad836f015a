package httpapi

import (
	"testing"
	"time"
)

func TestWindowLimiter(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("expected the burst to be allowed")
	}
	if limiter.Allow() {
		t.Fatal("expected third call to be denied")
	}

	now = now.Add(10 * time.Second)
	if limiter.Allow() {
		t.Fatal("expected call before refill to be denied")
	}

	now = now.Add(21 * time.Second)
	if !limiter.Allow() {
		t.Fatal("expected one token after half the window")
	}
	if limiter.Allow() {
		t.Fatal("expected only one token to be refilled")
	}
}

func TestWindowLimiterDisabled(t *testing.T) {
	if !NewWindowLimiter(0, 0, nil).Allow() {
		t.Fatal("limiter with zero configuration should allow")
	}
}
