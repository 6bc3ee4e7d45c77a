package server

import (
	"testing"
	"time"
)

func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Burst: 0, RefillInterval: time.Second})
	if rl != nil {
		t.Fatal("expected nil limiter when burst is zero")
	}
	for i := 0; i < 1000; i++ {
		if !rl.allow() {
			t.Fatalf("disabled limiter refused message %d", i)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: time.Hour})

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("message %d refused within burst", i)
		}
	}
	if rl.allow() {
		t.Fatal("message beyond burst allowed")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Burst: 2, RefillInterval: 100 * time.Millisecond})

	rl.allow()
	rl.allow()
	if rl.allow() {
		t.Fatal("expected bucket to be empty")
	}

	time.Sleep(120 * time.Millisecond)
	if !rl.allow() {
		t.Fatal("expected a token after the refill interval")
	}
}

func TestRateLimiterDefaultsInterval(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Burst: 1})
	if rl == nil {
		t.Fatal("expected limiter")
	}
	if !rl.allow() {
		t.Fatal("first message refused")
	}
	if rl.allow() {
		t.Fatal("second message allowed immediately with a one second interval")
	}
}
