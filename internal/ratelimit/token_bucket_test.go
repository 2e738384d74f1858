package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(10, 5)

	for i := 0; i < 10; i++ {
		if !tb.Allow() {
			t.Errorf("burst request %d should be allowed", i)
		}
	}

	if tb.Allow() {
		t.Error("request past burst should be denied")
	}
}

func TestTokenBucket_AllowN(t *testing.T) {
	tb := NewTokenBucket(100, 10)

	if !tb.AllowN(50) {
		t.Error("should allow 50 tokens")
	}

	remaining := tb.Remaining()
	if remaining < 49 || remaining > 51 {
		t.Errorf("expected ~50 remaining, got %f", remaining)
	}

	if tb.AllowN(60) {
		t.Error("should deny 60 tokens when only 50 available")
	}
}

func TestTokenBucket_Reset(t *testing.T) {
	tb := NewTokenBucket(100, 10)

	tb.AllowN(100)
	tb.Reset()

	if remaining := tb.Remaining(); remaining != 100 {
		t.Errorf("expected 100 after reset, got %f", remaining)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(100, 50)

	tb.AllowN(100)

	// 500ms at 50 tokens/sec refills ~25.
	time.Sleep(500 * time.Millisecond)

	remaining := tb.Remaining()
	if remaining < 23 || remaining > 27 {
		t.Errorf("expected ~25 tokens after 500ms, got %f", remaining)
	}
}

func TestTokenBucket_WaitTime(t *testing.T) {
	tb := NewTokenBucket(10, 10)

	if wait := tb.WaitTime(); wait != 0 {
		t.Errorf("expected zero wait with tokens available, got %v", wait)
	}

	tb.AllowN(10)

	// One token at 10 tokens/sec is ~100ms away.
	wait := tb.WaitTime()
	if wait < 90*time.Millisecond || wait > 110*time.Millisecond {
		t.Errorf("expected ~100ms wait, got %v", wait)
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb := NewTokenBucket(1000, 100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tb.Allow()
			}
		}()
	}
	wg.Wait()

	if remaining := tb.Remaining(); remaining > 1 {
		t.Errorf("expected ~0 remaining after concurrent drain, got %f", remaining)
	}
}
