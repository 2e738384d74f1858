package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotacap/rotacap-service/internal/geometry"
	"github.com/rotacap/rotacap-service/internal/session"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newChallenge(token string, ttl time.Duration) *session.Challenge {
	now := time.Now().UTC()
	return &session.Challenge{
		Token:        token,
		CredentialID: 1,
		AccountID:    2,
		Target:       geometry.EulerAngles{X: 0.5, Y: -0.25, Z: 0.1},
		ClientMeta:   session.ClientMeta{IP: "203.0.113.9", UserAgent: "widget/1.0"},
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ch := newChallenge("tok-1", 10*time.Minute)
	if err := store.Create(ctx, ch); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.GetByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if got == nil {
		t.Fatalf("session not found")
	}
	if got.Target != ch.Target {
		t.Fatalf("target mismatch: %+v vs %+v", got.Target, ch.Target)
	}
	if got.Attempts != 0 || got.Verified || got.ErrorDegrees != nil || got.VerifiedAt != nil {
		t.Fatalf("fresh session has unexpected state: %+v", got)
	}
	if got.ClientMeta.IP != "203.0.113.9" {
		t.Fatalf("client meta not stored: %+v", got.ClientMeta)
	}

	missing, err := store.GetByToken(ctx, "nope")
	if err != nil {
		t.Fatalf("GetByToken miss: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown token")
	}
}

func TestRecordAttemptGuard(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newChallenge("tok-1", 10*time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	attempts, ok, err := store.RecordAttempt(ctx, "tok-1", session.Attempt{ErrorDegrees: 80, At: time.Now()}, 3)
	if err != nil || !ok {
		t.Fatalf("first attempt: ok=%v err=%v", ok, err)
	}
	if attempts != 1 {
		t.Fatalf("first attempt count: got %d", attempts)
	}

	attempts, ok, err = store.RecordAttempt(ctx, "tok-1", session.Attempt{Verified: true, ErrorDegrees: 5, At: time.Now()}, 3)
	if err != nil || !ok {
		t.Fatalf("verifying attempt: ok=%v err=%v", ok, err)
	}
	if attempts != 2 {
		t.Fatalf("second attempt count: got %d", attempts)
	}

	// Verified sessions reject further writes.
	_, ok, err = store.RecordAttempt(ctx, "tok-1", session.Attempt{ErrorDegrees: 1, At: time.Now()}, 3)
	if err != nil {
		t.Fatalf("attempt after verified: %v", err)
	}
	if ok {
		t.Fatalf("write applied to verified session")
	}

	got, err := store.GetByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if got.Attempts != 2 || !got.Verified {
		t.Fatalf("unexpected state after guard: %+v", got)
	}
	if got.ErrorDegrees == nil || *got.ErrorDegrees != 5 {
		t.Fatalf("error degrees not stored: %+v", got.ErrorDegrees)
	}
	if got.VerifiedAt == nil {
		t.Fatalf("verified_at not stored")
	}
}

func TestRecordAttemptCap(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newChallenge("tok-1", 10*time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		attempts, ok, err := store.RecordAttempt(ctx, "tok-1", session.Attempt{ErrorDegrees: 70, At: time.Now()}, 2)
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i+1, ok, err)
		}
		if attempts != i+1 {
			t.Fatalf("attempt %d count: got %d", i+1, attempts)
		}
	}

	// Cap reached; even a correct answer no longer writes.
	_, ok, err := store.RecordAttempt(ctx, "tok-1", session.Attempt{Verified: true, ErrorDegrees: 0, At: time.Now()}, 2)
	if err != nil {
		t.Fatalf("attempt past cap: %v", err)
	}
	if ok {
		t.Fatalf("write applied past attempt cap")
	}

	got, _ := store.GetByToken(ctx, "tok-1")
	if got.Attempts != 2 || got.Verified {
		t.Fatalf("exhausted session mutated: %+v", got)
	}
}

func TestRecordAttemptConcurrentSingleWinnerAtCap(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newChallenge("tok-1", 10*time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.RecordAttempt(ctx, "tok-1", session.Attempt{Verified: true, ErrorDegrees: 2, At: time.Now()}, 10)
			if err != nil {
				t.Errorf("RecordAttempt: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one verifying write, got %d", winners)
	}
}

func TestDeleteExpired(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newChallenge("old", -time.Minute)); err != nil {
		t.Fatalf("Create old: %v", err)
	}
	if err := store.Create(ctx, newChallenge("fresh", 10*time.Minute)); err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	n, err := store.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	if got, _ := store.GetByToken(ctx, "old"); got != nil {
		t.Fatalf("expired session still present")
	}
	if got, _ := store.GetByToken(ctx, "fresh"); got == nil {
		t.Fatalf("fresh session reclaimed")
	}
}
