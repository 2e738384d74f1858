package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotacap/rotacap-service/internal/keystore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateKeyAndLookup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "dev@example.com", 100)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	cred, raw, err := store.CreateKey(ctx, account.ID, "widget")
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if !strings.HasPrefix(raw, "sk_") {
		t.Fatalf("unexpected key format %q", raw)
	}
	if cred.KeyPrefix != raw[:8] {
		t.Fatalf("prefix %q does not match key %q", cred.KeyPrefix, raw)
	}

	found, err := store.LookupByHash(ctx, keystore.HashKey(raw))
	if err != nil {
		t.Fatalf("LookupByHash: %v", err)
	}
	if found == nil || found.ID != cred.ID || !found.Active {
		t.Fatalf("unexpected lookup result %+v", found)
	}

	missing, err := store.LookupByHash(ctx, keystore.HashKey("sk_bogus"))
	if err != nil {
		t.Fatalf("LookupByHash miss: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown hash, got %+v", missing)
	}
}

func TestEnsureAccountIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.EnsureAccount(ctx, "dev@example.com", 100)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	second, err := store.EnsureAccount(ctx, "dev@example.com", 999)
	if err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}
	if second.ID != first.ID || second.APICallsLimit != 100 {
		t.Fatalf("expected existing account unchanged, got %+v", second)
	}
}

func TestReserveCallStopsAtLimit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "dev@example.com", 2)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.ReserveCall(ctx, account.ID); err != nil {
			t.Fatalf("ReserveCall %d: %v", i, err)
		}
	}
	if err := store.ReserveCall(ctx, account.ID); !errors.Is(err, keystore.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	got, err := store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.APICallsUsed != 2 {
		t.Fatalf("used counter moved past limit: %d", got.APICallsUsed)
	}
}

func TestReserveCallConcurrentLastUnit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "dev@example.com", 1)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.ReserveCall(ctx, account.ID)
		}()
	}
	wg.Wait()
	close(results)

	var ok, exceeded int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, keystore.ErrQuotaExceeded):
			exceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || exceeded != callers-1 {
		t.Fatalf("expected exactly one winner, got ok=%d exceeded=%d", ok, exceeded)
	}
}

func TestReserveCallUnknownAccount(t *testing.T) {
	store := newStore(t)
	if err := store.ReserveCall(context.Background(), 12345); !errors.Is(err, keystore.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestTouchLastUsed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "dev@example.com", 10)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	cred, raw, err := store.CreateKey(ctx, account.ID, "")
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	stamp := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchLastUsed(ctx, cred.ID, stamp); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}
	found, err := store.LookupByHash(ctx, keystore.HashKey(raw))
	if err != nil {
		t.Fatalf("LookupByHash: %v", err)
	}
	if found.LastUsedAt == nil || !found.LastUsedAt.Equal(stamp) {
		t.Fatalf("last used not recorded: %+v", found.LastUsedAt)
	}
}
