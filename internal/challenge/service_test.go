package challenge

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rotacap/rotacap-service/internal/analytics"
	"github.com/rotacap/rotacap-service/internal/geometry"
	"github.com/rotacap/rotacap-service/internal/keystore"
	"github.com/rotacap/rotacap-service/internal/policy"
	"github.com/rotacap/rotacap-service/internal/session"
)

type stubKeys struct {
	mu          sync.Mutex
	credentials map[string]*keystore.Credential
	accounts    map[int64]*keystore.Account
	touched     []int64
}

func newStubKeys() *stubKeys {
	return &stubKeys{
		credentials: make(map[string]*keystore.Credential),
		accounts:    make(map[int64]*keystore.Account),
	}
}

func (s *stubKeys) addKey(raw string, accountID int64, active bool, limit, used int64) {
	s.credentials[keystore.HashKey(raw)] = &keystore.Credential{
		ID:        int64(len(s.credentials) + 1),
		AccountID: accountID,
		KeyHash:   keystore.HashKey(raw),
		Active:    active,
	}
	s.accounts[accountID] = &keystore.Account{ID: accountID, APICallsLimit: limit, APICallsUsed: used}
}

func (s *stubKeys) LookupByHash(ctx context.Context, keyHash string) (*keystore.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials[keyHash], nil
}

func (s *stubKeys) GetAccount(ctx context.Context, id int64) (*keystore.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, keystore.ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *stubKeys) ReserveCall(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return keystore.ErrAccountNotFound
	}
	if a.APICallsUsed >= a.APICallsLimit {
		return keystore.ErrQuotaExceeded
	}
	a.APICallsUsed++
	return nil
}

func (s *stubKeys) TouchLastUsed(ctx context.Context, credentialID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, credentialID)
	return nil
}

func (s *stubKeys) EnsureAccount(ctx context.Context, email string, callLimit int64) (*keystore.Account, error) {
	return nil, errors.New("not implemented")
}

func (s *stubKeys) CreateKey(ctx context.Context, accountID int64, name string) (*keystore.Credential, string, error) {
	return nil, "", errors.New("not implemented")
}

func (s *stubKeys) Close() error { return nil }

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Challenge
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*session.Challenge)}
}

func (m *memSessions) Create(ctx context.Context, ch *session.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *ch
	m.sessions[ch.Token] = &copy
	return nil
}

func (m *memSessions) GetByToken(ctx context.Context, token string) (*session.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	copy := *ch
	return &copy, nil
}

func (m *memSessions) RecordAttempt(ctx context.Context, token string, attempt session.Attempt, maxAttempts int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.sessions[token]
	if !ok || ch.Verified || ch.Attempts >= maxAttempts {
		return 0, false, nil
	}
	ch.Attempts++
	ch.Verified = attempt.Verified
	deg := attempt.ErrorDegrees
	ch.ErrorDegrees = &deg
	if attempt.Verified {
		at := attempt.At
		ch.VerifiedAt = &at
	}
	return ch.Attempts, true, nil
}

func (m *memSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, ch := range m.sessions {
		if ch.Expired(now) {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) Close() error { return nil }

type stubRollups struct {
	mu       sync.Mutex
	outcomes []analytics.Outcome
}

func (s *stubRollups) RecordOutcome(ctx context.Context, o analytics.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *stubRollups) Range(ctx context.Context, accountID int64, days int) ([]analytics.DayStats, error) {
	return nil, nil
}

func (s *stubRollups) Totals(ctx context.Context, accountID int64) (analytics.Totals, error) {
	return analytics.Totals{}, nil
}

func (s *stubRollups) Close() error { return nil }

func (s *stubRollups) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

const testKey = "sk_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) (*Service, *stubKeys, *memSessions, *stubRollups) {
	t.Helper()
	keys := newStubKeys()
	keys.addKey(testKey, 7, true, 100, 0)
	sessions := newMemSessions()
	rollups := &stubRollups{}
	svc := NewService(keys, sessions, rollups, policy.Default())
	return svc, keys, sessions, rollups
}

func TestCreateAndVerifyExactTarget(t *testing.T) {
	svc, keys, _, rollups := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, testKey, session.ClientMeta{IP: "203.0.113.9", UserAgent: "widget/1.0"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.SessionToken == "" {
		t.Fatalf("empty session token")
	}
	if res.ExpiresIn != 600 {
		t.Fatalf("expires_in: got %d", res.ExpiresIn)
	}
	if len(keys.touched) != 1 {
		t.Fatalf("expected one last-used touch, got %d", len(keys.touched))
	}

	out, err := svc.Verify(ctx, res.SessionToken, res.Target)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !out.Verified {
		t.Fatalf("exact target not verified: %+v", out)
	}
	// acos near dot=1 leaves a few microdegrees of noise even for an
	// identical orientation.
	if out.ErrorDegrees > 1e-4 {
		t.Fatalf("error degrees: got %v, want ~0", out.ErrorDegrees)
	}
	if out.Attempts != 1 || out.MaxAttempts != 10 {
		t.Fatalf("attempt counters: %+v", out)
	}
	if rollups.count() != 1 {
		t.Fatalf("expected one terminal outcome, got %d", rollups.count())
	}
}

func TestCreateCredentialFailures(t *testing.T) {
	svc, keys, _, _ := newTestService(t)
	keys.addKey("sk_inactive", 8, false, 100, 0)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "", session.ClientMeta{}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("missing key: got %v", err)
	}
	if _, err := svc.Create(ctx, "sk_unknown", session.ClientMeta{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("unknown key: got %v", err)
	}
	if _, err := svc.Create(ctx, "sk_inactive", session.ClientMeta{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("inactive key: got %v", err)
	}
}

func TestCreateQuotaExhausted(t *testing.T) {
	svc, keys, sessions, _ := newTestService(t)
	keys.accounts[7].APICallsUsed = 100
	ctx := context.Background()

	if _, err := svc.Create(ctx, testKey, session.ClientMeta{}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if keys.accounts[7].APICallsUsed != 100 {
		t.Fatalf("quota counter mutated: %d", keys.accounts[7].APICallsUsed)
	}
	if len(sessions.sessions) != 0 {
		t.Fatalf("session created despite quota failure")
	}
}

func TestVerifyNinetyDegreeOffset(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, testKey, session.ClientMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	off := res.Target
	off.X += math.Pi / 2

	out, err := svc.Verify(ctx, res.SessionToken, off)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if out.Verified {
		t.Fatalf("90 degree offset verified")
	}
	if math.Abs(out.ErrorDegrees-90) > 1e-6 {
		t.Fatalf("error degrees: got %v, want ~90", out.ErrorDegrees)
	}
}

func TestVerifyThreshold(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for _, tc := range []struct {
		offsetDeg float64
		verified  bool
	}{
		{34, true},
		{36, false},
	} {
		res, err := svc.Create(ctx, testKey, session.ClientMeta{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		off := res.Target
		off.Y += tc.offsetDeg * math.Pi / 180

		out, err := svc.Verify(ctx, res.SessionToken, off)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if out.Verified != tc.verified {
			t.Fatalf("offset %v deg: verified=%v, want %v (error %v)", tc.offsetDeg, out.Verified, tc.verified, out.ErrorDegrees)
		}
	}
}

func TestVerifyIdempotentOnceVerified(t *testing.T) {
	svc, _, _, rollups := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, testKey, session.ClientMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := svc.Verify(ctx, res.SessionToken, res.Target)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// A wildly wrong answer after verification must not change anything.
	wrong := res.Target
	wrong.X += math.Pi / 2
	second, err := svc.Verify(ctx, res.SessionToken, wrong)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if *second != *first {
		t.Fatalf("stored outcome changed: %+v vs %+v", second, first)
	}
	if rollups.count() != 1 {
		t.Fatalf("terminal outcome recorded %d times", rollups.count())
	}
}

func TestExhaustionIsTerminal(t *testing.T) {
	svc, _, _, rollups := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, testKey, session.ClientMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wrong := res.Target
	wrong.X += math.Pi / 2

	var last *VerifyResult
	for i := 0; i < 10; i++ {
		last, err = svc.Verify(ctx, res.SessionToken, wrong)
		if err != nil {
			t.Fatalf("Verify %d: %v", i+1, err)
		}
	}
	if last.Attempts != 10 || last.Verified {
		t.Fatalf("after exhaustion: %+v", last)
	}
	if rollups.count() != 1 {
		t.Fatalf("terminal outcome recorded %d times", rollups.count())
	}

	// Even the exact target cannot flip an exhausted session.
	out, err := svc.Verify(ctx, res.SessionToken, res.Target)
	if err != nil {
		t.Fatalf("Verify after exhaustion: %v", err)
	}
	if out.Verified || out.Attempts != 10 {
		t.Fatalf("exhausted session mutated: %+v", out)
	}
	if rollups.count() != 1 {
		t.Fatalf("analytics recorded past terminal transition: %d", rollups.count())
	}
}

// staleSessions freezes reads at a snapshot taken on construction while
// writes mutate live state. This reproduces two verify calls that both read
// the session before either conditional write lands.
type staleSessions struct {
	mu       sync.Mutex
	live     *session.Challenge
	snapshot session.Challenge
}

func (s *staleSessions) Create(ctx context.Context, ch *session.Challenge) error { return nil }

func (s *staleSessions) GetByToken(ctx context.Context, token string) (*session.Challenge, error) {
	copy := s.snapshot
	return &copy, nil
}

func (s *staleSessions) RecordAttempt(ctx context.Context, token string, attempt session.Attempt, maxAttempts int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live.Verified || s.live.Attempts >= maxAttempts {
		return 0, false, nil
	}
	s.live.Attempts++
	s.live.Verified = attempt.Verified
	deg := attempt.ErrorDegrees
	s.live.ErrorDegrees = &deg
	return s.live.Attempts, true, nil
}

func (s *staleSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *staleSessions) Close() error { return nil }

func TestVerifyInterleavedExhaustionRecordsOutcome(t *testing.T) {
	keys := newStubKeys()
	keys.addKey(testKey, 7, true, 100, 0)
	rollups := &stubRollups{}

	// Both callers read the session at 8 attempts (cap 10); their writes
	// land one after the other, so the counter runs 9 then 10 and the
	// second write is the terminal transition.
	now := time.Now()
	live := &session.Challenge{
		Token:     "tok-race",
		AccountID: 7,
		Target:    geometry.EulerAngles{X: 0.3, Y: -0.4, Z: 0.1},
		Attempts:  8,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	sessions := &staleSessions{live: live, snapshot: *live}
	svc := NewService(keys, sessions, rollups, policy.Default())
	ctx := context.Background()

	wrong := live.Target
	wrong.X += math.Pi / 2

	first, err := svc.Verify(ctx, "tok-race", wrong)
	if err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	second, err := svc.Verify(ctx, "tok-race", wrong)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}

	if first.Attempts != 9 {
		t.Fatalf("first response attempts: got %d, want 9", first.Attempts)
	}
	if second.Attempts != 10 || second.Verified {
		t.Fatalf("second response: %+v, want attempts 10, unverified", second)
	}
	if live.Attempts != 10 || live.Verified {
		t.Fatalf("stored state: %+v", live)
	}
	if rollups.count() != 1 {
		t.Fatalf("terminal outcome recorded %d times, want 1", rollups.count())
	}
	if got := rollups.outcomes[0].Attempts; got != 10 {
		t.Fatalf("recorded outcome attempts: got %d, want 10", got)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc, _, sessions, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, testKey, session.ClientMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })
	if _, err := svc.Verify(ctx, res.SessionToken, res.Target); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if sessions.sessions[res.SessionToken].Attempts != 0 {
		t.Fatalf("expired verify mutated attempts")
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.Verify(context.Background(), "nope", geometry.EulerAngles{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReapExpired(t *testing.T) {
	svc, _, sessions, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, testKey, session.ClientMeta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })
	n, err := svc.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	if _, ok := sessions.sessions[res.SessionToken]; ok {
		t.Fatalf("expired session still stored")
	}
}

func TestTargetSamplingRanges(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	for i := 0; i < 200; i++ {
		target := svc.sampleTarget()
		if math.Abs(target.X) > math.Pi/2 || math.Abs(target.Y) > math.Pi/2 {
			t.Fatalf("pitch/yaw outside range: %+v", target)
		}
		if math.Abs(target.Z) > math.Pi/4 {
			t.Fatalf("roll outside range: %+v", target)
		}
	}
}
