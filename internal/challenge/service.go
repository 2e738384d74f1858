// Package challenge implements the session state machine: create a
// session bound to an API credential, score bounded verification attempts
// against the hidden target orientation, and feed terminal outcomes to the
// analytics rollups.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rotacap/rotacap-service/internal/analytics"
	"github.com/rotacap/rotacap-service/internal/geometry"
	"github.com/rotacap/rotacap-service/internal/keystore"
	"github.com/rotacap/rotacap-service/internal/policy"
	"github.com/rotacap/rotacap-service/internal/session"
)

// Sentinel errors map one-to-one onto the HTTP error responses.
var (
	ErrMissingCredential = errors.New("missing API key")
	ErrInvalidCredential = errors.New("invalid API key")
	ErrQuotaExceeded     = errors.New("api call limit exceeded")
	ErrSessionNotFound   = errors.New("invalid session token")
	ErrSessionExpired    = errors.New("session expired")
)

// Service owns the challenge session lifecycle.
type Service struct {
	keys     keystore.Store
	sessions session.Store
	rollups  analytics.Store
	policy   policy.Policy
	logger   *log.Logger
	now      func() time.Time
}

// NewService wires the orchestrator with its stores and policy.
func NewService(keys keystore.Store, sessions session.Store, rollups analytics.Store, pol policy.Policy) *Service {
	return &Service{
		keys:     keys,
		sessions: sessions,
		rollups:  rollups,
		policy:   pol,
		now:      time.Now,
	}
}

// SetLogger configures best-effort failure logging.
func (s *Service) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetClock overrides the time source; tests use this to force expiry.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Policy returns the active scoring policy.
func (s *Service) Policy() policy.Policy {
	return s.policy
}

// CreateResult is the payload for a freshly created session.
type CreateResult struct {
	SessionToken string
	Target       geometry.EulerAngles
	ExpiresIn    int
}

// VerifyResult is the scoring outcome for a verify call.
type VerifyResult struct {
	Verified     bool
	ErrorDegrees float64
	Attempts     int
	MaxAttempts  int
}

// Create authenticates the credential, reserves one unit of account quota,
// and persists a new session with a random target orientation.
func (s *Service) Create(ctx context.Context, rawKey string, meta session.ClientMeta) (*CreateResult, error) {
	if strings.TrimSpace(rawKey) == "" {
		return nil, ErrMissingCredential
	}
	cred, err := s.keys.LookupByHash(ctx, keystore.HashKey(rawKey))
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if cred == nil || !cred.Active {
		return nil, ErrInvalidCredential
	}

	// The quota check and increment are one conditional update in the
	// store; a failed reservation leaves the counter untouched.
	if err := s.keys.ReserveCall(ctx, cred.AccountID); err != nil {
		if errors.Is(err, keystore.ErrQuotaExceeded) {
			return nil, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	now := s.now()
	ch := &session.Challenge{
		// The token is a capability: it is the only reference to the
		// session, so it comes from a CSPRNG (uuid v4, 122 bits). The
		// target orientation is disclosed to the client anyway and only
		// needs uniform sampling, not secrecy.
		Token:        uuid.NewString(),
		CredentialID: cred.ID,
		AccountID:    cred.AccountID,
		Target:       s.sampleTarget(),
		ClientMeta:   meta,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.policy.SessionTTL()),
	}
	if err := s.sessions.Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	// Best-effort bookkeeping; a failure here must not fail the create.
	if err := s.keys.TouchLastUsed(ctx, cred.ID, now); err != nil {
		s.logf("touch last used for key %d: %v", cred.ID, err)
	}

	return &CreateResult{
		SessionToken: ch.Token,
		Target:       ch.Target,
		ExpiresIn:    s.policy.SessionTTLSeconds,
	}, nil
}

// Verify scores the reported orientation against the session's target.
// Expired sessions fail without mutation; terminal sessions answer from
// their stored outcome without re-scoring or attempt counting.
func (s *Service) Verify(ctx context.Context, token string, userRotation geometry.EulerAngles) (*VerifyResult, error) {
	ch, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if ch == nil {
		return nil, ErrSessionNotFound
	}
	if ch.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	if s.terminal(ch) {
		return s.storedResult(ch), nil
	}

	errorDegrees := geometry.Degrees(geometry.AngularDistance(
		geometry.FromEuler(ch.Target),
		geometry.FromEuler(userRotation),
	))
	verified := errorDegrees < s.policy.ThresholdDegrees

	// The store reports the attempt count it produced; our earlier read is
	// stale the moment a concurrent verify lands, so the terminal decision
	// and the response both use the store's count.
	attempts, applied, err := s.sessions.RecordAttempt(ctx, token, session.Attempt{
		Verified:     verified,
		ErrorDegrees: errorDegrees,
		At:           s.now(),
	}, s.policy.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	if !applied {
		// Lost the write race: the session went terminal between our
		// read and the conditional update. Degrade to the stored outcome.
		ch, err = s.sessions.GetByToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		if ch == nil {
			return nil, ErrSessionNotFound
		}
		return s.storedResult(ch), nil
	}

	if verified || attempts >= s.policy.MaxAttempts {
		// Exactly one caller wins the conditional write that makes the
		// session terminal, so this records at most once per session.
		if err := s.rollups.RecordOutcome(ctx, analytics.Outcome{
			AccountID:    ch.AccountID,
			Date:         s.now(),
			Success:      verified,
			ErrorDegrees: errorDegrees,
			Attempts:     attempts,
		}); err != nil {
			s.logf("record outcome for account %d: %v", ch.AccountID, err)
		}
	}

	return &VerifyResult{
		Verified:     verified,
		ErrorDegrees: errorDegrees,
		Attempts:     attempts,
		MaxAttempts:  s.policy.MaxAttempts,
	}, nil
}

// ReapExpired reclaims storage for sessions past their expiry. Validity is
// still enforced at read time; running this is optional.
func (s *Service) ReapExpired(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, s.now())
}

// terminal reports whether the session can no longer change: verified, or
// attempt cap reached (exhaustion is permanent; a later correct answer
// does not flip the outcome).
func (s *Service) terminal(ch *session.Challenge) bool {
	return ch.Verified || ch.Attempts >= s.policy.MaxAttempts
}

func (s *Service) storedResult(ch *session.Challenge) *VerifyResult {
	res := &VerifyResult{
		Verified:    ch.Verified,
		Attempts:    ch.Attempts,
		MaxAttempts: s.policy.MaxAttempts,
	}
	if ch.ErrorDegrees != nil {
		res.ErrorDegrees = *ch.ErrorDegrees
	}
	return res
}

// sampleTarget draws the target orientation: pitch and yaw from the wide
// range, roll from the narrow one.
func (s *Service) sampleTarget() geometry.EulerAngles {
	return geometry.EulerAngles{
		X: (rand.Float64()*2 - 1) * s.policy.PitchYawRange,
		Y: (rand.Float64()*2 - 1) * s.policy.PitchYawRange,
		Z: (rand.Float64()*2 - 1) * s.policy.RollRange,
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
