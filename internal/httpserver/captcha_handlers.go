package httpserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/rotacap/rotacap-service/internal/challenge"
	"github.com/rotacap/rotacap-service/internal/geometry"
	"github.com/rotacap/rotacap-service/internal/keystore"
	"github.com/rotacap/rotacap-service/internal/session"
)

type rotationPayload struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
	Z *float64 `json:"z" validate:"required"`
}

type createResponse struct {
	SessionToken   string               `json:"session_token"`
	TargetRotation geometry.EulerAngles `json:"target_rotation"`
	ExpiresIn      int                  `json:"expires_in"`
}

type verifyRequest struct {
	SessionToken string           `json:"session_token" validate:"required"`
	UserRotation *rotationPayload `json:"user_rotation" validate:"required"`
}

type verifyResponse struct {
	Verified     bool    `json:"verified"`
	ErrorDegrees float64 `json:"error_degrees"`
	Attempts     int     `json:"attempts"`
	MaxAttempts  int     `json:"max_attempts"`
}

// handleCaptchaCreate issues a new challenge session for the API key in the
// X-API-Key header.
func (s *Server) handleCaptchaCreate(w http.ResponseWriter, r *http.Request) {
	rawKey := r.Header.Get("X-API-Key")

	// The per-credential bucket sits behind the per-IP middleware so an
	// abusive integration cannot starve other tenants.
	if s.limiter != nil && rawKey != "" {
		if cred, err := s.keys.LookupByHash(r.Context(), keystore.HashKey(rawKey)); err == nil && cred != nil {
			if !s.limiter.AllowCredential(r.Context(), cred.ID) {
				if s.collector != nil {
					s.collector.RecordRateLimitHit()
				}
				s.respondError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded for this API key"))
				return
			}
		}
	}

	meta := session.ClientMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	res, err := s.challenges.Create(r.Context(), rawKey, meta)
	if err != nil {
		s.respondChallengeError(w, err)
		return
	}

	if s.collector != nil {
		s.collector.RecordSessionCreated()
	}
	s.debugf("session created token=%s ip=%s", res.SessionToken, meta.IP)

	s.respondJSON(w, http.StatusOK, createResponse{
		SessionToken:   res.SessionToken,
		TargetRotation: res.Target,
		ExpiresIn:      res.ExpiresIn,
	})
}

// handleCaptchaVerify scores the client-reported orientation for a session.
func (s *Server) handleCaptchaVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("session_token and user_rotation {x,y,z} are required"))
		return
	}

	out, err := s.challenges.Verify(r.Context(), req.SessionToken, geometry.EulerAngles{
		X: *req.UserRotation.X,
		Y: *req.UserRotation.Y,
		Z: *req.UserRotation.Z,
	})
	if err != nil {
		s.respondChallengeError(w, err)
		return
	}

	if s.collector != nil {
		s.collector.RecordVerifyAttempt(out.Verified)
	}

	s.respondJSON(w, http.StatusOK, verifyResponse{
		Verified:     out.Verified,
		ErrorDegrees: out.ErrorDegrees,
		Attempts:     out.Attempts,
		MaxAttempts:  out.MaxAttempts,
	})
}

// respondChallengeError maps service sentinel errors onto HTTP statuses.
// Unmapped errors become opaque 500s so store details never leak.
func (s *Server) respondChallengeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, challenge.ErrMissingCredential), errors.Is(err, challenge.ErrInvalidCredential):
		s.respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, challenge.ErrQuotaExceeded):
		s.respondError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, challenge.ErrSessionNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, challenge.ErrSessionExpired):
		if s.collector != nil {
			s.collector.RecordSessionExpired()
		}
		s.respondError(w, http.StatusGone, err)
	default:
		if s.logger != nil {
			s.logger.Printf("internal error: %v", err)
		}
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// clientIP returns the request's client IP. RealIP middleware has already
// folded X-Forwarded-For / X-Real-IP into RemoteAddr, in which case there is
// no port to strip.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
