package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rotacap/rotacap-service/internal/analytics"
	"github.com/rotacap/rotacap-service/internal/keystore"
)

type usageSummaryResponse struct {
	AccountID     int64            `json:"account_id"`
	APICallsUsed  int64            `json:"api_calls_used"`
	APICallsLimit int64            `json:"api_calls_limit"`
	Totals        analytics.Totals `json:"totals"`
}

type usageDailyResponse struct {
	Days []analytics.DayStats `json:"days"`
}

// authenticateUsageRequest resolves the X-API-Key header to an account.
func (s *Server) authenticateUsageRequest(ctx context.Context, r *http.Request) (*keystore.Account, error) {
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		return nil, errors.New("missing API key")
	}
	cred, err := s.keys.LookupByHash(ctx, keystore.HashKey(rawKey))
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Active {
		return nil, errors.New("invalid API key")
	}
	return s.keys.GetAccount(ctx, cred.AccountID)
}

// handleUsageSummary reports the account's quota position and lifetime
// verification totals.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	account, err := s.authenticateUsageRequest(r.Context(), r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
		return
	}

	totals, err := s.rollups.Totals(r.Context(), account.ID)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("usage totals for account %d: %v", account.ID, err)
		}
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	s.respondJSON(w, http.StatusOK, usageSummaryResponse{
		AccountID:     account.ID,
		APICallsUsed:  account.APICallsUsed,
		APICallsLimit: account.APICallsLimit,
		Totals:        totals,
	})
}

// handleUsageDaily returns per-day verification stats, newest first.
// ?days=N bounds the window (default 30, max 365).
func (s *Server) handleUsageDaily(w http.ResponseWriter, r *http.Request) {
	account, err := s.authenticateUsageRequest(r.Context(), r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("days must be a positive integer"))
			return
		}
		days = parsed
	}
	if days > 365 {
		days = 365
	}

	stats, err := s.rollups.Range(r.Context(), account.ID, days)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("usage range for account %d: %v", account.ID, err)
		}
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if stats == nil {
		stats = []analytics.DayStats{}
	}

	s.respondJSON(w, http.StatusOK, usageDailyResponse{Days: stats})
}
