package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	modcommon "crosslend/native/common"
	"crosslend/native/ledger"
	"crosslend/native/limiter"
	"crosslend/native/liquidation"
	"crosslend/native/oracle"
	"crosslend/native/registry"
	"crosslend/native/risk"
	"crosslend/native/settlement"
)

type errorResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
	RetryAfter int64  `json:"retryAfterSeconds,omitempty"`
}

// rejection maps a component error onto an HTTP status and a stable reason
// code for clients and metrics.
func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, modcommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "module_paused"
	case errors.Is(err, risk.ErrStalePrice):
		return http.StatusServiceUnavailable, "stale_price"
	case errors.Is(err, oracle.ErrFeedNotConfigured):
		return http.StatusServiceUnavailable, "feed_not_configured"
	case errors.Is(err, limiter.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, risk.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient_collateral"
	case errors.Is(err, risk.ErrHealthBreach):
		return http.StatusUnprocessableEntity, "health_factor_breach"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, risk.ErrNoOutstandingDebt):
		return http.StatusUnprocessableEntity, "no_outstanding_debt"
	case errors.Is(err, risk.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, risk.ErrAssetNotSupported), errors.Is(err, registry.ErrAssetNotFound):
		return http.StatusNotFound, "asset_not_supported"
	case errors.Is(err, risk.ErrAssetInactive):
		return http.StatusUnprocessableEntity, "asset_inactive"
	case errors.Is(err, risk.ErrNotCollateral):
		return http.StatusUnprocessableEntity, "asset_not_collateral"
	case errors.Is(err, risk.ErrNotBorrowable):
		return http.StatusUnprocessableEntity, "asset_not_borrowable"
	case errors.Is(err, liquidation.ErrNotLiquidatable):
		return http.StatusConflict, "not_liquidatable"
	case errors.Is(err, liquidation.ErrSelfLiquidation):
		return http.StatusBadRequest, "self_liquidation"
	case errors.Is(err, liquidation.ErrNoDebt), errors.Is(err, liquidation.ErrNoCollateral):
		return http.StatusUnprocessableEntity, "nothing_to_liquidate"
	case errors.Is(err, settlement.ErrUnknownMessage):
		return http.StatusNotFound, "unknown_message"
	case errors.Is(err, settlement.ErrDuplicateMessage):
		return http.StatusConflict, "duplicate_message"
	case errors.Is(err, settlement.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, settlement.ErrNotRetryable):
		return http.StatusConflict, "not_retryable"
	case errors.Is(err, settlement.ErrChainNotConfigured):
		return http.StatusBadRequest, "chain_not_configured"
	case errors.Is(err, settlement.ErrRelayRejected):
		return http.StatusBadGateway, "relay_rejected"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// reject translates a component error into the JSON rejection envelope and
// records it.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, reason := rejection(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	if s.metrics != nil && action != "" {
		s.metrics.RecordRejection(action, reason)
		s.metrics.RecordAction(action, "rejected")
	}
	resp := errorResponse{Status: "rejected", Reason: reason, Message: err.Error()}
	var denial *limiter.Denial
	if errors.As(err, &denial) && denial.RetryAfter > 0 {
		seconds := int64(denial.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		resp.RetryAfter = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeError(w http.ResponseWriter, _ *http.Request, status int, reason, message string) {
	s.writeJSON(w, status, errorResponse{Status: "rejected", Reason: reason, Message: message})
}
