package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/courtflow/courtflow/internal/apperr"
	"github.com/courtflow/courtflow/internal/registry"
)

// handleTradeExecute pre-flights the trade through risk-management and
// only forwards to the trading service on approval.
func (s *Server) handleTradeExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, apperr.Validation("unreadable request body"))
		return
	}
	var trade map[string]interface{}
	if err := json.Unmarshal(body, &trade); err != nil {
		respondError(w, apperr.Validation("invalid trade body"))
		return
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("X-User-ID", IdentityFrom(r.Context()).UserID)
	requestID := RequestIDFrom(r.Context())

	validation, err := s.dispatcher.Dispatch(r.Context(), registry.Call{
		Service:   "risk-management",
		Method:    http.MethodPost,
		Path:      "/validate-trade",
		Header:    header,
		Body:      body,
		RequestID: requestID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if validation.StatusCode != http.StatusOK {
		respondError(w, apperr.New(apperr.KindUpstreamBadResponse, "bad_gateway",
			"risk validation returned an unexpected status"))
		return
	}

	var verdict struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(validation.Body, &verdict); err != nil {
		respondError(w, apperr.Wrap(apperr.KindUpstreamBadResponse, "bad_gateway",
			"risk validation returned an invalid body", err))
		return
	}
	if !verdict.Approved {
		if verdict.Reason == "" {
			verdict.Reason = "trade rejected by risk validation"
		}
		log.Info().Str("user", IdentityFrom(r.Context()).UserID).
			Str("reason", verdict.Reason).Msg("trade rejected pre-flight")
		respondCode(w, http.StatusBadRequest, "trade_rejected", verdict.Reason)
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), registry.Call{
		Service:   "trading",
		Method:    http.MethodPost,
		Path:      "/trades/execute",
		Header:    header,
		Body:      body,
		RequestID: requestID,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}
