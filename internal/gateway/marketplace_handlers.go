package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/courtflow/courtflow/internal/apperr"
	"github.com/courtflow/courtflow/internal/arbitrage"
	"github.com/courtflow/courtflow/internal/persistence"
)

// handlePriceState serves the cached price state for one moment.
func (s *Server) handlePriceState(w http.ResponseWriter, r *http.Request) {
	momentID := mux.Vars(r)["momentId"]
	state := s.monitor.State(r.Context(), momentID)
	if state == nil {
		respondCode(w, http.StatusNotFound, "not_found", "no price data for moment")
		return
	}
	respondData(w, http.StatusOK, state)
}

// handleOpportunities lists active arbitrage opportunities.
func (s *Server) handleOpportunities(w http.ResponseWriter, _ *http.Request) {
	opportunities := s.detector.Active()
	respondData(w, http.StatusOK, map[string]interface{}{
		"opportunities": opportunities,
		"count":         len(opportunities),
	})
}

// handleArbitrageStatus transitions one opportunity to executed or invalid.
func (s *Server) handleArbitrageStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid status body"))
		return
	}

	var ok bool
	switch req.Status {
	case arbitrage.StatusExecuted:
		ok = s.detector.MarkExecuted(r.Context(), id)
	case arbitrage.StatusInvalid:
		ok = s.detector.MarkInvalid(r.Context(), id)
	default:
		respondError(w, apperr.Validation("status must be executed or invalid"))
		return
	}
	if !ok {
		respondCode(w, http.StatusNotFound, "not_found", "opportunity not found")
		return
	}
	respondData(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

type alertRequest struct {
	MomentID  *string         `json:"momentId,omitempty"`
	PlayerID  *string         `json:"playerId,omitempty"`
	Type      string          `json:"type"`
	Threshold decimal.Decimal `json:"threshold"`
}

var alertTypes = map[string]bool{
	"price_drop":     true,
	"price_increase": true,
	"volume_spike":   true,
	"new_listing":    true,
	"arbitrage":      true,
}

// handleAlertCreate registers a price alert for the caller.
func (s *Server) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid alert body"))
		return
	}
	if !alertTypes[req.Type] {
		respondError(w, apperr.Validation("unknown alert type"))
		return
	}
	if req.MomentID == nil && req.PlayerID == nil {
		respondError(w, apperr.Validation("alert requires momentId or playerId"))
		return
	}
	if req.Threshold.Sign() <= 0 {
		respondError(w, apperr.Validation("threshold must be positive"))
		return
	}

	alert := &persistence.PriceAlert{
		ID:        uuid.New().String(),
		UserID:    IdentityFrom(r.Context()).UserID,
		MomentID:  req.MomentID,
		PlayerID:  req.PlayerID,
		Type:      req.Type,
		Threshold: req.Threshold,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := s.alerts.Create(r.Context(), alert); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, alert)
}

// handleAlertList lists the caller's alerts.
func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.ListByUser(r.Context(), IdentityFrom(r.Context()).UserID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// alertForCaller loads an alert and verifies ownership.
func (s *Server) alertForCaller(r *http.Request) (*persistence.PriceAlert, error) {
	alert, err := s.alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, apperr.New(apperr.KindNotFound, "not_found", "alert not found")
		}
		return nil, err
	}
	if alert.UserID != IdentityFrom(r.Context()).UserID {
		return nil, apperr.New(apperr.KindForbidden, "forbidden", "alert belongs to another user")
	}
	return alert, nil
}

// handleAlertDelete removes one of the caller's alerts.
func (s *Server) handleAlertDelete(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertForCaller(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.alerts.Delete(r.Context(), alert.ID); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"id": alert.ID, "status": "deleted"})
}

// handleAlertReset re-arms a triggered alert.
func (s *Server) handleAlertReset(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alertForCaller(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.alerts.ResetTrigger(r.Context(), alert.ID); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"id": alert.ID, "status": "armed"})
}
