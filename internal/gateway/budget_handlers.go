package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/courtflow/courtflow/internal/apperr"
	"github.com/courtflow/courtflow/internal/budget"
	"github.com/courtflow/courtflow/internal/suspicious"
)

// handleBudgetApprove runs the approval pipeline and records approved
// buys. The caller identity is authoritative; the body cannot spend on
// behalf of another user.
func (s *Server) handleBudgetApprove(w http.ResponseWriter, r *http.Request) {
	var req budget.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid spending request"))
		return
	}
	req.UserID = IdentityFrom(r.Context()).UserID
	if req.Amount.Sign() <= 0 {
		respondError(w, apperr.Validation("amount must be positive"))
		return
	}
	if req.Type == "" {
		req.Type = "buy"
	}
	req.Metadata = enrichMetadata(r, req.Metadata)

	approval, err := s.engine.ApproveAndRecord(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	if s.prom != nil {
		outcome := "approved"
		if !approval.Approved {
			outcome = approval.Code
		}
		s.prom.ApprovalsTotal.WithLabelValues(outcome).Inc()
	}
	respondData(w, http.StatusOK, approval)
}

// enrichMetadata fills request-derived fields the client did not supply.
func enrichMetadata(r *http.Request, md suspicious.Metadata) suspicious.Metadata {
	if md.IPAddress == "" {
		md.IPAddress = clientAddress(r)
	}
	if md.UserAgent == "" {
		md.UserAgent = r.UserAgent()
	}
	return md
}

// handleBudgetLimitsGet returns the caller's caps and any pending change.
func (s *Server) handleBudgetLimitsGet(w http.ResponseWriter, r *http.Request) {
	userID := IdentityFrom(r.Context()).UserID
	limits, err := s.engine.Limits(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	pending, err := s.engine.PendingChange(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"limits":        limits,
		"pendingChange": pending,
	})
}

// handleBudgetLimitsUpdate applies or parks a limit change.
func (s *Server) handleBudgetLimitsUpdate(w http.ResponseWriter, r *http.Request) {
	var update budget.LimitUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, apperr.Validation("invalid limits body"))
		return
	}

	limits, pending, err := s.engine.UpdateLimits(r.Context(), IdentityFrom(r.Context()).UserID, update)
	if err != nil {
		respondError(w, apperr.Wrap(apperr.KindValidation, "validation_error", err.Error(), err))
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"limits":               limits,
		"confirmationRequired": pending,
	})
}

// handleBudgetConfirm accepts or rejects a parked limit change.
func (s *Server) handleBudgetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid confirmation body"))
		return
	}

	limits, err := s.engine.ConfirmLimitChange(r.Context(), IdentityFrom(r.Context()).UserID, req.Accept)
	if err != nil {
		respondError(w, apperr.Wrap(apperr.KindValidation, "validation_error", err.Error(), err))
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"limits":   limits,
		"accepted": req.Accept,
	})
}

// handleBudgetStatus returns the caller's tracker and stop state.
func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	userID := IdentityFrom(r.Context()).UserID
	tracker, err := s.engine.Tracker(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	stop, err := s.engine.ActiveStop(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"tracker":       tracker,
		"emergencyStop": stop,
	})
}

// handleEmergencyStop lets the caller halt their own spending.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.Validation("invalid emergency-stop body"))
		return
	}
	if req.Reason == "" {
		req.Reason = "user requested"
	}

	stop, err := s.engine.TriggerEmergencyStop(r.Context(), IdentityFrom(r.Context()).UserID, req.Reason, "user")
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, stop)
}

// handleEmergencyResolve lifts the caller's active stop.
func (s *Server) handleEmergencyResolve(w http.ResponseWriter, r *http.Request) {
	userID := IdentityFrom(r.Context()).UserID
	if err := s.engine.ResolveEmergencyStop(r.Context(), userID, mux.Vars(r)["id"], userID); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "resolved"})
}
