package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/username/cryptotaxcalc/backend/src/security"
	"github.com/username/cryptotaxcalc/backend/src/services"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

type AttestationHandler struct {
	attestation *security.AttestationService
	calcService services.CalcService
}

func NewAttestationHandler(attestation *security.AttestationService, calcService services.CalcService) *AttestationHandler {
	return &AttestationHandler{attestation: attestation, calcService: calcService}
}

type attestationVerifyRequest struct {
	Token string `json:"token"`
}

// HandleVerifyAttestation validates a run attestation token's signature
// and checks its embedded digests against the stored digest set.
func (h *AttestationHandler) HandleVerifyAttestation(w http.ResponseWriter, r *http.Request) {
	var req attestationVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		utils.SendJSONError(w, "request body must be JSON with a 'token' field", http.StatusBadRequest)
		return
	}

	runID, claimed, err := h.attestation.ValidateRunToken(req.Token)
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("invalid attestation token: %v", err), http.StatusUnauthorized)
		return
	}

	_, stored, err := h.calcService.GetRun(runID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			utils.SendJSONError(w, fmt.Sprintf("run %s not found", runID), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("error loading run: %v", err), http.StatusInternalServerError)
		return
	}

	match := stored != nil &&
		stored.InputHash == claimed.InputHash &&
		stored.OutputHash == claimed.OutputHash &&
		stored.ManifestHash == claimed.ManifestHash

	utils.SendJSON(w, map[string]any{
		"run_id":  runID,
		"match":   match,
		"claimed": claimed,
		"stored":  stored,
	}, http.StatusOK)
}
