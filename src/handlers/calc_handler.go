package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/username/cryptotaxcalc/backend/src/services"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

type CalcHandler struct {
	calcService services.CalcService
}

func NewCalcHandler(calcService services.CalcService) *CalcHandler {
	return &CalcHandler{calcService: calcService}
}

// HandleRunCalculation replays the stored history through the FIFO engine
// and returns realized events, summaries, warnings and the run's digests.
func (h *CalcHandler) HandleRunCalculation(w http.ResponseWriter, r *http.Request) {
	result, err := h.calcService.RunCalculation()
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("calculation failed: %v", err), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleGetLatestResult serves the cached result of the most recent run.
func (h *CalcHandler) HandleGetLatestResult(w http.ResponseWriter, r *http.Request) {
	result, found := h.calcService.LatestResult()
	if !found {
		utils.SendJSONError(w, "no cached run result; POST /api/calculate first", http.StatusNotFound)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

func (h *CalcHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.calcService.ListRuns()
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("error listing runs: %v", err), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, map[string]any{"items": runs}, http.StatusOK)
}

func (h *CalcHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, digests, err := h.calcService.GetRun(runID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			utils.SendJSONError(w, fmt.Sprintf("run %s not found", runID), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("error loading run: %v", err), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, map[string]any{"run": run, "digests": digests}, http.StatusOK)
}

// HandleVerifyRun recomputes a run's digests and reports drift. Mismatch
// is a 200 with match=false: an expected, meaningful outcome.
func (h *CalcHandler) HandleVerifyRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	result, err := h.calcService.VerifyRun(runID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) || errors.Is(err, services.ErrNoDigests) {
			utils.SendJSONError(w, fmt.Sprintf("verification unavailable: %v", err), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("error verifying run: %v", err), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}
