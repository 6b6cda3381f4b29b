package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/username/cryptotaxcalc/backend/src/config"
	"github.com/username/cryptotaxcalc/backend/src/services"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

type FxHandler struct {
	fxService services.FxService
}

func NewFxHandler(fxService services.FxService) *FxHandler {
	return &FxHandler{fxService: fxService}
}

// HandleUploadRates imports an EURUSD rates CSV as a new FX batch.
func (h *FxHandler) HandleUploadRates(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.Cfg.MaxUploadSizeBytes)
	if err := r.ParseMultipartForm(config.Cfg.MaxUploadSizeBytes); err != nil {
		utils.SendJSONError(w, fmt.Sprintf("error parsing multipart form: %v", err), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		utils.SendJSONError(w, "missing 'file' form field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	source := r.FormValue("source")
	if source == "" {
		source = "ECB CSV"
	}

	result, err := h.fxService.ImportRates(file, source)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrParsingFailed) {
			status = http.StatusBadRequest
		}
		utils.SendJSONError(w, fmt.Sprintf("error importing FX rates: %v", err), status)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}
