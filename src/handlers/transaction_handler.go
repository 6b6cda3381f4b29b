package handlers

import (
	"fmt"
	"net/http"

	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/models"
	"github.com/username/cryptotaxcalc/backend/src/services"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

type TransactionHandler struct {
	uploadService services.UploadService
}

func NewTransactionHandler(uploadService services.UploadService) *TransactionHandler {
	return &TransactionHandler{uploadService: uploadService}
}

// HandleGetTransactions returns the stored history, oldest first, with an
// ETag so unchanged histories answer 304.
func (h *TransactionHandler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.uploadService.GetTransactions()
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("error querying transactions: %v", err), http.StatusInternalServerError)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}

	payload := map[string]any{
		"total": len(transactions),
		"items": transactions,
	}

	etag, err := utils.GenerateETag(payload)
	if err != nil {
		logger.L.Warn("Failed to generate transactions ETag", "error", err)
	} else {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}

	utils.SendJSON(w, payload, http.StatusOK)
}
