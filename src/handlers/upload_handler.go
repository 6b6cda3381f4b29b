package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/username/cryptotaxcalc/backend/src/config"
	"github.com/username/cryptotaxcalc/backend/src/logger"
	"github.com/username/cryptotaxcalc/backend/src/services"
	"github.com/username/cryptotaxcalc/backend/src/utils"
)

type UploadHandler struct {
	uploadService services.UploadService
}

func NewUploadHandler(uploadService services.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

func (h *UploadHandler) openUpload(w http.ResponseWriter, r *http.Request) (multipartFile, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, config.Cfg.MaxUploadSizeBytes)
	if err := r.ParseMultipartForm(config.Cfg.MaxUploadSizeBytes); err != nil {
		utils.SendJSONError(w, fmt.Sprintf("error parsing multipart form: %v", err), http.StatusBadRequest)
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.SendJSONError(w, "missing 'file' form field", http.StatusBadRequest)
		return nil, "", false
	}
	return file, header.Filename, true
}

// HandlePreviewCSV parses and validates an uploaded CSV without persisting.
func (h *UploadHandler) HandlePreviewCSV(w http.ResponseWriter, r *http.Request) {
	file, filename, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	result, err := h.uploadService.PreviewCSV(file, filename)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrParsingFailed) {
			status = http.StatusBadRequest
		}
		utils.SendJSONError(w, fmt.Sprintf("error previewing CSV: %v", err), status)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleImportCSV persists valid rows from an uploaded CSV, skipping
// duplicates by content hash.
func (h *UploadHandler) HandleImportCSV(w http.ResponseWriter, r *http.Request) {
	file, filename, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	result, err := h.uploadService.ImportCSV(file, filename)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrParsingFailed) {
			status = http.StatusBadRequest
		}
		utils.SendJSONError(w, fmt.Sprintf("error importing CSV: %v", err), status)
		return
	}
	logger.L.Info("CSV imported", "filename", filename, "inserted", result.Inserted)
	utils.SendJSON(w, result, http.StatusOK)
}

// multipartFile keeps the handler signatures tidy.
type multipartFile interface {
	Read(p []byte) (n int, err error)
	Close() error
}
