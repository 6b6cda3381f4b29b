package services

import (
	"encoding/json"
	"time"

	"github.com/username/cryptotaxcalc/backend/src/database"
	"github.com/username/cryptotaxcalc/backend/src/logger"
)

// Audit appends one row to the audit log. Failures are logged and
// swallowed: the audit trail must never take down the operation it
// documents.
func Audit(actor, action, targetType, targetID string, details map[string]any) {
	ts := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	detailsJSON := "{}"
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}
	_, err := database.DB.Exec(
		`INSERT INTO audit_log (actor, action, target_type, target_id, details_json, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		actor, action, targetType, targetID, detailsJSON, ts,
	)
	if err != nil && logger.L != nil {
		logger.L.Error("Failed to write audit log entry", "action", action, "error", err)
	}
}
