package emergencycard

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the patient has no card, or no valid card for Update.
	ErrNotFound = errors.New("emergency card not found")
	// ErrPatientNotFound means the owning patient record does not exist.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrInvalidOrExpired is the only failure the public gateway reports.
	ErrInvalidOrExpired = errors.New("invalid or expired emergency access code")
	// ErrAccessCodeConflict is a uniqueness violation on access_code. The
	// service retries with a fresh code and never surfaces it.
	ErrAccessCodeConflict = errors.New("access code already exists")
)

// ValidationError reports a caller-correctable input problem on one field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
