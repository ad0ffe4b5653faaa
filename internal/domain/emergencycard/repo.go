package emergencycard

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists cards and their access logs.
type Repository interface {
	// WithPatientLock runs fn while holding the patient's mutual-exclusion
	// scope. Lifecycle changes for one patient never interleave.
	WithPatientLock(ctx context.Context, patientID uuid.UUID, fn func(ctx context.Context) error) error
	// Create inserts a card. A duplicate access code yields ErrAccessCodeConflict.
	Create(ctx context.Context, card *EmergencyCard) error
	// GetCurrentByPatient returns the newest active, unexpired card or ErrNotFound.
	GetCurrentByPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (*EmergencyCard, error)
	// GetByAccessCode is an exact, case-sensitive lookup returning ErrNotFound on miss.
	GetByAccessCode(ctx context.Context, code string) (*EmergencyCard, error)
	// ListByPatient returns every card for the patient, newest first, with logs.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*EmergencyCard, error)
	// UpdateSettings writes access level and active flag. It cannot reactivate.
	UpdateSettings(ctx context.Context, card *EmergencyCard) error
	// DeactivateAll clears isActive on every active card of the patient.
	DeactivateAll(ctx context.Context, patientID uuid.UUID) (int, error)
	// AppendAccessLog atomically appends one entry to the card's log.
	AppendAccessLog(ctx context.Context, cardID uuid.UUID, entry AccessLogEntry) error
}
