package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no patient has the requested id.
var ErrNotFound = errors.New("patient not found")

// Reader is the read-only view of the patient store.
type Reader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
}

type Repository interface {
	Reader
	Create(ctx context.Context, r *Record) error
}
