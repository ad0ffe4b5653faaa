package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ecard/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const patientCols = `id, name, date_of_birth, gender, contact_number, health_id,
	emergency_contact, address, blood_group, allergies, chronic_conditions,
	medications, created_at, updated_at`

func scanPatient(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.Name, &r.DateOfBirth, &r.Gender, &r.ContactNumber, &r.HealthID,
		&r.EmergencyContact, &r.Address, &r.BloodGroup, &r.Allergies, &r.ChronicConditions,
		&r.Medications, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (p *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanPatient(db.Conn(ctx, p.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return r, nil
}

func (p *repoPG) Create(ctx context.Context, r *Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Allergies == nil {
		r.Allergies = []string{}
	}
	if r.ChronicConditions == nil {
		r.ChronicConditions = []string{}
	}
	if r.Medications == nil {
		r.Medications = []Medication{}
	}
	err := db.Conn(ctx, p.pool).QueryRow(ctx, `
		INSERT INTO patient (id, name, date_of_birth, gender, contact_number, health_id,
			emergency_contact, address, blood_group, allergies, chronic_conditions, medications)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		r.ID, r.Name, r.DateOfBirth, r.Gender, r.ContactNumber, r.HealthID,
		r.EmergencyContact, r.Address, r.BloodGroup, r.Allergies, r.ChronicConditions,
		r.Medications).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	return nil
}
