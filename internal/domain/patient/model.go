package patient

import (
	"time"

	"github.com/google/uuid"
)

// Record is the slice of the patient chart the card subsystem reads.
type Record struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	Name              string            `db:"name" json:"name"`
	DateOfBirth       *time.Time        `db:"date_of_birth" json:"dateOfBirth,omitempty"`
	Gender            *string           `db:"gender" json:"gender,omitempty"`
	ContactNumber     *string           `db:"contact_number" json:"contactNumber,omitempty"`
	HealthID          *string           `db:"health_id" json:"healthId,omitempty"`
	EmergencyContact  *EmergencyContact `db:"emergency_contact" json:"emergencyContact,omitempty"`
	Address           *Address          `db:"address" json:"address,omitempty"`
	BloodGroup        *string           `db:"blood_group" json:"bloodGroup,omitempty"`
	Allergies         []string          `db:"allergies" json:"allergies"`
	ChronicConditions []string          `db:"chronic_conditions" json:"chronicConditions"`
	Medications       []Medication      `db:"medications" json:"medications"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
}

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type Medication struct {
	Name      string     `json:"name"`
	Dosage    string     `json:"dosage,omitempty"`
	Frequency string     `json:"frequency,omitempty"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// CurrentMedications returns medications without an end date or ending after now.
func (r *Record) CurrentMedications(now time.Time) []Medication {
	out := make([]Medication, 0, len(r.Medications))
	for _, m := range r.Medications {
		if m.EndDate == nil || m.EndDate.After(now) {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Record) Clone() *Record {
	c := *r
	if r.DateOfBirth != nil {
		d := *r.DateOfBirth
		c.DateOfBirth = &d
	}
	c.Gender = cloneString(r.Gender)
	c.ContactNumber = cloneString(r.ContactNumber)
	c.HealthID = cloneString(r.HealthID)
	c.BloodGroup = cloneString(r.BloodGroup)
	if r.EmergencyContact != nil {
		ec := *r.EmergencyContact
		c.EmergencyContact = &ec
	}
	if r.Address != nil {
		a := *r.Address
		c.Address = &a
	}
	c.Allergies = append([]string(nil), r.Allergies...)
	c.ChronicConditions = append([]string(nil), r.ChronicConditions...)
	c.Medications = append([]Medication(nil), r.Medications...)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
