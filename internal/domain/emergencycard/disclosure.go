package emergencycard

import (
	"time"

	"github.com/ehr/ecard/internal/domain/patient"
)

const unknown = "Unknown"

// Disclosure is what an anonymous reader of a card may see. It is built
// field by field from the patient record; nothing is copied wholesale.
// Absent values are rendered as null, [] or "Unknown", never omitted.
type Disclosure struct {
	PatientName       string                    `json:"patientName"`
	BloodGroup        string                    `json:"bloodGroup"`
	HealthID          *string                   `json:"healthId"`
	EmergencyContact  *patient.EmergencyContact `json:"emergencyContact"`
	Allergies         []string                  `json:"allergies"`
	ChronicConditions []string                  `json:"chronicConditions"`

	*ExtendedInfo
}

// ExtendedInfo is added to the disclosure only at AccessLevelFull.
type ExtendedInfo struct {
	DateOfBirth   *string              `json:"dateOfBirth"`
	Gender        string               `json:"gender"`
	Medications   []patient.Medication `json:"medications"`
	ContactNumber *string              `json:"contactNumber"`
	Address       *patient.Address     `json:"address"`
}

// Disclose applies the safelist for level. Any level other than full gets
// the basic set.
func Disclose(rec *patient.Record, level AccessLevel, now time.Time) Disclosure {
	d := Disclosure{
		PatientName:       rec.Name,
		BloodGroup:        orUnknown(rec.BloodGroup),
		HealthID:          copyString(rec.HealthID),
		Allergies:         copyStrings(rec.Allergies),
		ChronicConditions: copyStrings(rec.ChronicConditions),
	}
	if rec.EmergencyContact != nil {
		ec := *rec.EmergencyContact
		d.EmergencyContact = &ec
	}
	if level != AccessLevelFull {
		return d
	}

	ext := &ExtendedInfo{
		Gender:        orUnknown(rec.Gender),
		Medications:   rec.CurrentMedications(now),
		ContactNumber: copyString(rec.ContactNumber),
	}
	if rec.DateOfBirth != nil {
		dob := rec.DateOfBirth.Format("2006-01-02")
		ext.DateOfBirth = &dob
	}
	if rec.Address != nil {
		a := *rec.Address
		ext.Address = &a
	}
	d.ExtendedInfo = ext
	return d
}

func orUnknown(s *string) string {
	if s == nil || *s == "" {
		return unknown
	}
	return *s
}

func copyString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
