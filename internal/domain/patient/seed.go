package patient

import (
	"time"

	"github.com/google/uuid"
)

// DemoRecord builds the development patient bound to the dev identity.
func DemoRecord(id uuid.UUID) *Record {
	dob := time.Date(1986, time.March, 14, 0, 0, 0, 0, time.UTC)
	started := time.Date(2023, time.January, 9, 0, 0, 0, 0, time.UTC)
	gender := "female"
	phone := "+1-555-0100"
	healthID := "HID-DEMO-0001"
	blood := "O+"
	return &Record{
		ID:            id,
		Name:          "Demo Patient",
		DateOfBirth:   &dob,
		Gender:        &gender,
		ContactNumber: &phone,
		HealthID:      &healthID,
		EmergencyContact: &EmergencyContact{
			Name:         "Alex Demo",
			Relationship: "spouse",
			Phone:        "+1-555-0101",
		},
		Address: &Address{
			Street:     "1 Example Way",
			City:       "Springfield",
			State:      "IL",
			PostalCode: "62701",
			Country:    "US",
		},
		BloodGroup:        &blood,
		Allergies:         []string{"penicillin"},
		ChronicConditions: []string{"asthma"},
		Medications: []Medication{
			{Name: "salbutamol", Dosage: "100mcg", Frequency: "as needed", StartDate: &started},
		},
	}
}
