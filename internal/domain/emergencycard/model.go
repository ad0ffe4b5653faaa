package emergencycard

import (
	"time"

	"github.com/google/uuid"
)

// AccessLevel selects which disclosure set an anonymous reader receives.
type AccessLevel string

const (
	AccessLevelBasic AccessLevel = "basic"
	AccessLevelFull  AccessLevel = "full"
)

func (l AccessLevel) Valid() bool {
	return l == AccessLevelBasic || l == AccessLevelFull
}

// Card status labels shown in the access log listing.
const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
	StatusExpired  = "Expired"
)

// Defaults applied to log entries when the reader supplies nothing.
const (
	DefaultAccessedBy = "Anonymous"
	DefaultNotes      = "Emergency access"
)

// EmergencyCard binds a patient to a write-once access code.
type EmergencyCard struct {
	ID          uuid.UUID        `db:"id" json:"id"`
	PatientID   uuid.UUID        `db:"patient_id" json:"patientId"`
	AccessCode  string           `db:"access_code" json:"accessCode"`
	AccessLevel AccessLevel      `db:"access_level" json:"accessLevel"`
	IsActive    bool             `db:"is_active" json:"isActive"`
	ExpiresAt   time.Time        `db:"expires_at" json:"expiresAt"`
	AccessLog   []AccessLogEntry `json:"accessLog"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updatedAt"`
}

// IsUsable reports whether the gateway may honour the card at now.
func (c *EmergencyCard) IsUsable(now time.Time) bool {
	return c.IsActive && now.Before(c.ExpiresAt)
}

// Status labels the card for audit display. Expiry wins over the active flag.
func (c *EmergencyCard) Status(now time.Time) string {
	switch {
	case !now.Before(c.ExpiresAt):
		return StatusExpired
	case c.IsActive:
		return StatusActive
	default:
		return StatusInactive
	}
}

func (c *EmergencyCard) Clone() *EmergencyCard {
	cp := *c
	cp.AccessLog = append([]AccessLogEntry(nil), c.AccessLog...)
	return &cp
}

// AccessLogEntry is one anonymous read of a card. Entries are never edited.
type AccessLogEntry struct {
	AccessedAt time.Time `db:"accessed_at" json:"accessedAt"`
	AccessedBy string    `db:"accessed_by" json:"accessedBy"`
	AccessIP   string    `db:"access_ip" json:"accessIp"`
	Notes      string    `db:"notes" json:"notes"`
}

// Settings names the fields Update may change. Nil means leave as is.
type Settings struct {
	AccessLevel *AccessLevel `json:"accessLevel,omitempty"`
	IsActive    *bool        `json:"isActive,omitempty"`
}

// LogView is an access log entry flattened with the card it belongs to.
type LogView struct {
	AccessLogEntry
	CardCode    string      `json:"cardCode"`
	CardStatus  string      `json:"cardStatus"`
	AccessLevel AccessLevel `json:"accessLevel"`
}
