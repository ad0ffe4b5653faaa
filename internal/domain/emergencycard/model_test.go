package emergencycard

import (
	"testing"
	"time"
)

func TestEmergencyCard_IsUsableAndStatus(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		active     bool
		expiresAt  time.Time
		wantUsable bool
		wantStatus string
	}{
		{"active and unexpired", true, now.Add(time.Hour), true, StatusActive},
		{"inactive and unexpired", false, now.Add(time.Hour), false, StatusInactive},
		{"active but expired", true, now.Add(-time.Hour), false, StatusExpired},
		{"inactive and expired", false, now.Add(-time.Hour), false, StatusExpired},
		{"expires exactly now", true, now, false, StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &EmergencyCard{IsActive: tt.active, ExpiresAt: tt.expiresAt}
			if got := c.IsUsable(now); got != tt.wantUsable {
				t.Errorf("IsUsable = %v, want %v", got, tt.wantUsable)
			}
			if got := c.Status(now); got != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestAccessLevel_Valid(t *testing.T) {
	for _, l := range []AccessLevel{AccessLevelBasic, AccessLevelFull} {
		if !l.Valid() {
			t.Errorf("%s should be valid", l)
		}
	}
	for _, l := range []AccessLevel{"", "admin", "FULL"} {
		if l.Valid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestBoundText(t *testing.T) {
	if got := BoundText("  Paramedic Unit 12  ", 128); got != "Paramedic Unit 12" {
		t.Errorf("expected trimmed text, got %q", got)
	}
	if got := BoundText("ééééé", 3); got != "ééé" {
		t.Errorf("expected rune-bounded text, got %q", got)
	}
	if got := BoundText("", 10); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
