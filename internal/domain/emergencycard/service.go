package emergencycard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ecard/internal/domain/patient"
)

const (
	DefaultValidityMonths = 12
	maxCodeAttempts       = 5
)

// Metrics receives operational counters. *telemetry.Provider satisfies it.
type Metrics interface {
	EmergencyAccess(outcome string)
	CardOperation(op string)
	AccessLogFailure()
	QRRenderFailure()
}

type noopMetrics struct{}

func (noopMetrics) EmergencyAccess(string) {}
func (noopMetrics) CardOperation(string)   {}
func (noopMetrics) AccessLogFailure()      {}
func (noopMetrics) QRRenderFailure()       {}

// Service manages the lifecycle of a patient's emergency cards. At most one
// card per patient is active; every change runs under the patient's lock.
type Service struct {
	cards    Repository
	patients patient.Reader
	codes    CodeGenerator

	logger         zerolog.Logger
	metrics        Metrics
	now            func() time.Time
	validityMonths int
}

func NewService(cards Repository, patients patient.Reader, codes CodeGenerator) *Service {
	return &Service{
		cards:          cards,
		patients:       patients,
		codes:          codes,
		logger:         zerolog.Nop(),
		metrics:        noopMetrics{},
		now:            time.Now,
		validityMonths: DefaultValidityMonths,
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "emergency_card").Logger()
}

func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetClock overrides time.Now.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) SetValidityMonths(months int) {
	if months > 0 {
		s.validityMonths = months
	}
}

// GetOrCreate returns the patient's usable card, issuing one when none exists.
func (s *Service) GetOrCreate(ctx context.Context, patientID uuid.UUID) (*EmergencyCard, error) {
	if err := s.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}

	var card *EmergencyCard
	err := s.cards.WithPatientLock(ctx, patientID, func(ctx context.Context) error {
		now := s.now()
		current, err := s.cards.GetCurrentByPatient(ctx, patientID, now)
		if err == nil {
			card = current
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		// An expired card can still be flagged active.
		if _, err := s.cards.DeactivateAll(ctx, patientID); err != nil {
			return err
		}
		card, err = s.issue(ctx, patientID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return card, nil
}

// Update changes access level and/or active flag on the usable card. It
// never creates a card.
func (s *Service) Update(ctx context.Context, patientID uuid.UUID, in Settings) (*EmergencyCard, error) {
	if in.AccessLevel != nil && !in.AccessLevel.Valid() {
		return nil, &ValidationError{Field: "accessLevel", Message: "must be one of: basic, full"}
	}

	var card *EmergencyCard
	err := s.cards.WithPatientLock(ctx, patientID, func(ctx context.Context) error {
		current, err := s.cards.GetCurrentByPatient(ctx, patientID, s.now())
		if err != nil {
			return err
		}
		if in.AccessLevel != nil {
			current.AccessLevel = *in.AccessLevel
		}
		if in.IsActive != nil {
			current.IsActive = *in.IsActive
		}
		if err := s.cards.UpdateSettings(ctx, current); err != nil {
			return err
		}
		card = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CardOperation("update")
	s.logger.Info().
		Str("event", "emergency_card_updated").
		Str("patient_id", patientID.String()).
		Str("card_id", card.ID.String()).
		Str("access_level", string(card.AccessLevel)).
		Bool("is_active", card.IsActive).
		Msg("emergency card updated")
	return card, nil
}

// Regenerate deactivates every active card of the patient and issues a new
// one with a fresh code and basic access.
func (s *Service) Regenerate(ctx context.Context, patientID uuid.UUID) (*EmergencyCard, error) {
	if err := s.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}

	var (
		card        *EmergencyCard
		deactivated int
	)
	err := s.cards.WithPatientLock(ctx, patientID, func(ctx context.Context) error {
		var err error
		if deactivated, err = s.cards.DeactivateAll(ctx, patientID); err != nil {
			return err
		}
		card, err = s.issue(ctx, patientID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CardOperation("regenerate")
	s.logger.Info().
		Str("event", "emergency_card_regenerated").
		Str("patient_id", patientID.String()).
		Str("card_id", card.ID.String()).
		Str("code_fp", fingerprint(card.AccessCode)).
		Int("deactivated", deactivated).
		Msg("emergency card regenerated")
	return card, nil
}

// ListHistory returns every card issued to the patient, newest first.
func (s *Service) ListHistory(ctx context.Context, patientID uuid.UUID) ([]*EmergencyCard, error) {
	cards, err := s.cards.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, ErrNotFound
	}
	return cards, nil
}

// AccessLogs flattens the access logs of every card, newest entry first.
func (s *Service) AccessLogs(ctx context.Context, patientID uuid.UUID) ([]LogView, error) {
	cards, err := s.ListHistory(ctx, patientID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var views []LogView
	for _, c := range cards {
		status := c.Status(now)
		for _, e := range c.AccessLog {
			views = append(views, LogView{
				AccessLogEntry: e,
				CardCode:       c.AccessCode,
				CardStatus:     status,
				AccessLevel:    c.AccessLevel,
			})
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].AccessedAt.After(views[j].AccessedAt)
	})
	if views == nil {
		views = []LogView{}
	}
	return views, nil
}

// Preview shows the patient what their card currently discloses.
func (s *Service) Preview(ctx context.Context, card *EmergencyCard) (Disclosure, error) {
	rec, err := s.patients.GetByID(ctx, card.PatientID)
	if errors.Is(err, patient.ErrNotFound) {
		return Disclosure{}, ErrPatientNotFound
	}
	if err != nil {
		return Disclosure{}, err
	}
	return Disclose(rec, card.AccessLevel, s.now()), nil
}

func (s *Service) requirePatient(ctx context.Context, patientID uuid.UUID) error {
	_, err := s.patients.GetByID(ctx, patientID)
	if errors.Is(err, patient.ErrNotFound) {
		return ErrPatientNotFound
	}
	return err
}

// issue mints a card, retrying with a fresh code on a code collision.
// Callers hold the patient lock and have deactivated prior cards.
func (s *Service) issue(ctx context.Context, patientID uuid.UUID, now time.Time) (*EmergencyCard, error) {
	now = now.UTC()
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate access code: %w", err)
		}
		card := &EmergencyCard{
			ID:          uuid.New(),
			PatientID:   patientID,
			AccessCode:  code,
			AccessLevel: AccessLevelBasic,
			IsActive:    true,
			ExpiresAt:   now.AddDate(0, s.validityMonths, 0),
			AccessLog:   []AccessLogEntry{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.cards.Create(ctx, card)
		if errors.Is(err, ErrAccessCodeConflict) {
			s.logger.Warn().Int("attempt", attempt).Msg("access code collision, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.CardOperation("issue")
		s.logger.Info().
			Str("event", "emergency_card_issued").
			Str("patient_id", patientID.String()).
			Str("card_id", card.ID.String()).
			Str("code_fp", fingerprint(code)).
			Time("expires_at", card.ExpiresAt).
			Msg("emergency card issued")
		return card, nil
	}
	return nil, fmt.Errorf("issue emergency card: no unique access code after %d attempts", maxCodeAttempts)
}
