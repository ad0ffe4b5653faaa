package emergencycard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ecard/internal/domain/patient"
	"github.com/ehr/ecard/internal/platform/websocket"
)

// EventAccessed is pushed to the owning patient's topic after a grant.
const EventAccessed = "emergency.accessed"

// AccessRequest is one anonymous read. SourceIP is taken from the transport.
type AccessRequest struct {
	Code       string
	AccessedBy string
	Notes      string
	SourceIP   string
}

// AccessResult carries the access level so callers can tell whether the
// extended fields were withheld.
type AccessResult struct {
	AccessLevel   AccessLevel `json:"accessLevel"`
	EmergencyInfo Disclosure  `json:"emergencyInfo"`
}

// Gateway is the unauthenticated entry point: code in, redacted view out.
type Gateway struct {
	cards     Repository
	patients  patient.Reader
	recorder  *Recorder
	publisher websocket.EventPublisher

	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewGateway(cards Repository, patients patient.Reader, recorder *Recorder) *Gateway {
	return &Gateway{
		cards:    cards,
		patients: patients,
		recorder: recorder,
		logger:   zerolog.Nop(),
		metrics:  noopMetrics{},
		now:      time.Now,
	}
}

func (g *Gateway) SetLogger(l zerolog.Logger) {
	g.logger = l.With().Str("component", "emergency_access").Logger()
}

func (g *Gateway) SetMetrics(m Metrics) {
	if m != nil {
		g.metrics = m
	}
}

// SetPublisher enables live access alerts.
func (g *Gateway) SetPublisher(p websocket.EventPublisher) {
	g.publisher = p
}

func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

// Access validates the code, records the read and returns the disclosure.
// Unknown, inactive and expired codes all yield ErrInvalidOrExpired.
func (g *Gateway) Access(ctx context.Context, req AccessRequest) (*AccessResult, error) {
	now := g.now()
	if !wellFormedCode(req.Code) {
		g.deny("malformed", req)
		return nil, ErrInvalidOrExpired
	}

	card, err := g.cards.GetByAccessCode(ctx, req.Code)
	if errors.Is(err, ErrNotFound) {
		g.deny("unknown", req)
		return nil, ErrInvalidOrExpired
	}
	if err != nil {
		g.metrics.EmergencyAccess("error")
		return nil, err
	}
	if !card.IsUsable(now) {
		g.deny(card.Status(now), req)
		return nil, ErrInvalidOrExpired
	}

	rec, err := g.patients.GetByID(ctx, card.PatientID)
	if errors.Is(err, patient.ErrNotFound) {
		g.metrics.EmergencyAccess("error")
		g.logger.Error().
			Str("event", "emergency_access_dangling_patient").
			Str("card_id", card.ID.String()).
			Str("patient_id", card.PatientID.String()).
			Msg("emergency card references a missing patient")
		return nil, ErrPatientNotFound
	}
	if err != nil {
		g.metrics.EmergencyAccess("error")
		return nil, err
	}

	entry, err := g.recorder.Record(ctx, card, AccessLogEntry{
		AccessedAt: now.UTC(),
		AccessedBy: req.AccessedBy,
		AccessIP:   req.SourceIP,
		Notes:      req.Notes,
	})
	if err != nil {
		// The grant stands; the missing audit row is escalated instead.
		g.metrics.AccessLogFailure()
		g.logger.Error().Err(err).
			Str("event", "emergency_access_log_failed").
			Str("card_id", card.ID.String()).
			Str("code_fp", fingerprint(card.AccessCode)).
			Str("ip", req.SourceIP).
			Msg("failed to record emergency access")
	}

	g.metrics.EmergencyAccess("granted")
	g.logger.Info().
		Str("event", "emergency_access_granted").
		Str("card_id", card.ID.String()).
		Str("code_fp", fingerprint(card.AccessCode)).
		Str("access_level", string(card.AccessLevel)).
		Str("accessed_by", entry.AccessedBy).
		Str("ip", req.SourceIP).
		Msg("emergency access granted")
	g.publish(ctx, card, entry)

	return &AccessResult{
		AccessLevel:   card.AccessLevel,
		EmergencyInfo: Disclose(rec, card.AccessLevel, now),
	}, nil
}

func (g *Gateway) deny(reason string, req AccessRequest) {
	g.metrics.EmergencyAccess("denied")
	g.logger.Warn().
		Str("event", "emergency_access_denied").
		Str("reason", reason).
		Str("code_fp", fingerprint(req.Code)).
		Str("ip", req.SourceIP).
		Msg("emergency access denied")
}

type accessedEvent struct {
	CardID      string      `json:"cardId"`
	AccessLevel AccessLevel `json:"accessLevel"`
	AccessedAt  time.Time   `json:"accessedAt"`
	AccessedBy  string      `json:"accessedBy"`
	AccessIP    string      `json:"accessIp"`
	Notes       string      `json:"notes"`
}

func (g *Gateway) publish(ctx context.Context, card *EmergencyCard, e AccessLogEntry) {
	if g.publisher == nil {
		return
	}
	data, err := json.Marshal(accessedEvent{
		CardID:      card.ID.String(),
		AccessLevel: card.AccessLevel,
		AccessedAt:  e.AccessedAt,
		AccessedBy:  e.AccessedBy,
		AccessIP:    e.AccessIP,
		Notes:       e.Notes,
	})
	if err != nil {
		return
	}
	err = g.publisher.Publish(ctx, websocket.Event{
		Type:  EventAccessed,
		Topic: websocket.PatientTopic(card.PatientID),
		Data:  data,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("card_id", card.ID.String()).Msg("failed to publish access event")
	}
}
