package emergencycard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ecard/internal/platform/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	accessCodeConstraint  = "emergency_card_access_code_key"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cardCols = `id, patient_id, access_code, access_level, is_active, expires_at, created_at, updated_at`

func scanCard(row pgx.Row) (*EmergencyCard, error) {
	var c EmergencyCard
	err := row.Scan(&c.ID, &c.PatientID, &c.AccessCode, &c.AccessLevel, &c.IsActive,
		&c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *repoPG) WithPatientLock(ctx context.Context, patientID uuid.UUID, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1::text))`, patientID.String()); err != nil {
			return fmt.Errorf("lock patient cards: %w", err)
		}
		return fn(ctx)
	})
}

// Create runs the insert in its own savepoint so a code conflict leaves an
// enclosing transaction usable for the retry.
func (r *repoPG) Create(ctx context.Context, c *EmergencyCard) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin card insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO emergency_card (id, patient_id, access_code, access_level, is_active,
			expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.PatientID, c.AccessCode, c.AccessLevel, c.IsActive,
		c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == accessCodeConstraint {
			return ErrAccessCodeConflict
		}
		return fmt.Errorf("insert emergency card: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit card insert: %w", err)
	}
	return nil
}

func (r *repoPG) GetCurrentByPatient(ctx context.Context, patientID uuid.UUID, now time.Time) (*EmergencyCard, error) {
	c, err := scanCard(r.conn(ctx).QueryRow(ctx, `
		SELECT `+cardCols+` FROM emergency_card
		WHERE patient_id = $1 AND is_active AND expires_at > $2
		ORDER BY created_at DESC LIMIT 1`, patientID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get current card: %w", err)
	}
	if err := attachLogs(ctx, r.conn(ctx), []*EmergencyCard{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// GetByAccessCode loads the card without its access log.
func (r *repoPG) GetByAccessCode(ctx context.Context, code string) (*EmergencyCard, error) {
	c, err := scanCard(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cardCols+` FROM emergency_card WHERE access_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card by code: %w", err)
	}
	return c, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*EmergencyCard, error) {
	q := r.conn(ctx)
	rows, err := q.Query(ctx, `
		SELECT `+cardCols+` FROM emergency_card
		WHERE patient_id = $1 ORDER BY created_at DESC, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []*EmergencyCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	if err := attachLogs(ctx, q, cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// attachLogs loads the access logs of cards in insertion order.
func attachLogs(ctx context.Context, q db.Querier, cards []*EmergencyCard) error {
	if len(cards) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*EmergencyCard, len(cards))
	ids := make([]uuid.UUID, 0, len(cards))
	for _, c := range cards {
		c.AccessLog = []AccessLogEntry{}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT card_id, accessed_at, accessed_by, access_ip, notes
		FROM emergency_card_access_log
		WHERE card_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("list access logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cardID uuid.UUID
		var e AccessLogEntry
		if err := rows.Scan(&cardID, &e.AccessedAt, &e.AccessedBy, &e.AccessIP, &e.Notes); err != nil {
			return fmt.Errorf("scan access log: %w", err)
		}
		if c, ok := byID[cardID]; ok {
			c.AccessLog = append(c.AccessLog, e)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list access logs: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateSettings(ctx context.Context, c *EmergencyCard) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE emergency_card SET access_level = $2, is_active = $3, updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`,
		c.ID, c.AccessLevel, c.IsActive).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update card settings: %w", err)
	}
	return nil
}

func (r *repoPG) DeactivateAll(ctx context.Context, patientID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency_card SET is_active = FALSE, updated_at = NOW()
		WHERE patient_id = $1 AND is_active`, patientID)
	if err != nil {
		return 0, fmt.Errorf("deactivate cards: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendAccessLog is a single INSERT. Concurrent readers of one card each
// get their own row.
func (r *repoPG) AppendAccessLog(ctx context.Context, cardID uuid.UUID, e AccessLogEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergency_card_access_log (card_id, accessed_at, accessed_by, access_ip, notes)
		VALUES ($1,$2,$3,$4,$5)`,
		cardID, e.AccessedAt, e.AccessedBy, e.AccessIP, e.Notes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrNotFound
		}
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}
