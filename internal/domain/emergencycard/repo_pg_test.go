package emergencycard

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ecard/internal/domain/patient"
	"github.com/ehr/ecard/internal/platform/db"
	"github.com/ehr/ecard/migrations"
)

// pgTestPool migrates a throwaway schema and returns a pool bound to it.
// The test is skipped when TEST_DATABASE_URL is unset.
func pgTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "ecard_test_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")

	admin, err := db.NewPool(ctx, url, 4, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		admin.Close()
	})
	if _, err := db.NewMigrator(admin, migrations.FS).Up(ctx, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.MaxConns = 8
	cfg.ConnConfig.RuntimeParams["search_path"] = schema + ", public"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRepoPG_Lifecycle(t *testing.T) {
	pool := pgTestPool(t)
	ctx := context.Background()

	patients := patient.NewRepoPG(pool)
	rec := patient.DemoRecord(uuid.New())
	if err := patients.Create(ctx, rec); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	loaded, err := patients.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if loaded.EmergencyContact == nil || loaded.EmergencyContact.Name != "Alex Demo" {
		t.Errorf("emergency contact did not round trip: %+v", loaded.EmergencyContact)
	}
	if len(loaded.Medications) != 1 || loaded.Medications[0].Name != "salbutamol" {
		t.Errorf("medications did not round trip: %+v", loaded.Medications)
	}

	cards := NewRepoPG(pool)
	svc := NewService(cards, patients, NewHexCodeGenerator(DefaultCodeBytes))
	gw := NewGateway(cards, patients, NewRecorder(cards))

	card, err := svc.GetOrCreate(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	again, err := svc.GetOrCreate(ctx, rec.ID)
	if err != nil || again.ID != card.ID {
		t.Fatalf("expected same card, got %v (%v)", again, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := gw.Access(ctx, AccessRequest{Code: card.AccessCode, SourceIP: "192.0.2.1"}); err != nil {
			t.Fatalf("access %d: %v", i, err)
		}
	}

	next, err := svc.Regenerate(ctx, rec.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if _, err := gw.Access(ctx, AccessRequest{Code: card.AccessCode}); !errors.Is(err, ErrInvalidOrExpired) {
		t.Errorf("expected old code to fail, got %v", err)
	}

	history, err := svc.ListHistory(ctx, rec.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != next.ID {
		t.Fatalf("unexpected history: %d cards", len(history))
	}
	if len(history[1].AccessLog) != 3 {
		t.Errorf("expected 3 log entries on the first card, got %d", len(history[1].AccessLog))
	}
}

func TestRepoPG_Constraints(t *testing.T) {
	pool := pgTestPool(t)
	ctx := context.Background()

	rec := patient.DemoRecord(uuid.New())
	if err := patient.NewRepoPG(pool).Create(ctx, rec); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	cards := NewRepoPG(pool)
	now := time.Now().UTC()
	card := &EmergencyCard{
		PatientID: rec.ID, AccessCode: "ABCDEF012345", AccessLevel: AccessLevelBasic,
		IsActive: true, ExpiresAt: now.AddDate(1, 0, 0), CreatedAt: now, UpdatedAt: now,
	}
	if err := cards.Create(ctx, card); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := *card
	dup.ID = uuid.Nil
	dup.IsActive = false
	if err := cards.Create(ctx, &dup); !errors.Is(err, ErrAccessCodeConflict) {
		t.Errorf("expected ErrAccessCodeConflict, got %v", err)
	}

	// A conflict inside a transaction must leave it usable.
	err := cards.WithPatientLock(ctx, rec.ID, func(ctx context.Context) error {
		clash := dup
		clash.ID = uuid.Nil
		if err := cards.Create(ctx, &clash); !errors.Is(err, ErrAccessCodeConflict) {
			t.Errorf("expected conflict in tx, got %v", err)
		}
		_, err := cards.GetByAccessCode(ctx, card.AccessCode)
		return err
	})
	if err != nil {
		t.Fatalf("transaction after conflict: %v", err)
	}

	if err := cards.AppendAccessLog(ctx, card.ID, AccessLogEntry{
		AccessedAt: now, AccessedBy: DefaultAccessedBy, Notes: DefaultNotes,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE emergency_card_access_log SET accessed_by = 'x'`); err == nil {
		t.Error("expected access log update to be rejected")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM emergency_card_access_log`); err == nil {
		t.Error("expected access log delete to be rejected")
	}
	if _, err := pool.Exec(ctx, `UPDATE emergency_card SET access_code = 'FFFFFFFFFFFF' WHERE id = $1`, card.ID); err == nil {
		t.Error("expected access code change to be rejected")
	}

	if _, err := cards.DeactivateAll(ctx, rec.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	card.IsActive = true
	if err := cards.UpdateSettings(ctx, card); err == nil {
		t.Error("expected reactivation to be rejected")
	}
	if err := cards.AppendAccessLog(ctx, uuid.New(), AccessLogEntry{AccessedBy: "x", Notes: "y"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown card, got %v", err)
	}
}

func TestRepoPG_ConcurrentRegenerate(t *testing.T) {
	pool := pgTestPool(t)
	ctx := context.Background()

	patients := patient.NewRepoPG(pool)
	rec := patient.DemoRecord(uuid.New())
	if err := patients.Create(ctx, rec); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	svc := NewService(NewRepoPG(pool), patients, NewHexCodeGenerator(DefaultCodeBytes))

	const workers = 12
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Regenerate(ctx, rec.ID); err != nil {
				t.Errorf("regenerate: %v", err)
			}
		}()
	}
	wg.Wait()

	var active int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM emergency_card WHERE patient_id = $1 AND is_active`, rec.ID).Scan(&active); err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected 1 active card, got %d", active)
	}
}
