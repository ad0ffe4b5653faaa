package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ecard/internal/config"
	"github.com/ehr/ecard/internal/domain/emergencycard"
	"github.com/ehr/ecard/internal/domain/patient"
	"github.com/ehr/ecard/internal/platform/auth"
	"github.com/ehr/ecard/internal/platform/db"
	"github.com/ehr/ecard/internal/platform/middleware"
	"github.com/ehr/ecard/internal/platform/qrcode"
	"github.com/ehr/ecard/internal/platform/telemetry"
	"github.com/ehr/ecard/internal/platform/websocket"
	"github.com/ehr/ecard/migrations"
)

var version = "0.1.0"

const maxBodySize = "64K"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ecard-server",
		Short: "Emergency access card API server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the emergency card API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationSource(dir)), pool.Close, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.close()

	tp := telemetry.NewProvider(telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	defer tp.Shutdown(context.Background())
	if store.poolStat != nil {
		tp.StartPoolSampler(ctx, store.poolStat)
	}

	e, err := newServer(cfg, logger, store, tp)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// backend bundles the stores selected by STORAGE.
type backend struct {
	cards    emergencycard.Repository
	patients patient.Repository
	health   db.Pinger
	poolStat telemetry.PoolStatFunc
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &backend{
			cards:    emergencycard.NewRepoPG(pool),
			patients: patient.NewRepoPG(pool),
			health:   pool,
			poolStat: func() (int64, int64) {
				s := pool.Stat()
				return int64(s.AcquiredConns()), int64(s.IdleConns())
			},
			close: pool.Close,
		}, nil
	}

	cards := emergencycard.NewMemoryRepo()
	patients := patient.NewMemoryRepo()
	if cfg.IsDev() {
		id, err := uuid.Parse(cfg.DevPatientID)
		if err != nil {
			return nil, fmt.Errorf("parse DEV_PATIENT_ID: %w", err)
		}
		if err := patients.Create(ctx, patient.DemoRecord(id)); err != nil {
			return nil, fmt.Errorf("seed demo patient: %w", err)
		}
		logger.Info().Str("patient_id", id.String()).Msg("seeded demo patient")
	}
	logger.Warn().Msg("using in-memory storage, data is lost on restart")
	return &backend{cards: cards, patients: patients, health: cards, close: func() {}}, nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, store *backend, tp *telemetry.Provider) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(authMW)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(store.health, cfg.Storage))
	e.GET("/metrics", tp.PrometheusHandler())

	// Live access alerts
	hub := websocket.NewHub(logger)
	hub.OnClientCount(tp.WebSocketClients)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	// Emergency cards
	svc := emergencycard.NewService(store.cards, store.patients, emergencycard.NewHexCodeGenerator(cfg.CardCodeBytes))
	svc.SetLogger(logger)
	svc.SetMetrics(tp)
	svc.SetValidityMonths(cfg.CardValidityMonths)

	gateway := emergencycard.NewGateway(store.cards, store.patients, emergencycard.NewRecorder(store.cards))
	gateway.SetLogger(logger)
	gateway.SetMetrics(tp)
	gateway.SetPublisher(hub)

	api := e.Group("/api/v1", middleware.RateLimit(apiRateLimit(cfg)))
	renderer := qrcode.NewPNGRenderer(cfg.QRSize, cfg.QRTimeout)
	emergencycard.NewHandler(svc, gateway, renderer, cfg.PublicBaseURL).
		RegisterRoutes(api, middleware.RateLimit(publicRateLimit(cfg)))

	return e, nil
}

// authMiddleware verifies bearer tokens. In development, requests without a
// token act as the demo patient.
func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	var verify echo.MiddlewareFunc
	if key != nil || cfg.AuthJWKSURL != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(cfg.DevPatientID, verify), nil
	}
	if verify == nil {
		return nil, errors.New("no token verification configured")
	}
	return verify, nil
}

func apiRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	rl.Scope = "api"
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

func publicRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.PublicAccessRateLimitConfig()
	if cfg.PublicRateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.PublicRateLimitRPS
	}
	if cfg.PublicRateLimitBurst > 0 {
		rl.BurstSize = cfg.PublicRateLimitBurst
	}
	return rl
}
