package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// MinCodeBytes is the smallest accepted access-code entropy (48 bits).
const MinCodeBytes = 6

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	Storage              string        `mapstructure:"STORAGE"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	DevPatientID         string        `mapstructure:"DEV_PATIENT_ID"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS         float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int           `mapstructure:"RATE_LIMIT_BURST"`
	PublicRateLimitRPS   float64       `mapstructure:"PUBLIC_RATE_LIMIT_RPS"`
	PublicRateLimitBurst int           `mapstructure:"PUBLIC_RATE_LIMIT_BURST"`
	PublicBaseURL        string        `mapstructure:"PUBLIC_BASE_URL"`
	CardCodeBytes        int           `mapstructure:"CARD_CODE_BYTES"`
	CardValidityMonths   int           `mapstructure:"CARD_VALIDITY_MONTHS"`
	QRTimeout            time.Duration `mapstructure:"QR_TIMEOUT"`
	QRSize               int           `mapstructure:"QR_SIZE"`
	TrustProxy           bool          `mapstructure:"TRUST_PROXY"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled           bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile          string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile           string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_PATIENT_ID",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"PUBLIC_RATE_LIMIT_RPS", "PUBLIC_RATE_LIMIT_BURST", "PUBLIC_BASE_URL",
	"CARD_CODE_BYTES", "CARD_VALIDITY_MONTHS", "QR_TIMEOUT", "QR_SIZE",
	"TRUST_PROXY", "REQUEST_TIMEOUT", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEV_PATIENT_ID", "00000000-0000-4000-8000-000000000001")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("PUBLIC_RATE_LIMIT_RPS", 1)
	v.SetDefault("PUBLIC_RATE_LIMIT_BURST", 10)
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000/api/v1")
	v.SetDefault("CARD_CODE_BYTES", 10)
	v.SetDefault("CARD_VALIDITY_MONTHS", 12)
	v.SetDefault("QR_TIMEOUT", "2s")
	v.SetDefault("QR_SIZE", 256)
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" && len(cfg.CORSOrigins) <= 1 {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	cfg.Storage = strings.ToLower(cfg.Storage)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether cards and patients live in PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.Storage == "postgres"
}

// SigningKey decodes AUTH_SIGNING_KEY. It returns nil when unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set so tokens are verified.
func (c *Config) Validate() error {
	switch c.Storage {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE is \"postgres\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORAGE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORAGE must be \"postgres\" or \"memory\", got %q", c.Storage)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if key != nil && len(key) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	if c.IsDev() {
		if _, err := uuid.Parse(c.DevPatientID); err != nil {
			return fmt.Errorf("DEV_PATIENT_ID is not a valid UUID: %w", err)
		}
	}

	if c.CardCodeBytes < MinCodeBytes {
		return fmt.Errorf("CARD_CODE_BYTES must be at least %d, got %d", MinCodeBytes, c.CardCodeBytes)
	}
	if c.CardCodeBytes > 32 {
		return fmt.Errorf("CARD_CODE_BYTES must be at most 32, got %d", c.CardCodeBytes)
	}
	if c.CardValidityMonths < 1 {
		return fmt.Errorf("CARD_VALIDITY_MONTHS must be positive, got %d", c.CardValidityMonths)
	}

	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.PublicBaseURL)
	}

	if c.QRTimeout <= 0 {
		return fmt.Errorf("QR_TIMEOUT must be positive, got %s", c.QRTimeout)
	}
	if c.QRSize < 64 {
		return fmt.Errorf("QR_SIZE must be at least 64 pixels, got %d", c.QRSize)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
