package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ecard/internal/config"
	"github.com/ehr/ecard/internal/domain/patient"
	"github.com/ehr/ecard/internal/platform/auth"
	"github.com/ehr/ecard/internal/platform/telemetry"
)

const devPatient = "00000000-0000-4000-8000-000000000001"

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		Storage:            "memory",
		DevPatientID:       devPatient,
		PublicBaseURL:      "http://localhost:8000/api/v1",
		CardCodeBytes:      10,
		CardValidityMonths: 12,
		QRTimeout:          2 * time.Second,
		QRSize:             128,
		RequestTimeout:     5 * time.Second,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*echo.Echo, *backend, *telemetry.Provider) {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	store, err := openBackend(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	tp := telemetry.NewProvider(telemetry.Config{})
	e, err := newServer(cfg, zerolog.Nop(), store, tp)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return e, store, tp
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func issueCard(t *testing.T, e *echo.Echo, token string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/emergency-card", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get card: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	card := decodeBody(t, rec)["emergencyCard"].(map[string]interface{})
	return card["accessCode"].(string)
}

func TestServer_DevFlow(t *testing.T) {
	e, _, _ := newTestApp(t, testConfig())

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "no-store") {
		t.Error("expected no-store caching")
	}

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health/db: expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["storage"] != "memory" {
		t.Errorf("expected memory storage, got %v", body["storage"])
	}

	code := issueCard(t, e, "")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/emergency-access/"+code, nil)
	rec = serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("public access: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/emergency-access/0123456789ABCDEF0123", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown code: expected 404, got %d", rec.Code)
	}

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	metrics := rec.Body.String()
	for _, want := range []string{
		`emergency_access_total{outcome="granted"} 1`,
		`emergency_access_total{outcome="denied"} 1`,
		`emergency_card_operations_total{operation="issue"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if strings.Contains(metrics, code) {
		t.Error("metrics leak the access code")
	}
}

func TestServer_JWTAuth(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cfg := testConfig()
	cfg.Env = "staging"
	cfg.AuthSigningKey = hex.EncodeToString(key)
	e, store, _ := newTestApp(t, cfg)

	pid := uuid.New()
	if err := store.patients.Create(context.Background(), patient.DemoRecord(pid)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/emergency-card", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/emergency-access/0123456789ABCDEF0123", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("public route should skip auth, got %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:     []string{auth.RolePatient},
		PatientID: pid.String(),
	}).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	code := issueCard(t, e, token)
	if len(code) != 20 {
		t.Errorf("expected 20-char code, got %q", code)
	}
}

func TestServer_AccessIPFollowsTrustProxy(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		wantIP     string
	}{
		{"direct peer", false, "10.0.0.1"},
		{"trusted proxy", true, "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.TrustProxy = tt.trustProxy
			e, _, _ := newTestApp(t, cfg)
			code := issueCard(t, e, "")

			req := httptest.NewRequest(http.MethodGet, "/api/v1/emergency-access/"+code, nil)
			req.RemoteAddr = "10.0.0.1:4000"
			req.Header.Set(echo.HeaderXForwardedFor, "203.0.113.9")
			if rec := serve(e, req); rec.Code != http.StatusOK {
				t.Fatalf("access: expected 200, got %d", rec.Code)
			}

			rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/v1/emergency-card/logs", nil))
			entries := decodeBody(t, rec)["data"].([]interface{})
			if len(entries) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(entries))
			}
			if got := entries[0].(map[string]interface{})["accessIp"]; got != tt.wantIP {
				t.Errorf("expected ip %s, got %v", tt.wantIP, got)
			}
		})
	}
}

func TestAuthMiddleware_RequiresVerifierOutsideDev(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	if _, err := authMiddleware(cfg); err == nil {
		t.Fatal("expected error without signing key or JWKS URL")
	}

	cfg.AuthSigningKey = "not-hex"
	if _, err := authMiddleware(cfg); err == nil {
		t.Fatal("expected error for invalid signing key")
	}
}

func TestRateLimitConfigs(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 5
	cfg.PublicRateLimitBurst = 3

	api := apiRateLimit(cfg)
	if api.RequestsPerSecond != 5 || api.BurstSize != 200 || api.Scope != "api" {
		t.Errorf("unexpected api limit: %+v", api)
	}
	public := publicRateLimit(cfg)
	if public.RequestsPerSecond != 1 || public.BurstSize != 3 || public.Scope != "public" {
		t.Errorf("unexpected public limit: %+v", public)
	}
}

func TestMigrationSource(t *testing.T) {
	if _, err := fs.ReadFile(migrationSource(""), "002_emergency_card.sql"); err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "010_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := fs.ReadFile(migrationSource(dir), "010_extra.sql")
	if err != nil || string(data) != "SELECT 1;" {
		t.Fatalf("dir migrations: %q, %v", data, err)
	}
}

func TestRootCmd(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate", "up"}, {"migrate", "status"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found: %v", path, err)
			continue
		}
		if len(path) == 2 {
			if f := cmd.Flags().Lookup("schema"); f == nil || f.DefValue != "public" {
				t.Errorf("%v: expected --schema defaulting to public", path)
			}
		}
	}
}
