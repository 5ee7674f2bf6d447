package main

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/giantswarm/mcp-oauth-tenant/instrumentation"
	"github.com/giantswarm/mcp-oauth-tenant/internal/util"
	"github.com/giantswarm/mcp-oauth-tenant/providers/intuit"
	"github.com/giantswarm/mcp-oauth-tenant/storage/valkey"
)

// rawEnv holds the environment as read. Legacy names from the previous
// deployment are accepted when the TENANT_OAUTH_* name is unset.
type rawEnv struct {
	Host    string `env:"TENANT_OAUTH_HOST" envDefault:"0.0.0.0"`
	Port    int    `env:"TENANT_OAUTH_PORT" envDefault:"8080"`
	BaseURL string `env:"TENANT_OAUTH_BASE_URL"`

	ClientID     string   `env:"TENANT_OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"TENANT_OAUTH_CLIENT_SECRET"`
	Scopes       []string `env:"TENANT_OAUTH_SCOPES" envSeparator:","`

	StorageURL    string `env:"TENANT_OAUTH_STORAGE_URL"`
	KeyPrefix     string `env:"TENANT_OAUTH_KEY_PREFIX" envDefault:"mcp:tenant:"`
	EncryptionKey string `env:"STORAGE_ENCRYPTION_KEY"`

	TenantParam          string        `env:"TENANT_OAUTH_TENANT_PARAM"`
	CorrelationTTL       time.Duration `env:"TENANT_OAUTH_CORRELATION_TTL" envDefault:"10m"`
	CodeTTL              time.Duration `env:"TENANT_OAUTH_CODE_TTL" envDefault:"10m"`
	FailOpenOnTimeout    bool          `env:"TENANT_OAUTH_FAIL_OPEN_ON_TIMEOUT" envDefault:"true"`
	SingleTenantFallback bool          `env:"TENANT_OAUTH_SINGLE_TENANT_FALLBACK"`
	RequirePKCE          bool          `env:"TENANT_OAUTH_REQUIRE_PKCE" envDefault:"true"`
	ValidateTimeout      time.Duration `env:"TENANT_OAUTH_VALIDATE_TIMEOUT" envDefault:"10s"`

	RateLimit         float64 `env:"TENANT_OAUTH_RATE_LIMIT" envDefault:"10"`
	Burst             int     `env:"TENANT_OAUTH_BURST"`
	TrustProxy        bool    `env:"TENANT_OAUTH_TRUST_PROXY"`
	TrustedProxyCount int     `env:"TENANT_OAUTH_TRUSTED_PROXY_COUNT" envDefault:"1"`
	AuditLogging      bool    `env:"TENANT_OAUTH_AUDIT_LOGGING" envDefault:"true"`

	LogLevel       string `env:"TENANT_OAUTH_LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"TENANT_OAUTH_LOG_FORMAT" envDefault:"text"`
	Metrics        bool   `env:"TENANT_OAUTH_METRICS"`
	TracesExporter string `env:"TENANT_OAUTH_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint   string `env:"TENANT_OAUTH_OTLP_ENDPOINT"`
	LogClientIPs   bool   `env:"TENANT_OAUTH_LOG_CLIENT_IPS"`

	LegacyClientID     string `env:"QBO_CLIENT_ID"`
	LegacyClientSecret string `env:"QBO_CLIENT_SECRET"`
	LegacyStorageURL   string `env:"REDIS_URL"`
	LegacyBaseURL      string `env:"QBO_MCP_BASE_URL"`
}

// appConfig is the resolved process configuration.
type appConfig struct {
	Addr    string
	BaseURL string

	ClientID     string
	ClientSecret string
	Scopes       []string

	StorageURL    string
	KeyPrefix     string
	EncryptionKey string

	TenantParam          string
	CorrelationTTL       time.Duration
	CodeTTL              time.Duration
	FailOpenOnTimeout    bool
	SingleTenantFallback bool
	RequirePKCE          bool
	ValidateTimeout      time.Duration

	RateLimit         float64
	Burst             int
	TrustProxy        bool
	TrustedProxyCount int
	AuditLogging      bool

	LogLevel  slog.Level
	LogFormat string

	Instrumentation instrumentation.Config
}

var errMissingCredentials = errors.New("TENANT_OAUTH_CLIENT_ID and TENANT_OAUTH_CLIENT_SECRET (or QBO_CLIENT_ID and QBO_CLIENT_SECRET) are required")

// loadConfig reads path as a dotenv file, when it exists, and then the environment.
// Variables already set in the environment win over the file.
func loadConfig(path string) (appConfig, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return appConfig{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return appConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return raw.resolve()
}

func (r rawEnv) resolve() (appConfig, error) {
	level, err := parseLogLevel(r.LogLevel)
	if err != nil {
		return appConfig{}, err
	}

	format := strings.ToLower(r.LogFormat)
	if format != "text" && format != "json" {
		return appConfig{}, fmt.Errorf("invalid log format %q: want text or json", r.LogFormat)
	}

	traces := strings.ToLower(r.TracesExporter)
	if traces != instrumentation.TracesExporterNone && traces != instrumentation.TracesExporterOTLP {
		return appConfig{}, fmt.Errorf("invalid traces exporter %q: want none or otlp", r.TracesExporter)
	}
	metrics := instrumentation.MetricsExporterNone
	if r.Metrics {
		metrics = instrumentation.MetricsExporterPrometheus
	}

	addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	baseURL := cmp.Or(r.BaseURL, r.LegacyBaseURL, fmt.Sprintf("http://localhost:%d", r.Port))

	return appConfig{
		Addr:    addr,
		BaseURL: util.NormalizeURL(baseURL),

		ClientID:     cmp.Or(r.ClientID, r.LegacyClientID),
		ClientSecret: cmp.Or(r.ClientSecret, r.LegacyClientSecret),
		Scopes:       trimCSV(r.Scopes),

		StorageURL:    cmp.Or(r.StorageURL, r.LegacyStorageURL),
		KeyPrefix:     cmp.Or(r.KeyPrefix, valkey.DefaultKeyPrefix),
		EncryptionKey: r.EncryptionKey,

		TenantParam:          r.TenantParam,
		CorrelationTTL:       r.CorrelationTTL,
		CodeTTL:              r.CodeTTL,
		FailOpenOnTimeout:    r.FailOpenOnTimeout,
		SingleTenantFallback: r.SingleTenantFallback,
		RequirePKCE:          r.RequirePKCE,
		ValidateTimeout:      r.ValidateTimeout,

		RateLimit:         r.RateLimit,
		Burst:             r.Burst,
		TrustProxy:        r.TrustProxy,
		TrustedProxyCount: r.TrustedProxyCount,
		AuditLogging:      r.AuditLogging,

		LogLevel:  level,
		LogFormat: format,

		Instrumentation: instrumentation.Config{
			Enabled:         r.Metrics || traces == instrumentation.TracesExporterOTLP,
			ServiceVersion:  currentVersion(),
			MetricsExporter: metrics,
			TracesExporter:  traces,
			OTLPEndpoint:    r.OTLPEndpoint,
			LogClientIPs:    r.LogClientIPs,
		},
	}, nil
}

// requireCredentials fails when the Intuit app credentials are missing.
func (c appConfig) requireCredentials() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return errMissingCredentials
	}
	return nil
}

// scopes returns the configured scopes or the accounting scope.
func (c appConfig) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{intuit.AccountingScope}
	}
	return c.Scopes
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func newLogger(cfg appConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// trimCSV drops blank entries from a comma-split list.
func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
