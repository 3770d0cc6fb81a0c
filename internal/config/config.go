// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, storage, the LLM generator, the GitHub publisher,
// evaluator notifications, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-deploy-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LLMConfig configures the OpenAI-compatible chat completion endpoint used
// to generate projects.
type LLMConfig struct {
	BaseURL     string        // LLM_BASE_URL
	APIKey      string        // LLM_API_KEY, falls back to AIPIPE_TOKEN
	Model       string        // LLM_MODEL
	Timeout     time.Duration // LLM_TIMEOUT (per HTTP call)
	MaxAttempts int           // LLM_MAX_ATTEMPTS
}

// GitHubConfig configures repository creation, pushes and Pages.
type GitHubConfig struct {
	Token        string        // GITHUB_TOKEN
	APIURL       string        // GITHUB_API_URL
	Owner        string        // GITHUB_OWNER (organization; empty means the token's user)
	AuthorName   string        // GIT_AUTHOR_NAME
	AuthorEmail  string        // GIT_AUTHOR_EMAIL
	Branch       string        // PAGES_BRANCH
	Timeout      time.Duration // PUBLISH_TIMEOUT (whole publish step)
	PollAttempts int           // PAGES_POLL_ATTEMPTS
	PollInterval time.Duration // PAGES_POLL_INTERVAL
	Skip         bool          // SKIP_GITHUB: publish into a local git repository
}

// NotifyConfig configures evaluator callbacks.
type NotifyConfig struct {
	MaxAttempts int           // NOTIFY_MAX_ATTEMPTS
	BaseDelay   time.Duration // NOTIFY_BASE_DELAY
	MaxDelay    time.Duration // NOTIFY_MAX_DELAY
	Timeout     time.Duration // NOTIFY_TIMEOUT (per attempt)
	Skip        bool          // SKIP_EVALUATOR
}

// AttachmentConfig bounds attachment fetching.
type AttachmentConfig struct {
	Timeout  time.Duration // ATTACHMENT_TIMEOUT
	MaxBytes int64         // ATTACHMENT_MAX_BYTES
}

// MirrorConfig configures the optional S3-compatible artifact mirror.
type MirrorConfig struct {
	Enabled   bool   // ARTIFACT_S3_ENABLED
	Endpoint  string // ARTIFACT_S3_ENDPOINT (host:port)
	AccessKey string // ARTIFACT_S3_ACCESS_KEY
	SecretKey string // ARTIFACT_S3_SECRET_KEY
	Bucket    string // ARTIFACT_S3_BUCKET
	Region    string // ARTIFACT_S3_REGION
	UseSSL    bool   // ARTIFACT_S3_USE_SSL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed DeployBudget; derived from it when unset
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap
	GinMode           string        // debug|release|test
	ShutdownTimeout   time.Duration // graceful drain for HTTP + notifications

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN
	ReposDir    string // local artifact workspace

	// Auth
	DeploySecret string

	// Pipeline
	LLM         LLMConfig
	GitHub      GitHubConfig
	Notify      NotifyConfig
	Attachments AttachmentConfig
	Mirror      MirrorConfig

	// Orchestration
	PendingWait         time.Duration // how long a request waits on another in-flight attempt
	PendingPollInterval time.Duration

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

const (
	// generateSlack covers retry pauses between LLM attempts.
	generateSlack = 30 * time.Second
	// writeMargin is added on top of DeployBudget for a derived WRITE_TIMEOUT
	// (storing the result and writing the response).
	writeMargin = 30 * time.Second
)

// GenerateTimeout bounds the whole generation step: every LLM attempt plus
// the pauses between them.
func (c Config) GenerateTimeout() time.Duration {
	return time.Duration(max(c.LLM.MaxAttempts, 1))*c.LLM.Timeout + generateSlack
}

// DeployBudget is the longest a single POST /api-deploy can take: waiting on
// another attempt, resolving attachments, generating and publishing. The
// HTTP write deadline has to be longer or a late success is never reported.
func (c Config) DeployBudget() time.Duration {
	return c.PendingWait + c.Attachments.Timeout + c.GenerateTimeout() + c.GitHub.Timeout
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 8<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "deployments.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		ReposDir:    getenv("REPOS_DIR", "generated_repos"),

		// Auth
		DeploySecret: strings.TrimSpace(getenv("DEPLOY_SECRET", "")),

		LLM: LLMConfig{
			BaseURL:     strings.TrimRight(getenv("LLM_BASE_URL", "https://aipipe.org/openrouter/v1"), "/"),
			APIKey:      firstEnv("LLM_API_KEY", "AIPIPE_TOKEN"),
			Model:       getenv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:     getdur("LLM_TIMEOUT", 60*time.Second),
			MaxAttempts: getint("LLM_MAX_ATTEMPTS", 3),
		},
		GitHub: GitHubConfig{
			Token:        getenv("GITHUB_TOKEN", ""),
			APIURL:       strings.TrimRight(getenv("GITHUB_API_URL", "https://api.github.com"), "/"),
			Owner:        getenv("GITHUB_OWNER", ""),
			AuthorName:   getenv("GIT_AUTHOR_NAME", "deploy-bot"),
			AuthorEmail:  getenv("GIT_AUTHOR_EMAIL", "deploy-bot@users.noreply.github.com"),
			Branch:       getenv("PAGES_BRANCH", "main"),
			Timeout:      getdur("PUBLISH_TIMEOUT", 2*time.Minute),
			PollAttempts: getint("PAGES_POLL_ATTEMPTS", 10),
			PollInterval: getdur("PAGES_POLL_INTERVAL", 2*time.Second),
			Skip:         getbool("SKIP_GITHUB", false),
		},
		Notify: NotifyConfig{
			MaxAttempts: getint("NOTIFY_MAX_ATTEMPTS", 5),
			BaseDelay:   getdur("NOTIFY_BASE_DELAY", 1*time.Second),
			MaxDelay:    getdur("NOTIFY_MAX_DELAY", 30*time.Second),
			Timeout:     getdur("NOTIFY_TIMEOUT", 10*time.Second),
			Skip:        getbool("SKIP_EVALUATOR", false),
		},
		Attachments: AttachmentConfig{
			Timeout:  getdur("ATTACHMENT_TIMEOUT", 10*time.Second),
			MaxBytes: int64(getint("ATTACHMENT_MAX_BYTES", 5<<20)),
		},
		Mirror: MirrorConfig{
			Enabled:   getbool("ARTIFACT_S3_ENABLED", false),
			Endpoint:  getenv("ARTIFACT_S3_ENDPOINT", ""),
			AccessKey: getenv("ARTIFACT_S3_ACCESS_KEY", ""),
			SecretKey: getenv("ARTIFACT_S3_SECRET_KEY", ""),
			Bucket:    getenv("ARTIFACT_S3_BUCKET", "deploy-artifacts"),
			Region:    getenv("ARTIFACT_S3_REGION", "us-east-1"),
			UseSSL:    getbool("ARTIFACT_S3_USE_SSL", true),
		},

		PendingWait:         getdur("PENDING_WAIT", 5*time.Second),
		PendingPollInterval: getdur("PENDING_POLL_INTERVAL", 250*time.Millisecond),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 2.0),
		RateBurst: getint("RATE_BURST", 5),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-deploy-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = "postgres"
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = cfg.DeployBudget() + writeMargin
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_BODY_BYTES must be > 0")
	}
	if cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}
	if cfg.DeploySecret == "" {
		return cfg, errors.New("DEPLOY_SECRET must be set")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.ReposDir) == "" {
		return cfg, errors.New("REPOS_DIR must not be empty")
	}
	if cfg.LLM.Timeout <= 0 || cfg.GitHub.Timeout <= 0 || cfg.Notify.Timeout <= 0 || cfg.Attachments.Timeout <= 0 {
		return cfg, errors.New("LLM, publish, notify and attachment timeouts must be positive durations")
	}
	if cfg.LLM.MaxAttempts < 1 {
		return cfg, errors.New("LLM_MAX_ATTEMPTS must be >= 1")
	}
	if budget := cfg.DeployBudget(); cfg.WriteTimeout <= budget {
		return cfg, fmt.Errorf("WRITE_TIMEOUT (%s) must exceed the worst-case deployment time (%s)", cfg.WriteTimeout, budget)
	}
	if !cfg.GitHub.Skip && strings.TrimSpace(cfg.GitHub.Token) == "" {
		return cfg, errors.New("GITHUB_TOKEN must be set unless SKIP_GITHUB is enabled")
	}
	if cfg.GitHub.PollAttempts < 0 || cfg.GitHub.PollInterval < 0 {
		return cfg, errors.New("PAGES_POLL_ATTEMPTS and PAGES_POLL_INTERVAL must be >= 0")
	}
	if strings.TrimSpace(cfg.GitHub.Branch) == "" {
		return cfg, errors.New("PAGES_BRANCH must not be empty")
	}
	if cfg.Notify.MaxAttempts < 1 {
		return cfg, errors.New("NOTIFY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Notify.BaseDelay <= 0 || cfg.Notify.MaxDelay < cfg.Notify.BaseDelay {
		return cfg, errors.New("NOTIFY_BASE_DELAY must be > 0 and <= NOTIFY_MAX_DELAY")
	}
	if cfg.Attachments.MaxBytes <= 0 {
		return cfg, errors.New("ATTACHMENT_MAX_BYTES must be > 0")
	}
	if cfg.Mirror.Enabled && (cfg.Mirror.Endpoint == "" || cfg.Mirror.Bucket == "") {
		return cfg, errors.New("ARTIFACT_S3_ENDPOINT and ARTIFACT_S3_BUCKET must be set when ARTIFACT_S3_ENABLED")
	}
	if cfg.PendingWait < 0 || cfg.PendingPollInterval <= 0 {
		return cfg, errors.New("PENDING_WAIT must be >= 0 and PENDING_POLL_INTERVAL > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
