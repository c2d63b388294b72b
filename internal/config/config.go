package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the autopost server. It is built once in
// main and handed to constructors; nothing below cmd/ reads the environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Trigger  TriggerConfig
	Dispatch DispatchConfig
	Monitor  MonitorConfig
	X        XConfig
	Threads  ThreadsConfig
	Secret   SecretConfig
	Alert    AlertConfig
	Compose  ComposeConfig
}

type ServerConfig struct {
	Port           int    `envconfig:"AUTOPOST_PORT" default:"8080" validate:"min=1,max=65535"`
	Env            string `envconfig:"AUTOPOST_ENV" default:"development" validate:"oneof=development staging production"`
	RequestsPerMin int    `envconfig:"AUTOPOST_RATE_LIMIT_PER_MIN" default:"60" validate:"min=1"`
}

type DatabaseConfig struct {
	URL              SecretString  `envconfig:"DATABASE_URL" validate:"required"`
	MaxOpenConns     int           `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns     int           `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime  time.Duration `envconfig:"DATABASE_CONN_MAX_LIFETIME" default:"5m"`
	StatementTimeout time.Duration `envconfig:"DATABASE_STATEMENT_TIMEOUT" default:"10s"`
	MigrationsDir    string        `envconfig:"DATABASE_MIGRATIONS_DIR" default:"migrations"`
}

type RedisConfig struct {
	URL string `envconfig:"REDIS_URL" validate:"required"`
}

// TriggerConfig covers the shared-secret trigger endpoints and the optional
// in-process schedules that call the same entry points.
type TriggerConfig struct {
	CronSecret       SecretString `envconfig:"CRON_SECRET"`
	DispatchSchedule string       `envconfig:"TRIGGER_DISPATCH_SCHEDULE"`
	MonitorSchedule  string       `envconfig:"TRIGGER_MONITOR_SCHEDULE"`
}

type DispatchConfig struct {
	BatchSize        int           `envconfig:"DISPATCH_BATCH_SIZE" default:"10" validate:"min=1,max=100"`
	MaxAttempts      int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	RetryDelay       time.Duration `envconfig:"DISPATCH_RETRY_DELAY" default:"5m" validate:"min=1s"`
	RequestTimeout   time.Duration `envconfig:"DISPATCH_REQUEST_TIMEOUT" default:"15s" validate:"min=1s"`
	RefreshLookahead time.Duration `envconfig:"DISPATCH_REFRESH_LOOKAHEAD" default:"60s"`
	PostsPerSecond   float64       `envconfig:"DISPATCH_POSTS_PER_SECOND" default:"2" validate:"gt=0"`
}

type MonitorConfig struct {
	StalePending       time.Duration `envconfig:"MONITOR_STALE_PENDING" default:"10m"`
	StuckRunning       time.Duration `envconfig:"MONITOR_STUCK_RUNNING" default:"15m"`
	FailedLookback     time.Duration `envconfig:"MONITOR_FAILED_LOOKBACK" default:"24h"`
	RowLimit           int           `envconfig:"MONITOR_ROW_LIMIT" default:"20" validate:"min=1,max=200"`
	MonitorSuppressFor time.Duration `envconfig:"ALERT_DEDUPE_MONITOR" default:"60m"`
	ReportSuppressFor  time.Duration `envconfig:"ALERT_DEDUPE_REPORT" default:"30m"`
	SubjectPrefix      string        `envconfig:"ALERT_SUBJECT_PREFIX" default:"[autopost]"`
}

type XConfig struct {
	APIBaseURL   string       `envconfig:"X_API_BASE_URL" default:"https://api.x.com" validate:"url"`
	TokenURL     string       `envconfig:"X_TOKEN_URL" default:"https://api.x.com/2/oauth2/token" validate:"url"`
	ClientID     string       `envconfig:"X_CLIENT_ID"`
	ClientSecret SecretString `envconfig:"X_CLIENT_SECRET"`
	MaxTextRunes int          `envconfig:"X_MAX_TEXT" default:"280" validate:"min=1"`
}

type ThreadsConfig struct {
	MaxTextRunes int `envconfig:"THREADS_MAX_TEXT" default:"500" validate:"min=1"`
}

type SecretConfig struct {
	EncryptionKey SecretString `envconfig:"ENCRYPTION_KEY" validate:"required"`
}

// AlertConfig selects the alert sink. With no API key alerts go to the log.
type AlertConfig struct {
	EmailAPIURL string       `envconfig:"ALERT_EMAIL_API_URL" default:"https://api.resend.com/emails" validate:"url"`
	EmailAPIKey SecretString `envconfig:"ALERT_EMAIL_API_KEY"`
	From        string       `envconfig:"ALERT_FROM_EMAIL"`
	To          string       `envconfig:"ALERT_TO_EMAIL"`
}

type ComposeConfig struct {
	MinLead time.Duration `envconfig:"COMPOSE_MIN_LEAD" default:"30s"`
}

// Load reads configuration from the environment (and an optional .env file)
// and returns a validated Config.
func Load() (*Config, error) {
	// A missing .env is fine; real environment variables win.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dbURL := c.Database.URL.Unmask()
	if !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}

	if c.Alert.EmailAPIKey != "" && (c.Alert.From == "" || c.Alert.To == "") {
		return fmt.Errorf("ALERT_FROM_EMAIL and ALERT_TO_EMAIL are required when ALERT_EMAIL_API_KEY is set")
	}

	if c.Server.Env == "production" && c.Trigger.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required in production")
	}

	return nil
}

// EmailAlertsEnabled reports whether alerts should be delivered by email.
func (c *Config) EmailAlertsEnabled() bool {
	return c.Alert.EmailAPIKey != ""
}
