// Package config loads authgate settings from flags, AUTHGATE_* environment
// variables, an optional .env file and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/authgate/internal/lockout"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/ratelimit"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "AUTHGATE"

// Config is the full process configuration.
type Config struct {
	HTTPAddr        string        `mapstructure:"http-addr" validate:"required"`
	GRPCAddr        string        `mapstructure:"grpc-addr"`
	TLSCert         string        `mapstructure:"tls-cert" validate:"required_with=TLSKey"`
	TLSKey          string        `mapstructure:"tls-key" validate:"required_with=TLSCert"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"gt=0"`

	DatabaseDSN string `mapstructure:"database-dsn" validate:"required"`
	DBMaxConns  int32  `mapstructure:"db-max-conns" validate:"gte=1"`

	JWTSecret   string        `mapstructure:"jwt-secret" validate:"required,min=64"`
	JWTIssuer   string        `mapstructure:"jwt-issuer" validate:"required"`
	JWTAudience string        `mapstructure:"jwt-audience" validate:"required"`
	AccessTTL   time.Duration `mapstructure:"access-ttl" validate:"gt=0"`
	RefreshTTL  time.Duration `mapstructure:"refresh-ttl" validate:"gtfield=AccessTTL"`

	LockoutMaxAttempts int           `mapstructure:"lockout-max-attempts" validate:"gte=1"`
	LockoutWindow      time.Duration `mapstructure:"lockout-window" validate:"gt=0"`
	LockoutDuration    time.Duration `mapstructure:"lockout-duration" validate:"gt=0"`

	RateLimitPerMinute  int           `mapstructure:"ratelimit-per-minute" validate:"gte=1"`
	RateLimitPerHour    int           `mapstructure:"ratelimit-per-hour" validate:"gte=1"`
	RateLimitStaleAfter time.Duration `mapstructure:"ratelimit-stale-after" validate:"gt=0"`
	RateLimitBackend    string        `mapstructure:"ratelimit-backend" validate:"oneof=postgres redis"`

	RedisAddr     string `mapstructure:"redis-addr" validate:"required_if=RateLimitBackend redis"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db" validate:"gte=0,lte=15"`

	CleanupInterval time.Duration `mapstructure:"cleanup-interval" validate:"gt=0"`
	StoreTimeout    time.Duration `mapstructure:"store-timeout" validate:"gt=0"`
	FailMode        string        `mapstructure:"fail-mode" validate:"oneof=open closed"`

	TrustForwardedFor bool   `mapstructure:"trust-forwarded-for"`
	LogLevel          string `mapstructure:"log-level" validate:"oneof=debug info warn error"`
	Dev               bool   `mapstructure:"dev"`
	SentryDSN         string `mapstructure:"sentry-dsn"`
	Environment       string `mapstructure:"environment"`
}

// Default returns the built-in settings. Secrets and the DSN have no default.
func Default() Config {
	lc := lockout.DefaultConfig()
	rc := ratelimit.DefaultConfig()
	return Config{
		HTTPAddr:            ":8080",
		ShutdownTimeout:     10 * time.Second,
		DBMaxConns:          10,
		JWTIssuer:           "user-management-system",
		JWTAudience:         "api",
		AccessTTL:           24 * time.Hour,
		RefreshTTL:          7 * 24 * time.Hour,
		LockoutMaxAttempts:  lc.MaxAttempts,
		LockoutWindow:       lc.Window,
		LockoutDuration:     lc.Duration,
		RateLimitPerMinute:  rc.PerMinute,
		RateLimitPerHour:    rc.PerHour,
		RateLimitStaleAfter: rc.StaleAfter,
		RateLimitBackend:    "postgres",
		CleanupInterval:     time.Hour,
		StoreTimeout:        2 * time.Second,
		FailMode:            string(model.FailOpen),
		TrustForwardedFor:   true,
		LogLevel:            "info",
		Environment:         "development",
	}
}

// RegisterFlags declares one flag per setting, defaulted from Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "optional config file (yaml, toml or json)")
	fs.String("env-file", ".env", "optional dotenv file")

	fs.String("http-addr", d.HTTPAddr, "HTTP listen address")
	fs.String("grpc-addr", d.GRPCAddr, "gRPC listen address (empty disables gRPC)")
	fs.String("tls-cert", "", "TLS certificate for gRPC (PEM)")
	fs.String("tls-key", "", "TLS private key for gRPC (PEM)")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "graceful shutdown limit")

	fs.String("database-dsn", "", "PostgreSQL DSN")
	fs.Int32("db-max-conns", d.DBMaxConns, "max pool connections")

	fs.String("jwt-secret", "", "HS256 signing secret, at least 64 bytes")
	fs.String("jwt-issuer", d.JWTIssuer, "iss claim")
	fs.String("jwt-audience", d.JWTAudience, "aud claim")
	fs.Duration("access-ttl", d.AccessTTL, "access token lifetime")
	fs.Duration("refresh-ttl", d.RefreshTTL, "refresh token lifetime")

	fs.Int("lockout-max-attempts", d.LockoutMaxAttempts, "failed logins before lock")
	fs.Duration("lockout-window", d.LockoutWindow, "failure counting window")
	fs.Duration("lockout-duration", d.LockoutDuration, "lock length")

	fs.Int("ratelimit-per-minute", d.RateLimitPerMinute, "minute bucket capacity")
	fs.Int("ratelimit-per-hour", d.RateLimitPerHour, "hour bucket capacity")
	fs.Duration("ratelimit-stale-after", d.RateLimitStaleAfter, "idle bucket retention")
	fs.String("ratelimit-backend", d.RateLimitBackend, "bucket store: postgres or redis")

	fs.String("redis-addr", "", "redis address for the redis backend")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")

	fs.Duration("cleanup-interval", d.CleanupInterval, "cleanup scheduler period")
	fs.Duration("store-timeout", d.StoreTimeout, "per-call store deadline")
	fs.String("fail-mode", d.FailMode, "behaviour on store failure: open or closed")

	fs.Bool("trust-forwarded-for", d.TrustForwardedFor, "use the first X-Forwarded-For entry as client key")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Bool("dev", false, "development logging and gRPC reflection")
	fs.String("sentry-dsn", "", "Sentry DSN (empty disables reporting)")
	fs.String("environment", d.Environment, "deployment environment tag")
}

// Load resolves the configuration for the given flag set and validates it.
func Load(fs *pflag.FlagSet) (Config, error) {
	if path, _ := fs.GetString("env-file"); path != "" {
		// A missing dotenv file is normal outside local development.
		_ = godotenv.Load(path)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

// LockoutConfig maps the settings onto lockout.Config.
func (c Config) LockoutConfig() lockout.Config {
	return lockout.Config{
		MaxAttempts:  c.LockoutMaxAttempts,
		Window:       c.LockoutWindow,
		Duration:     c.LockoutDuration,
		StoreTimeout: c.StoreTimeout,
		FailMode:     model.FailMode(c.FailMode),
	}
}

// RateLimitConfig maps the settings onto ratelimit.Config.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		PerMinute:    c.RateLimitPerMinute,
		PerHour:      c.RateLimitPerHour,
		StaleAfter:   c.RateLimitStaleAfter,
		StoreTimeout: c.StoreTimeout,
		FailMode:     model.FailMode(c.FailMode),
	}
}
