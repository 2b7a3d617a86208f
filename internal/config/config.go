// Package config loads runtime settings from the environment.
//
// An optional .env file in the working directory is read first; variables
// already present in the process environment take precedence over it.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// MinSecretLength is the shortest accepted token signing secret.
const MinSecretLength = 16

// Config holds runtime configuration for the accounts service.
type Config struct {
	Port     int    `env:"PORT,default=8000"`
	DBPath   string `env:"DB_PATH,default=data/accounts.db"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	AccessTokenSecret  string        `env:"ACCESS_TOKEN_SECRET,required"`
	AccessTokenExpiry  time.Duration `env:"ACCESS_TOKEN_EXPIRY,default=15m"`
	RefreshTokenSecret string        `env:"REFRESH_TOKEN_SECRET,required"`
	RefreshTokenExpiry time.Duration `env:"REFRESH_TOKEN_EXPIRY,default=240h"`
	BcryptCost         int           `env:"BCRYPT_COST,default=12"`

	CookieSecure   bool     `env:"COOKIE_SECURE,default=true"`
	AllowedOrigins []string `env:"CORS_ORIGIN,default=http://localhost:5173"`
	LoginRateLimit int      `env:"LOGIN_RATE_LIMIT,default=10"` // requests per minute per IP
	JSONBodyLimit  int64    `env:"JSON_BODY_LIMIT,default=16384"`

	MaxUploadBytes     int64         `env:"MAX_UPLOAD_BYTES,default=10485760"`
	UploadTmpDir       string        `env:"UPLOAD_TMP_DIR,default=data/tmp"`
	MediaUploadTimeout time.Duration `env:"MEDIA_UPLOAD_TIMEOUT,default=30s"`
	MediaDir           string        `env:"MEDIA_DIR,default=data/media"`
	MediaPublicBaseURL string        `env:"MEDIA_PUBLIC_BASE_URL"`

	S3Endpoint  string `env:"MEDIA_S3_ENDPOINT"`
	S3Region    string `env:"MEDIA_S3_REGION,default=us-east-1"`
	S3AccessKey string `env:"MEDIA_S3_ACCESS_KEY"`
	S3SecretKey string `env:"MEDIA_S3_SECRET_KEY"`
	S3Bucket    string `env:"MEDIA_S3_BUCKET"`
	S3Prefix    string `env:"MEDIA_S3_PREFIX,default=users"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env (if any) and the process environment, then validates.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom populates a Config from an arbitrary lookuper. Tests pass
// envconfig.MapLookuper so they never depend on the real environment.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks constraints that struct tags cannot express.
func (c Config) Validate() error {
	var errs []error

	if len(c.AccessTokenSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_SECRET must be at least %d characters", MinSecretLength))
	}
	if len(c.RefreshTokenSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("REFRESH_TOKEN_SECRET must be at least %d characters", MinSecretLength))
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ"))
	}
	if c.AccessTokenExpiry <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_EXPIRY must be positive"))
	}
	if c.RefreshTokenExpiry <= 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_EXPIRY must be positive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.LoginRateLimit < 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT must not be negative"))
	}
	if c.S3Bucket != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		errs = append(errs, errors.New("MEDIA_S3_ACCESS_KEY and MEDIA_S3_SECRET_KEY are required with MEDIA_S3_BUCKET"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// UsesS3 reports whether media goes to an S3-compatible bucket rather than MediaDir.
func (c Config) UsesS3() bool {
	return c.S3Bucket != ""
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// MediaBaseURL is the public prefix of disk-hosted media.
func (c Config) MediaBaseURL() string {
	if c.MediaPublicBaseURL != "" {
		return strings.TrimRight(c.MediaPublicBaseURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d/media", c.Port)
}

// Level returns the slog level for LOG_LEVEL. Invalid values were rejected by Validate.
func (c Config) Level() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return lvl, nil
}
