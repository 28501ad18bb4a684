// Package config centralizes how the redesign services read environment
// variables and exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selectors.
const (
	RepositoryPostgres = "postgres"
	RepositoryMemory   = "memory"

	DispatchAsynq  = "asynq"
	DispatchInline = "inline"

	ArtifactsS3         = "s3"
	ArtifactsFilesystem = "filesystem"
)

// Config represents runtime configuration for every binary. Each binary only
// validates the parts it uses.
type Config struct {
	Env        string
	Address    string
	PublicURL  string
	// ViewURL is the page magic links point at; the token is appended as a
	// query parameter.
	ViewURL    string
	LogLevel   string
	Repository string
	Dispatch   string
	Artifacts  string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	ArtifactDir string

	WorkerCommand  string
	WorkerScript   string
	InputDir       string
	OutputDir      string
	JobTimeout     time.Duration
	InferenceSteps int
	Workers        int

	TokenTTL        time.Duration
	ArtifactURLTTL  time.Duration
	MaxUploadBytes  int64
	SigningSecret   []byte
	RateLimitPerMin int
	// TrustProxy makes the API take the client address from X-Forwarded-For
	// and X-Real-IP. Only enable it behind a proxy that overwrites them.
	TrustProxy bool

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	MetricsAddress string
}

const (
	defaultAddress        = ":8080"
	defaultPublicURL      = "http://localhost:8080"
	defaultWorkerCommand  = "python3"
	defaultJobTimeout     = 10 * time.Minute
	defaultInferenceSteps = 4
	defaultWorkerCount    = 2
	defaultTokenTTL       = 24 * time.Hour
	defaultArtifactURLTTL = time.Hour
	defaultMaxUpload      = 10 << 20 // 10 MiB
	defaultRateLimit      = 30
	defaultSMTPPort       = 587
	defaultMetricsAddress = ":9090"
)

// Load reads an optional .env file and then the environment, falling back to
// defaults. Values already present in the environment win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{
		Env:        readEnv("REDESIGN_ENV", "development"),
		Address:    readEnv("REDESIGN_ADDRESS", defaultAddress),
		PublicURL:  strings.TrimRight(readEnv("REDESIGN_PUBLIC_URL", defaultPublicURL), "/"),
		LogLevel:   readEnv("REDESIGN_LOG_LEVEL", "info"),
		Repository: readEnv("REDESIGN_REPOSITORY", RepositoryPostgres),
		Dispatch:   readEnv("REDESIGN_DISPATCH", DispatchAsynq),
		Artifacts:  readEnv("REDESIGN_ARTIFACTS", ArtifactsS3),

		DatabaseURL: readEnv("DATABASE_URL", ""),

		RedisAddr:     readEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: readEnv("REDIS_PASSWORD", ""),
		RedisDB:       parseInt("REDIS_DB", 0),

		S3Endpoint:  readEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey: readEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: readEnv("S3_SECRET_KEY", ""),
		S3Bucket:    readEnv("S3_BUCKET", "room-redesigns"),
		S3Region:    readEnv("S3_REGION", "us-east-1"),
		S3UseSSL:    parseBool("S3_USE_SSL", false),

		ArtifactDir: readEnv("REDESIGN_ARTIFACT_DIR", filepath.Join("data", "artifacts")),

		WorkerCommand:  readEnv("REDESIGN_WORKER_COMMAND", defaultWorkerCommand),
		WorkerScript:   readEnv("REDESIGN_WORKER_SCRIPT", ""),
		InputDir:       readEnv("REDESIGN_INPUT_DIR", ""),
		OutputDir:      readEnv("REDESIGN_OUTPUT_DIR", ""),
		JobTimeout:     parseDuration("REDESIGN_JOB_TIMEOUT", defaultJobTimeout),
		InferenceSteps: parseInt("REDESIGN_INFERENCE_STEPS", defaultInferenceSteps),
		Workers:        parseInt("REDESIGN_WORKERS", defaultWorkerCount),

		TokenTTL:        parseDuration("REDESIGN_TOKEN_TTL", defaultTokenTTL),
		ArtifactURLTTL:  parseDuration("REDESIGN_ARTIFACT_URL_TTL", defaultArtifactURLTTL),
		MaxUploadBytes:  parseInt64("REDESIGN_MAX_UPLOAD_BYTES", defaultMaxUpload),
		SigningSecret:   parseSecret("REDESIGN_SIGNING_SECRET"),
		RateLimitPerMin: parseInt("REDESIGN_RATE_LIMIT_PER_MIN", defaultRateLimit),
		TrustProxy:      parseBool("REDESIGN_TRUST_PROXY", false),

		SMTPHost:     readEnv("REDESIGN_SMTP_HOST", ""),
		SMTPPort:     parseInt("REDESIGN_SMTP_PORT", defaultSMTPPort),
		SMTPUsername: readEnv("REDESIGN_SMTP_USERNAME", ""),
		SMTPPassword: readEnv("REDESIGN_SMTP_PASSWORD", ""),
		SMTPFrom:     readEnv("REDESIGN_SMTP_FROM", "redesigns@localhost"),

		MetricsAddress: readEnv("REDESIGN_METRICS_ADDRESS", defaultMetricsAddress),
	}
	cfg.ViewURL = readEnv("REDESIGN_VIEW_URL", cfg.PublicURL+"/room-redesign/view")
	if cfg.SigningSecret == nil {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.SigningSecret = secret
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.ArtifactURLTTL <= 0 {
		cfg.ArtifactURLTTL = defaultArtifactURLTTL
	}
	if cfg.InferenceSteps <= 0 {
		cfg.InferenceSteps = defaultInferenceSteps
	}
	return cfg, nil
}

// Development reports whether human-friendly defaults (console logs) apply.
func (c *Config) Development() bool {
	return c.Env == "development" || c.Env == "dev"
}

// RedisOpt returns the Redis connection settings.
func (c *Config) RedisOpt() RedisOpt {
	return RedisOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// RedisOpt keeps the queue package free of config parsing.
type RedisOpt struct {
	Addr     string
	Password string
	DB       int
}

// ValidateAPI checks what the HTTP server needs before it accepts uploads.
func (c *Config) ValidateAPI() error {
	var errs []error
	errs = append(errs, c.validateBackends()...)
	if c.PublicURL == "" {
		errs = append(errs, errors.New("REDESIGN_PUBLIC_URL is required"))
	}
	if c.Dispatch == DispatchInline {
		errs = append(errs, c.validateWorker()...)
	}
	return errors.Join(errs...)
}

// ValidateWorker checks what the generation worker needs before it accepts
// jobs. A missing entry point or artifact directory is a configuration error,
// never a per-record failure.
func (c *Config) ValidateWorker() error {
	errs := c.validateBackends()
	errs = append(errs, c.validateWorker()...)
	return errors.Join(errs...)
}

func (c *Config) validateBackends() []error {
	var errs []error
	switch c.Repository {
	case RepositoryPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres repository"))
		}
	case RepositoryMemory:
	default:
		errs = append(errs, fmt.Errorf("REDESIGN_REPOSITORY: unknown backend %q", c.Repository))
	}
	switch c.Dispatch {
	case DispatchAsynq:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for asynq dispatch"))
		}
	case DispatchInline:
	default:
		errs = append(errs, fmt.Errorf("REDESIGN_DISPATCH: unknown mode %q", c.Dispatch))
	}
	switch c.Artifacts {
	case ArtifactsS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_ENDPOINT and S3_BUCKET are required for s3 artifacts"))
		}
	case ArtifactsFilesystem:
		if c.ArtifactDir == "" {
			errs = append(errs, errors.New("REDESIGN_ARTIFACT_DIR is required for filesystem artifacts"))
		}
	default:
		errs = append(errs, fmt.Errorf("REDESIGN_ARTIFACTS: unknown backend %q", c.Artifacts))
	}
	if c.Repository == RepositoryMemory && c.Dispatch == DispatchAsynq {
		errs = append(errs, errors.New("the memory repository only works with inline dispatch"))
	}
	return errs
}

func (c *Config) validateWorker() []error {
	var errs []error
	if c.WorkerCommand == "" {
		errs = append(errs, errors.New("REDESIGN_WORKER_COMMAND is required"))
	}
	if c.WorkerScript == "" {
		errs = append(errs, errors.New("REDESIGN_WORKER_SCRIPT is required"))
	}
	dirs := []struct{ key, dir string }{
		{"REDESIGN_INPUT_DIR", c.InputDir},
		{"REDESIGN_OUTPUT_DIR", c.OutputDir},
	}
	for _, d := range dirs {
		key, dir := d.key, d.dir
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("%s: %s is not a directory", key, dir))
		}
	}
	if c.InferenceSteps > 4 {
		errs = append(errs, fmt.Errorf("REDESIGN_INFERENCE_STEPS: %d exceeds the model maximum of 4", c.InferenceSteps))
	}
	return errs
}

func readEnv(key, def string) string {
	// os.LookupEnv returns (value, ok) like a map lookup. Set-but-empty
	// variables fall back to def as well.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		// Go treats errors as values; a malformed number just keeps def.
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "10m" or "24h".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		// Converting a string to []byte copies it, giving crypto code its own
		// mutable buffer.
		return []byte(v)
	}
	return nil
}

// randomSecret is used when no signing secret is configured. Links signed with
// it stop working on restart, which is acceptable for development only.
func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	return buf, nil
}
