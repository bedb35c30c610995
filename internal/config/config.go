// Package config loads service settings from MEDIACORE_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "MEDIACORE_"

type Config struct {
	Mode      string `env:"MODE" envDefault:"development"`
	Addr      string `env:"ADDR"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	TLS       TLSConfig       `envPrefix:"TLS_"`
	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Cache     CacheConfig     `envPrefix:"CACHE_"`
	Upload    UploadConfig    `envPrefix:"UPLOAD_"`
	Media     MediaConfig     `envPrefix:"MEDIA_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	Stream    StreamConfig    `envPrefix:"STREAM_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_"`
	CORS      CORSConfig      `envPrefix:"CORS_"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type TLSConfig struct {
	CertFile string `env:"CERT"`
	KeyFile  string `env:"KEY"`
	// HSTSMaxAge is advertised on TLS responses; zero disables it.
	HSTSMaxAge time.Duration `env:"HSTS_MAX_AGE" envDefault:"4320h"`
}

// StorageConfig selects the durable store. Driver is json, sqlite or postgres.
type StorageConfig struct {
	Driver         string        `env:"DRIVER" envDefault:"json"`
	DSN            string        `env:"DSN"`
	DataPath       string        `env:"DATA" envDefault:"data/store.json"`
	MaxConns       int32         `env:"MAX_CONNS"`
	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT"`
}

type RedisConfig struct {
	Addr          string   `env:"ADDR"`
	Addrs         []string `env:"ADDRS"`
	Username      string   `env:"USERNAME"`
	Password      string   `env:"PASSWORD"`
	DB            int      `env:"DB"`
	MasterName    string   `env:"MASTER_NAME"`
	PoolSize      int      `env:"POOL_SIZE"`
	TLSCAFile     string   `env:"TLS_CA"`
	TLSCertFile   string   `env:"TLS_CERT"`
	TLSKeyFile    string   `env:"TLS_KEY"`
	TLSServerName string   `env:"TLS_SERVER_NAME"`
	TLSSkipVerify bool     `env:"TLS_SKIP_VERIFY"`
}

// Enabled reports whether a Redis deployment is configured.
func (c RedisConfig) Enabled() bool {
	if strings.TrimSpace(c.Addr) != "" {
		return true
	}
	for _, addr := range c.Addrs {
		if strings.TrimSpace(addr) != "" {
			return true
		}
	}
	return false
}

type CacheConfig struct {
	TTL          time.Duration `env:"TTL" envDefault:"1h"`
	TombstoneTTL time.Duration `env:"TOMBSTONE_TTL" envDefault:"24h"`
}

type UploadConfig struct {
	MaxSize            int64         `env:"MAX_SIZE" envDefault:"10737418240"`
	BufferTTL          time.Duration `env:"BUFFER_TTL" envDefault:"24h"`
	Workers            int           `env:"WORKERS" envDefault:"2"`
	QueueSize          int           `env:"QUEUE_SIZE" envDefault:"64"`
	HandoffAttempts    uint          `env:"HANDOFF_ATTEMPTS" envDefault:"5"`
	HandoffTimeout     time.Duration `env:"HANDOFF_TIMEOUT" envDefault:"30m"`
	RecoverInterval    time.Duration `env:"RECOVER_INTERVAL" envDefault:"1m"`
	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"168h"`
	IdleRetention      time.Duration `env:"IDLE_RETENTION" envDefault:"24h"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`
}

type MediaConfig struct {
	Dir            string        `env:"DIR" envDefault:"data/media"`
	Endpoint       string        `env:"ENDPOINT"`
	Region         string        `env:"REGION"`
	AccessKey      string        `env:"ACCESS_KEY"`
	SecretKey      string        `env:"SECRET_KEY"`
	Bucket         string        `env:"BUCKET"`
	UseSSL         bool          `env:"USE_SSL"`
	Prefix         string        `env:"PREFIX"`
	PublicEndpoint string        `env:"PUBLIC_ENDPOINT"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

type AuthConfig struct {
	Secret    string        `env:"SECRET"`
	Issuer    string        `env:"ISSUER"`
	Audience  string        `env:"AUDIENCE"`
	Leeway    time.Duration `env:"LEEWAY" envDefault:"30s"`
	HookToken string        `env:"HOOK_TOKEN"`
}

type StreamConfig struct {
	Host          string        `env:"HOST" envDefault:"localhost"`
	RTMPPort      int           `env:"RTMP_PORT" envDefault:"1935"`
	HTTPPort      int           `env:"HTTP_PORT" envDefault:"8000"`
	KeyTTL        time.Duration `env:"KEY_TTL" envDefault:"2160h"`
	MaxActiveKeys int           `env:"MAX_ACTIVE_KEYS" envDefault:"3"`
}

// RateLimitConfig bounds requests per client IP over Window. Zero disables
// the limiter.
type RateLimitConfig struct {
	Requests   int           `env:"REQUESTS" envDefault:"600"`
	Window     time.Duration `env:"WINDOW" envDefault:"1m"`
	TrustProxy bool          `env:"TRUST_PROXY"`
}

type CORSConfig struct {
	Origins []string `env:"ORIGINS"`
}

// Load reads envFile (or ./.env when envFile is empty and the file exists)
// and parses the environment into a validated Config. Variables already set
// in the process win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = defaultListenForMode(c.Mode)
	}
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "development", "production":
	default:
		errs = append(errs, fmt.Errorf("unsupported mode %q", c.Mode))
	}
	switch c.Storage.Driver {
	case "json":
		if strings.TrimSpace(c.Storage.DataPath) == "" {
			errs = append(errs, errors.New("json storage requires a data path"))
		}
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("%s storage requires %sSTORAGE_DSN", c.Storage.Driver, EnvPrefix))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	if c.Mode == "production" && c.Storage.Driver == "json" {
		errs = append(errs, errors.New("production mode requires the sqlite or postgres storage driver"))
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, fmt.Errorf("%sAUTH_SECRET is required", EnvPrefix))
	}
	if c.Upload.MaxSize <= 0 {
		errs = append(errs, errors.New("upload max size must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("both TLS cert and key must be provided"))
	}
	if strings.TrimSpace(c.Media.Bucket) == "" && strings.TrimSpace(c.Media.Dir) == "" {
		errs = append(errs, errors.New("media sink requires a bucket or a directory"))
	}
	return errors.Join(errs...)
}
