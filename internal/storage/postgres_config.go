package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	AutoMigrate         bool
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		ApplicationName: "mediacore",
		AcquireTimeout:  5 * time.Second,
		AutoMigrate:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}
