package storage

import (
	"strings"
	"time"
)

type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
	applySQLite(*SQLiteConfig)
}

type optionAdapter struct {
	json   func(*Storage)
	pg     func(*PostgresConfig)
	sqlite func(*SQLiteConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func sqliteOnlyOption(sqlite func(*SQLiteConfig)) Option {
	return optionAdapter{sqlite: sqlite}
}

// WithAutoMigrate toggles applying the embedded schema migrations when a SQL
// repository is opened.
func WithAutoMigrate(enabled bool) Option {
	return optionAdapter{
		pg: func(cfg *PostgresConfig) {
			cfg.AutoMigrate = enabled
		},
		sqlite: func(cfg *SQLiteConfig) {
			cfg.AutoMigrate = enabled
		},
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long an operation waits for a pooled
// connection. The same deadline covers the statements issued on it.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return sqliteOnlyOption(func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	})
}
