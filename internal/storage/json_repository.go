package storage

import (
	"fmt"
	"strings"
)

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

// Open selects a datastore by driver name: json, sqlite, or postgres.
func Open(driver, dsn string, opts ...Option) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "json":
		return NewJSONRepository(dsn, opts...)
	case "sqlite":
		return NewSQLiteRepository(dsn, opts...)
	case "postgres", "postgresql":
		return NewPostgresRepository(dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
