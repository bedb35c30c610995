//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresTables = []string{
	"stream_stats",
	"live_sessions",
	"stream_keys",
	"upload_sessions",
	"channels",
}

func startEphemeralPostgres(t *testing.T) (string, func()) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("MEDIACORE_TEST_POSTGRES_DSN not set and docker unavailable")
	}

	user := envOr("MEDIACORE_TEST_POSTGRES_USER", "mediacore")
	password := envOr("MEDIACORE_TEST_POSTGRES_PASSWORD", "mediacore")
	db := envOr("MEDIACORE_TEST_POSTGRES_DB", "mediacore_test")
	port := envOr("MEDIACORE_TEST_POSTGRES_PORT", "54329")
	image := envOr("MEDIACORE_TEST_POSTGRES_IMAGE", "postgres:16-alpine")

	containerName := fmt.Sprintf("mediacore-postgres-test-%d", time.Now().UnixNano())
	args := []string{
		"run", "--rm", "--detach",
		"--name", containerName,
		"--publish", fmt.Sprintf("%s:5432", port),
		"--env", fmt.Sprintf("POSTGRES_USER=%s", user),
		"--env", fmt.Sprintf("POSTGRES_PASSWORD=%s", password),
		"--env", fmt.Sprintf("POSTGRES_DB=%s", db),
		"--health-cmd", fmt.Sprintf("pg_isready -U %s -d %s", user, db),
		"--health-interval", "2s",
		"--health-timeout", "5s",
		"--health-retries", "15",
		image,
	}
	if output, err := exec.Command("docker", args...).CombinedOutput(); err != nil {
		t.Skipf("start postgres container: %v: %s", err, string(output))
	}
	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	}

	deadline := time.Now().Add(60 * time.Second)
	for {
		output, err := exec.Command("docker", "inspect", "--format", "{{.State.Health.Status}}", containerName).CombinedOutput()
		status := strings.TrimSpace(string(output))
		if err == nil && status == "healthy" {
			break
		}
		if status == "unhealthy" || time.Now().After(deadline) {
			logs, _ := exec.Command("docker", "logs", containerName).CombinedOutput()
			cleanup()
			t.Fatalf("postgres container did not become healthy: %s", string(logs))
		}
		time.Sleep(time.Second)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", user, password, port, db)
	return dsn, cleanup
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func postgresRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()

	dsn := os.Getenv("MEDIACORE_TEST_POSTGRES_DSN")
	var cleanupFns []func()
	if strings.TrimSpace(dsn) == "" {
		var dockerCleanup func()
		dsn, dockerCleanup = startEphemeralPostgres(t)
		cleanupFns = append(cleanupFns, dockerCleanup)
		_ = os.Setenv("MEDIACORE_TEST_POSTGRES_DSN", dsn)
	}

	repo, err := NewPostgresRepository(dsn, opts...)
	if err != nil {
		return nil, nil, err
	}
	pool := repo.(*postgresRepository).pool
	if err := truncatePostgresTables(context.Background(), pool); err != nil {
		_ = repo.Close(context.Background())
		t.Fatalf("truncate tables: %v", err)
	}

	cleanup := func() {
		if err := truncatePostgresTables(context.Background(), pool); err != nil {
			t.Errorf("truncate tables: %v", err)
		}
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
		for i := len(cleanupFns) - 1; i >= 0; i-- {
			cleanupFns[i]()
		}
	}
	return repo, cleanup, nil
}

func truncatePostgresTables(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(postgresTables, ", "))
	_, err := pool.Exec(ctx, query)
	return err
}
