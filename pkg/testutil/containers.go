package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

const containerStartup = 60 * time.Second

// StartPostgres runs a disposable PostgreSQL container for the duration of
// the test and returns its connection string. It skips unless integration
// tests are enabled.
func StartPostgres(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("jobexec"),
		tcpostgres.WithUsername("jobexec"),
		tcpostgres.WithPassword("jobexec"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(containerStartup),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	terminateOnCleanup(t, container)

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return url
}

// StartRedis runs a disposable Redis container and returns its redis:// URL.
func StartRedis(t *testing.T) string {
	t.Helper()
	RequireIntegration(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(containerStartup),
		),
	)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	terminateOnCleanup(t, container)

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	return url
}

func terminateOnCleanup(t *testing.T, container testcontainers.Container) {
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
}
