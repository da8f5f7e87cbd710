package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/migrate"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/store/sqltx"
	"github.com/nimburion/jobexec/pkg/testutil"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func TestOpenJobStore_Memory(t *testing.T) {
	js, err := OpenJobStore(config.DatabaseConfig{Type: " Memory "}, &mockLogger{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := js.AdminStore.(*jobs.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", js.AdminStore)
	}
	if js.Dialect() != "" {
		t.Fatalf("memory store has no dialect, got %q", js.Dialect())
	}
	if err := js.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	if err := js.Migrate("up", 0, migrate.Options{ServiceName: "jobexec"}); !errors.Is(err, ErrNoSchema) {
		t.Fatalf("expected ErrNoSchema, got %v", err)
	}
	if err := js.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenJobStore_UnsupportedType(t *testing.T) {
	_, err := OpenJobStore(config.DatabaseConfig{Type: "mongodb"}, &mockLogger{})
	if err == nil {
		t.Fatal("expected unsupported type error")
	}
	if !strings.Contains(err.Error(), "unsupported database.type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenJobStore_SQLRequiresURL(t *testing.T) {
	for _, kind := range []string{config.DatabaseTypePostgres, config.DatabaseTypeMySQL} {
		if _, err := OpenJobStore(config.DatabaseConfig{Type: kind}, &mockLogger{}); err == nil {
			t.Fatalf("expected %s without URL to fail", kind)
		}
	}
}

func TestNewStorageAdapter_MemoryHasNoAdapter(t *testing.T) {
	adapter, db, err := NewStorageAdapter(config.DatabaseConfig{Type: config.DatabaseTypeMemory}, &mockLogger{})
	if err == nil {
		t.Fatal("expected error for memory type")
	}
	if adapter != nil || db != nil {
		t.Fatal("expected nil adapter")
	}
}

func TestOpenJobStore_PostgresIntegration(t *testing.T) {
	url := testutil.StartPostgres(t)
	ctx := context.Background()

	js, err := OpenJobStore(config.DatabaseConfig{
		Type:         config.DatabaseTypePostgres,
		URL:          url,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		QueryTimeout: 10 * time.Second,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer js.Close()

	if js.Dialect() != sqltx.Postgres {
		t.Fatalf("unexpected dialect %q", js.Dialect())
	}
	opts := migrate.Options{ServiceName: "jobexec", Timeout: 30 * time.Second, Logger: logger.NewNop()}
	if err := js.Migrate("up", 0, opts); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if err := js.HealthCheck(ctx); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}

	job := &jobs.Job{DueDate: time.Now().UTC(), Retries: 3, Payload: jobs.Payload{Kind: jobs.PayloadTask, Handler: "noop"}}
	if err := js.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if count, err := js.CountJobs(ctx); err != nil || count != 1 {
		t.Fatalf("count = %d, %v", count, err)
	}

	if err := js.Migrate("down", 1, opts); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
}

func TestOpenDueDateRegistry(t *testing.T) {
	registry, err := OpenDueDateRegistry(config.RegistryConfig{Type: config.RegistryTypeMemory}, &mockLogger{})
	if err != nil {
		t.Fatalf("open memory registry: %v", err)
	}
	if _, ok := registry.(*jobs.MemoryDueDateRegistry); !ok {
		t.Fatalf("expected memory registry, got %T", registry)
	}

	if _, err := OpenDueDateRegistry(config.RegistryConfig{Type: config.RegistryTypeRedis}, &mockLogger{}); !errors.Is(err, jobs.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for redis without url, got %v", err)
	}
	if _, err := OpenDueDateRegistry(config.RegistryConfig{Type: "etcd"}, &mockLogger{}); err == nil {
		t.Fatal("expected unsupported registry error")
	}
}
