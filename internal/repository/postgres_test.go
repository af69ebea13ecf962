package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDatabase starts a disposable PostgreSQL, migrates it to the latest
// schema and returns a repository on it. The container is removed on cleanup.
func setupTestDatabase(t *testing.T) (*PostgresRepository, func()) {
	t.Helper()
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("fieldsync_test"),
		postgres.WithUsername("fieldsync"),
		postgres.WithPassword("fieldsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	terminate := func() {
		if err := pg.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	}

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		t.Fatalf("connection string: %v", err)
	}

	if err := migrateSchema(dsn); err != nil {
		terminate()
		t.Fatalf("migrate schema: %v", err)
	}

	repo, err := NewPostgresRepository(ctx, dsn, PoolConfig{MaxConns: 10})
	if err != nil {
		terminate()
		t.Fatalf("open repository: %v", err)
	}

	return repo, func() {
		repo.Close()
		terminate()
	}
}

// migrateSchema runs the same migrations the migrate command applies.
func migrateSchema(dsn string) error {
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	if err != nil {
		return err
	}
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func TestNewPostgresRepository_InvalidConnString(t *testing.T) {
	_, err := NewPostgresRepository(context.Background(), "postgres://%zz", PoolConfig{})
	require.Error(t, err)
}
