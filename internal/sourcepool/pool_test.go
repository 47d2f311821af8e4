package sourcepool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// newTestPostgres spins up an ephemeral PostgreSQL container following the
// lake/pkg/duck/lake_test.go pattern, and returns a SourceDatabase pointed
// at it plus a cleanup func.
func newTestPostgres(t *testing.T, ctx context.Context) (domain.SourceDatabase, func()) {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	src := domain.SourceDatabase{
		SourceCode:        "test_source",
		Host:              host,
		Port:              port.Int(),
		DBName:            "testdb",
		Dialect:           domain.SourceDialectPostgreSQL,
		Username:          "testuser",
		EncryptedPassword: []byte("testpass"),
	}

	cleanup := func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}
	return src, cleanup
}

func TestPool_Borrow_PostgresHappyPath(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	src, cleanup := newTestPostgres(t, ctx)
	defer cleanup()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pool, err := New(Config{
		Logger: log,
		Dialer: NewStdDialer(),
		Lookup: func(ctx context.Context, sourceCode string) (domain.SourceDatabase, error) {
			return src, nil
		},
	})
	require.NoError(t, err)
	defer pool.Close()

	handle, err := pool.Borrow(ctx, "test_source", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, handle.PG)
	defer handle.Release()

	var result int
	err = handle.PG.QueryRow(ctx, "SELECT 1").Scan(&result)
	require.NoError(t, err)
	require.Equal(t, 1, result)
}

func TestPool_Borrow_UnknownSourceFails(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pool, err := New(Config{
		Logger: log,
		Dialer: NewStdDialer(),
		Lookup: func(ctx context.Context, sourceCode string) (domain.SourceDatabase, error) {
			return domain.SourceDatabase{}, fmt.Errorf("no such source: %s", sourceCode)
		},
	})
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Borrow(ctx, "missing", time.Second)
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestPool_ReloadAll_NotifiesListeners(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pool, err := New(Config{
		Logger: log,
		Dialer: NewStdDialer(),
		Lookup: func(ctx context.Context, sourceCode string) (domain.SourceDatabase, error) {
			return domain.SourceDatabase{}, fmt.Errorf("unused")
		},
	})
	require.NoError(t, err)
	defer pool.Close()

	notified := false
	pool.ReloadAll(func() { notified = true })
	require.True(t, notified)
}
