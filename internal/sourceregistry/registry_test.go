package sourceregistry

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/storage"
)

func newTestRegistry(t *testing.T, ctx context.Context) (*Registry, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, storage.Bootstrap(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return New(pool), cleanup
}

func TestRegistry_UpsertThenFind(t *testing.T) {
	ctx := context.Background()
	reg, cleanup := newTestRegistry(t, ctx)
	defer cleanup()

	sd := domain.SourceDatabase{
		SourceCode:        "src1",
		Host:              "db.internal",
		Port:              5432,
		DBName:            "orders",
		Dialect:           domain.SourceDialectPostgreSQL,
		Username:          "reader",
		EncryptedPassword: []byte("ciphertext"),
		ReadOnlyVerified:  true,
	}
	require.NoError(t, reg.Upsert(ctx, sd))

	found, err := reg.Find(ctx, "src1")
	require.NoError(t, err)
	require.Equal(t, sd, found)
}

func TestRegistry_Find_NotFound(t *testing.T) {
	ctx := context.Background()
	reg, cleanup := newTestRegistry(t, ctx)
	defer cleanup()

	_, err := reg.Find(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_List_OrderedBySourceCode(t *testing.T) {
	ctx := context.Background()
	reg, cleanup := newTestRegistry(t, ctx)
	defer cleanup()

	require.NoError(t, reg.Upsert(ctx, domain.SourceDatabase{SourceCode: "b", Host: "h", Port: 1, DBName: "d", Dialect: domain.SourceDialectMySQL, Username: "u", EncryptedPassword: []byte("x")}))
	require.NoError(t, reg.Upsert(ctx, domain.SourceDatabase{SourceCode: "a", Host: "h", Port: 1, DBName: "d", Dialect: domain.SourceDialectMySQL, Username: "u", EncryptedPassword: []byte("x")}))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].SourceCode)
	require.Equal(t, "b", list[1].SourceCode)
}
