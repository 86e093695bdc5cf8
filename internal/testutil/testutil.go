package testutil

import (
	"context"
	"os/exec"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:17-alpine"

// PostgresContainer is a running postgres with the credit schema applied.
type PostgresContainer struct {
	DSN       string
	Pool      *pgxpool.Pool
	Terminate func()
}

// StartPostgresContainer starts postgres in docker, runs migrate against it and opens a pool.
// The test is skipped when docker is not available.
func StartPostgresContainer(t *testing.T, migrate func(dsn string) error) PostgresContainer {
	t.Helper()

	if out, err := exec.Command("docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		t.Skipf("docker not available: %s", out)
	}

	container, err := postgres.Run(context.Background(),
		postgresImage,
		postgres.WithDatabase("credits-test"),
		postgres.WithUsername("credits"),
		postgres.WithPassword("pwd"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(context.Background(), "sslmode=disable")
	require.NoError(t, err, "postgres connection string")
	t.Logf("postgres container started, DSN=%v", dsn)

	require.NoError(t, migrate(dsn), "apply migrations")

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err, "open pool")

	return PostgresContainer{
		DSN:  dsn,
		Pool: pool,
		Terminate: func() {
			pool.Close()
			testcontainers.CleanupContainer(t, container)
		},
	}
}

type beginner interface {
	Begin(context.Context) (pgx.Tx, error)
}

// WithTx runs testFunc inside a transaction that is rolled back afterwards.
func WithTx(t *testing.T, db beginner, testFunc func(tx pgx.Tx)) {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)

	defer func() {
		require.NoError(t, tx.Rollback(context.Background()))
	}()

	testFunc(tx)
}
