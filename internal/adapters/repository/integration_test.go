//go:build database

package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/adapters/repository"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// truncate empties every table so each contract leaf starts clean.
func truncate(t *testing.T, backend repository.Backend, dsn string) {
	db, err := repository.OpenDB(context.Background(), backend, dsn)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	// Tables do not exist before the first NewSQLStore call.
	for _, table := range []string{"athletes", "assets", "submission_checkpoints"} {
		_, _ = db.Exec("DELETE FROM " + table)
	}
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) (string, string) {
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return host, mapped.Port()
}

// TestStoreWithPostgres runs the store contract against PostgreSQL.
func TestStoreWithPostgres(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_HOST_AUTH_METHOD": "trust"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432")
	dsn := fmt.Sprintf("host=%s port=%s user=postgres dbname=postgres sslmode=disable", host, port)

	storeContract(t, "postgres", func() repository.Store {
		truncate(t, repository.BackendPostgres, dsn)
		s, err := repository.NewSQLStore(context.Background(), repository.BackendPostgres, dsn)
		require.NoError(t, err)
		return s
	})
}

// TestStoreWithMySQL runs the store contract against MySQL.
func TestStoreWithMySQL(t *testing.T) {
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mysql:8",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret123",
			"MYSQL_DATABASE":      "trustrep",
		},
		WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(90 * time.Second),
	}, "3306")
	dsn := fmt.Sprintf("root:secret123@tcp(%s:%s)/trustrep", host, port)

	storeContract(t, "mysql", func() repository.Store {
		truncate(t, repository.BackendMySQL, dsn)
		s, err := repository.NewSQLStore(context.Background(), repository.BackendMySQL, dsn)
		require.NoError(t, err)
		return s
	})
}
