//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const saPassword = "Wsusctl#Test2024"

func startSQLServer(t *testing.T) *SQLStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping SQL Server container in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "mcr.microsoft.com/mssql/server:2022-latest",
		ExposedPorts: []string{"1433/tcp"},
		Env: map[string]string{
			"ACCEPT_EULA":       "Y",
			"MSSQL_SA_PASSWORD": saPassword,
			"MSSQL_PID":         "Express",
		},
		WaitingFor: wait.ForLog("SQL Server is now ready for client connections").
			WithStartupTimeout(3 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "1433/tcp")
	require.NoError(t, err)

	s := NewSQLStore(Options{
		Instance:               fmt.Sprintf("%s,%s", host, port.Port()),
		User:                   "sa",
		Password:               saPassword,
		TrustServerCertificate: true,
	})

	// The log line can precede login readiness by a moment
	require.Eventually(t, func() bool {
		_, err := s.Scalar(ctx, "master", "SELECT 1", 5)
		return err == nil
	}, 60*time.Second, time.Second)
	return s
}

func TestSQLStore_Integration(t *testing.T) {
	s := startSQLServer(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "master", "CREATE DATABASE SUSDB", Unbounded)
	require.NoError(t, err)

	_, err = s.Exec(ctx, "SUSDB", "CREATE TABLE tbRevision (RevisionID INT PRIMARY KEY, RevisionState INT NOT NULL)", 30)
	require.NoError(t, err)

	n, err := s.Exec(ctx, "SUSDB", "INSERT INTO tbRevision VALUES (1, 2), (2, 2), (3, 3), (4, 1), (5, 2)", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	t.Run("scalar", func(t *testing.T) {
		v, err := s.Scalar(ctx, "master", "SELECT DB_ID('SUSDB')", 10)
		require.NoError(t, err)
		_, ok := Int64(v)
		assert.True(t, ok)

		v, err = s.Scalar(ctx, "SUSDB", "SELECT RevisionID FROM tbRevision WHERE RevisionID = 99", 10)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("query with args", func(t *testing.T) {
		rows, err := s.Query(ctx, "SUSDB", "SELECT RevisionID FROM tbRevision WHERE RevisionState = @p1 ORDER BY RevisionID", 10, 2)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		id, _ := Int64(rows[0]["RevisionID"])
		assert.Equal(t, int64(1), id)
	})

	t.Run("page", func(t *testing.T) {
		rows, err := s.Page(ctx, "SUSDB", "SELECT RevisionID FROM tbRevision ORDER BY RevisionID", 2, 2, 10)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		id, _ := Int64(rows[0]["RevisionID"])
		assert.Equal(t, int64(3), id)
	})

	t.Run("delete top batch", func(t *testing.T) {
		n, err := s.Exec(ctx, "SUSDB", "DELETE TOP (2) FROM tbRevision WHERE RevisionState = 2", 30)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := s.Exec(ctx, "master", "WAITFOR DELAY '00:00:05'", 1)
		require.Error(t, err)
		assert.True(t, IsTransient(err), "timeout should classify as transient: %v", err)
	})

	t.Run("sysadmin", func(t *testing.T) {
		v, err := s.Scalar(ctx, "master", "SELECT IS_SRVROLEMEMBER('sysadmin')", 10)
		require.NoError(t, err)
		n, _ := Int64(v)
		assert.Equal(t, int64(1), n)
	})
}
