package posture

import (
	"context"
	"errors"
	"fmt"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/store"
)

const (
	masterDB          = "master"
	sqlCommandTimeout = 10

	networkServiceLogin = `NT AUTHORITY\NETWORK SERVICE`
)

// ErrNotSysadmin marks operations refused for lack of the sysadmin role.
var ErrNotSysadmin = errors.New("current user is not a SQL sysadmin")

// CheckSysadmin reports whether the connecting principal holds sysadmin.
// A failed result means the server could not be asked at all.
func CheckSysadmin(ctx context.Context, s store.Store) operation.TypedResult[bool] {
	v, err := s.Scalar(ctx, masterDB, "SELECT IS_SRVROLEMEMBER('sysadmin')", sqlCommandTimeout)
	if err != nil {
		logger.Warn("SQL sysadmin check failed (SQL may be offline): %v", err)
		return operation.FailWith[bool]("SQL connection failed", err)
	}
	n, ok := store.Int64(v)
	if ok && n == 1 {
		return operation.OkWith(true, "Current user has SQL sysadmin permissions.")
	}
	return operation.OkWith(false, "Current user lacks SQL sysadmin permissions.")
}

// CheckNetworkServiceLogin reports whether the WSUS service account has a
// server login.
func CheckNetworkServiceLogin(ctx context.Context, s store.Store) operation.TypedResult[bool] {
	v, err := s.Scalar(ctx, masterDB,
		"SELECT name FROM sys.server_principals WHERE name = N'"+store.QuoteLiteral(networkServiceLogin)+"'",
		sqlCommandTimeout)
	if err != nil {
		return operation.FailWith[bool]("SQL connection failed", err)
	}
	if v == nil {
		return operation.OkWith(false, "NETWORK SERVICE SQL login is missing.")
	}
	return operation.OkWith(true, "NETWORK SERVICE SQL login exists.")
}

// CreateNetworkServiceLogin adds the Windows login for NETWORK SERVICE.
func CreateNetworkServiceLogin(ctx context.Context, s store.Store) operation.Result {
	_, err := s.Exec(ctx, masterDB, "CREATE LOGIN ["+networkServiceLogin+"] FROM WINDOWS", 30)
	if err != nil {
		return operation.Fail("Failed to create NETWORK SERVICE login", err)
	}
	logger.Info("created SQL login %s", networkServiceLogin)
	return operation.Ok("NETWORK SERVICE SQL login created.")
}

// DatabaseSizeGB returns the allocated size of a database's data files.
func DatabaseSizeGB(ctx context.Context, s store.Store, database string) (float64, error) {
	v, err := s.Scalar(ctx, masterDB,
		"SELECT SUM(size * 8.0 / 1024 / 1024) AS SizeGB FROM sys.master_files "+
			"WHERE database_id = DB_ID('"+store.QuoteLiteral(database)+"') AND type = 0",
		sqlCommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to get size of %s: %w", database, err)
	}
	if v == nil {
		return 0, fmt.Errorf("database %s not found", database)
	}
	gb, ok := store.Float64(v)
	if !ok {
		return 0, fmt.Errorf("unexpected size value %v", v)
	}
	return gb, nil
}

// GBToBytes converts a size in GiB to bytes for display.
func GBToBytes(gb float64) uint64 {
	if gb <= 0 {
		return 0
	}
	return uint64(gb * (1 << 30))
}
