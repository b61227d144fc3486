// Package backup backs up and restores the update server database.
//
// Restore is a state machine with one commit point: once the database is
// switched to single-user mode every remaining step runs to completion
// regardless of cancellation, and any failure rolls the server back to
// multi-user mode with its services running.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/paths"
	"github.com/zph/wsusctl/pkg/posture"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
	"github.com/zph/wsusctl/pkg/updateserver"
)

var tracer = otel.Tracer("github.com/zph/wsusctl/pkg/backup")

const (
	masterDB = "master"

	// modeSwitchTimeout bounds SINGLE_USER and MULTI_USER changes.
	modeSwitchTimeout = 30
)

// ManualIntervention is appended to a failure that left the server out of
// service: a failed rollback, or a restore whose cleanup steps failed.
const ManualIntervention = "Manual intervention required."

// Options configure a Manager.
type Options struct {
	Database string
	// EstimatePct is the expected compressed backup size as a percentage
	// of the database size.
	EstimatePct int
}

// OptionsFromConfig reads the backup settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Database: cfg.Database, EstimatePct: cfg.Cleanup.BackupEstimatePct}
}

// Manager runs backups and restores.
type Manager struct {
	runner   executor.Runner
	stores   store.Provider
	services *services.Manager
	client   updateserver.Client
	opts     Options
}

// NewManager creates a Manager. client runs postinstall after a restore.
func NewManager(r executor.Runner, stores store.Provider, svc *services.Manager, client updateserver.Client, opts Options) *Manager {
	if opts.Database == "" {
		opts.Database = "SUSDB"
	}
	if opts.EstimatePct <= 0 {
		opts.EstimatePct = 80
	}
	return &Manager{runner: r, stores: stores, services: svc, client: client, opts: opts}
}

func (m *Manager) requireSysadmin(ctx context.Context, db store.Store, action string, progress operation.Progress) operation.Result {
	progress.Emit("Checking SQL sysadmin permissions...")
	res := posture.CheckSysadmin(ctx, db)
	if !res.Success() {
		msg := fmt.Sprintf("Could not verify SQL sysadmin permissions for %s.", action)
		progress.Emitf("[FAIL] %s", msg)
		return operation.Fail(msg, res.Err())
	}
	if !res.Data() {
		msg := fmt.Sprintf("Database %s requires SQL sysadmin permissions. Current user is not a SQL sysadmin.", action)
		progress.Emitf("[FAIL] %s", msg)
		return operation.Fail(msg, posture.ErrNotSysadmin)
	}
	progress.Emit("[OK] SQL sysadmin permissions confirmed.")
	return operation.Ok("")
}

// Backup writes a compressed full backup of the database to
// destinationPath on the server.
func (m *Manager) Backup(ctx context.Context, storeInstance, destinationPath string, progress operation.Progress) operation.Result {
	ctx, span := tracer.Start(ctx, "backup")
	defer span.End()

	started := time.Now()
	db := m.stores.Store(storeInstance)
	logger.Info("Starting database backup to %s", destinationPath)

	if res := m.requireSysadmin(ctx, db, "backup", progress); !res.Success() {
		return res
	}

	progress.Emit("Getting current database size...")
	if res := m.checkDiskSpace(ctx, db, destinationPath, progress); !res.Success() {
		return res
	}

	progress.Emitf("Starting backup to: %s", destinationPath)
	progress.Emit("This may take several minutes for large databases...")
	stmt := fmt.Sprintf("BACKUP DATABASE %s TO DISK = N'%s' WITH COMPRESSION, INIT",
		m.opts.Database, store.QuoteLiteral(destinationPath))
	if _, err := db.Exec(ctx, masterDB, stmt, store.Unbounded); err != nil {
		if ctx.Err() != nil {
			return operation.Fail("Backup was cancelled.", ctx.Err())
		}
		logger.Error("backup of %s failed: %v", m.opts.Database, err)
		return operation.Fail("Backup failed", err)
	}

	elapsed := time.Since(started)
	if size, ok := m.lastBackupSize(ctx, db); ok {
		span.SetAttributes(attribute.Int64("backup.bytes", int64(size)))
		progress.Emitf("[OK] Backup completed: %s in %.0fs", humanize.IBytes(size), elapsed.Seconds())
	} else {
		progress.Emitf("[OK] Backup completed in %.0fs", elapsed.Seconds())
	}
	progress.Emitf("Backup file: %s", destinationPath)

	logger.Info("Database backup completed in %.0fs to %s", elapsed.Seconds(), destinationPath)
	return operation.Ok(fmt.Sprintf("Database backup completed successfully in %.0fs.", elapsed.Seconds()))
}

// checkDiskSpace compares the estimated backup size against free space on
// the destination volume. Unknown sizes skip the check.
func (m *Manager) checkDiskSpace(ctx context.Context, db store.Store, destinationPath string, progress operation.Progress) operation.Result {
	gb, err := posture.DatabaseSizeGB(ctx, db, m.opts.Database)
	if err != nil || gb <= 0 {
		logger.Warn("Could not get database size: %v", err)
		return operation.Ok("")
	}
	estimate := posture.GBToBytes(gb * float64(m.opts.EstimatePct) / 100)
	progress.Emitf("Database size: %s. Estimated backup size: %s",
		humanize.IBytes(posture.GBToBytes(gb)), humanize.IBytes(estimate))

	dir := paths.WindowsDir(destinationPath)
	free, err := m.runner.DiskFree(ctx, dir)
	if err != nil {
		logger.Warn("Could not determine free space on %s: %v", dir, err)
		return operation.Ok("")
	}
	if free < estimate {
		msg := fmt.Sprintf("Insufficient disk space for backup. Estimated backup: %s, Available: %s on %s",
			humanize.IBytes(estimate), humanize.IBytes(free), dir)
		progress.Emitf("[FAIL] %s", msg)
		return operation.Fail(msg, nil)
	}
	progress.Emitf("[OK] Disk space: %s available on backup drive.", humanize.IBytes(free))
	return operation.Ok("")
}

// lastBackupSize reads the compressed size of the newest backup set.
func (m *Manager) lastBackupSize(ctx context.Context, db store.Store) (uint64, bool) {
	v, err := db.Scalar(ctx, "msdb",
		"SELECT TOP 1 compressed_backup_size FROM msdb.dbo.backupset WHERE database_name = N'"+
			store.QuoteLiteral(m.opts.Database)+"' ORDER BY backup_finish_date DESC", 10)
	if err != nil {
		logger.Debug("backup size lookup failed: %v", err)
		return 0, false
	}
	n, ok := store.Int64(v)
	if !ok || n <= 0 {
		return 0, false
	}
	return uint64(n), true
}

// VerifyBackup checks a backup file's integrity without restoring it.
func (m *Manager) VerifyBackup(ctx context.Context, db store.Store, backupPath string) operation.Result {
	logger.Debug("Verifying backup: %s", backupPath)
	stmt := fmt.Sprintf("RESTORE VERIFYONLY FROM DISK = N'%s' WITH CHECKSUM", store.QuoteLiteral(backupPath))
	if _, err := db.Exec(ctx, masterDB, stmt, store.Unbounded); err != nil {
		logger.Warn("Backup verification failed for %s: %v", backupPath, err)
		return operation.Fail("Backup verification failed", err)
	}
	return operation.Ok("Backup file is valid.")
}
