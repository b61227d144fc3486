package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
)

// stopOrder is the order services are stopped before a restore. SQL Server
// stays up; restarts run in reverse.
var stopOrder = []string{services.WSUS, services.IIS}

// Restore replaces the database with backupPath and re-points the update
// server at it.
func (m *Manager) Restore(ctx context.Context, storeInstance, backupPath, contentPath string, progress operation.Progress) operation.Result {
	ctx, span := tracer.Start(ctx, "restore")
	defer span.End()

	started := time.Now()
	db := m.stores.Store(storeInstance)
	logger.Info("Starting database restore from %s", backupPath)

	if res := m.requireSysadmin(ctx, db, "restore", progress); !res.Success() {
		return res
	}

	exists, err := m.runner.FileExists(ctx, backupPath)
	if err != nil {
		return operation.Fail(fmt.Sprintf("Could not check backup file: %s", backupPath), err)
	}
	if !exists {
		msg := fmt.Sprintf("Backup file not found: %s", backupPath)
		progress.Emitf("[FAIL] %s", msg)
		return operation.Fail(msg, nil)
	}
	progress.Emitf("[OK] Backup file found: %s", backupPath)

	progress.Emit("Verifying backup integrity...")
	if res := m.VerifyBackup(ctx, db, backupPath); !res.Success() {
		progress.Emitf("[FAIL] %s", res.Detail())
		return res
	}
	progress.Emit("[OK] Backup integrity verified.")

	for _, name := range stopOrder {
		progress.Emitf("Stopping %s...", services.DisplayName(name))
		if res := m.services.Stop(ctx, name); res.Success() {
			progress.Emitf("[OK] %s stopped.", services.DisplayName(name))
		} else {
			progress.Emitf("[WARN] %s stop: %s (continuing anyway)", name, res.Detail())
		}
	}
	if err := ctx.Err(); err != nil {
		return m.rollback(ctx, db, progress, "Restore was cancelled.", err)
	}

	progress.Emit("Setting database to single-user mode...")
	singleUser := fmt.Sprintf("ALTER DATABASE %s SET SINGLE_USER WITH ROLLBACK IMMEDIATE", m.opts.Database)
	if _, err := db.Exec(ctx, masterDB, singleUser, modeSwitchTimeout); err != nil {
		logger.Error("failed to set single-user mode: %v", err)
		return m.rollback(ctx, db, progress, "Failed to set database to single-user mode", err)
	}
	progress.Emit("[OK] Database set to single-user mode.")

	// Past the commit point the restore completes even if cancelled.
	ctx = context.WithoutCancel(ctx)

	progress.Emit("Restoring database... (this may take several minutes)")
	restore := fmt.Sprintf("RESTORE DATABASE %s FROM DISK = N'%s' WITH REPLACE", m.opts.Database, store.QuoteLiteral(backupPath))
	if _, err := db.Exec(ctx, masterDB, restore, store.Unbounded); err != nil {
		logger.Error("restore of %s failed: %v", m.opts.Database, err)
		return m.rollback(ctx, db, progress, "Restore failed", err)
	}
	progress.Emit("[OK] Database restored.")

	progress.Emit("Setting database back to multi-user mode...")
	multiUserErr := m.multiUser(ctx, db)
	if multiUserErr != nil {
		logger.Warn("Failed to set multi-user mode: %v", multiUserErr)
		progress.Emitf("[WARN] Could not set multi-user mode: %v (will retry after postinstall)", multiUserErr)
	} else {
		progress.Emit("[OK] Database set to multi-user mode.")
	}

	progress.Emit("Running wsusutil postinstall...")
	if res := m.client.PostInstall(ctx, storeInstance, contentPath, progress); res.Success() {
		progress.Emitf("[OK] %s", res.Message())
	} else {
		progress.Emitf("[WARN] %s", res.Detail())
	}

	var incomplete *multierror.Error
	if multiUserErr != nil {
		progress.Emit("Retrying multi-user mode...")
		if err := m.multiUser(ctx, db); err != nil {
			progress.Emitf("[WARN] Database is still in single-user mode: %v", err)
			incomplete = multierror.Append(incomplete, fmt.Errorf("multi-user: %w", err))
		} else {
			progress.Emit("[OK] Database set to multi-user mode.")
		}
	}
	if err := m.restartServices(ctx, progress); err != nil {
		incomplete = multierror.Append(incomplete, err)
	}

	elapsed := time.Since(started)
	if err := incomplete.ErrorOrNil(); err != nil {
		logger.Error("database restored from %s but the server was not returned to service: %v", backupPath, err)
		return operation.FailDegraded("Database restored, but the server was not returned to service. "+ManualIntervention, err)
	}
	progress.Emitf("[OK] Database restore completed in %.0fs.", elapsed.Seconds())
	logger.Info("Database restore completed in %.0fs from %s", elapsed.Seconds(), backupPath)
	return operation.Ok(fmt.Sprintf("Database restore completed successfully in %.0fs.", elapsed.Seconds()))
}

func (m *Manager) multiUser(ctx context.Context, db store.Store) error {
	_, err := db.Exec(ctx, masterDB, fmt.Sprintf("ALTER DATABASE %s SET MULTI_USER", m.opts.Database), modeSwitchTimeout)
	return err
}

// restartServices starts IIS then WSUS, reporting each individually.
func (m *Manager) restartServices(ctx context.Context, progress operation.Progress) error {
	var result *multierror.Error
	for i := len(stopOrder) - 1; i >= 0; i-- {
		name := stopOrder[i]
		progress.Emitf("Restarting %s...", services.DisplayName(name))
		res := m.services.Start(ctx, name)
		if res.Success() {
			progress.Emitf("[OK] %s started.", services.DisplayName(name))
			continue
		}
		progress.Emitf("[WARN] %s start: %s", name, res.Detail())
		result = multierror.Append(result, fmt.Errorf("start %s: %s", name, res.Detail()))
	}
	return result.ErrorOrNil()
}

// rollback returns the server to multi-user mode with services running,
// then builds the failure result. A rollback that itself fails marks the
// result degraded.
func (m *Manager) rollback(ctx context.Context, db store.Store, progress operation.Progress, msg string, cause error) operation.Result {
	ctx = context.WithoutCancel(ctx)
	progress.Emit("Rolling back: restoring multi-user mode and services...")

	var rbErr *multierror.Error
	if err := m.multiUser(ctx, db); err != nil {
		progress.Emitf("[WARN] Could not set multi-user mode: %v", err)
		rbErr = multierror.Append(rbErr, fmt.Errorf("multi-user: %w", err))
	}
	if err := m.restartServices(ctx, progress); err != nil {
		rbErr = multierror.Append(rbErr, err)
	}

	if rbErr.ErrorOrNil() == nil {
		return operation.Fail(msg, cause)
	}
	logger.Error("restore rollback incomplete: %v", rbErr)
	return operation.FailDegraded(strings.TrimSuffix(msg, ".")+". "+ManualIntervention, multierror.Append(cause, rbErr.Errors...))
}
