package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/store"
)

// Revision states in tbRevision.
const (
	revisionDeclined   = 2
	revisionSuperseded = 3
)

const idPageSize = 10000

func supersessionFilter(state int) string {
	return fmt.Sprintf("SupersededRevisionID IN (SELECT RevisionID FROM tbRevision WHERE RevisionState = %d)", state)
}

// purgeDeclinedSupersessions removes supersession rows of declined
// revisions in a single unbounded statement.
func (c *Cleaner) purgeDeclinedSupersessions(ctx context.Context, db store.Store, stats *Stats, _ operation.Progress) (int64, error) {
	n, err := db.Exec(ctx, c.opts.Database,
		"DELETE FROM tbRevisionSupersedesUpdate WHERE "+supersessionFilter(revisionDeclined),
		store.Unbounded)
	if err != nil {
		return 0, err
	}
	stats.DeclinedSupersessions = n
	return n, nil
}

// purgeSupersededSupersessions deletes in throttled batches until a short
// batch. The iteration cap derived from the pre-count bounds the loop even
// if the server keeps reporting full batches.
func (c *Cleaner) purgeSupersededSupersessions(ctx context.Context, db store.Store, stats *Stats, progress operation.Progress) (int64, error) {
	filter := supersessionFilter(revisionSuperseded)
	v, err := db.Scalar(ctx, c.opts.Database,
		"SELECT COUNT(*) FROM tbRevisionSupersedesUpdate WHERE "+filter, store.Unbounded)
	if err != nil {
		return 0, fmt.Errorf("failed to count superseded records: %w", err)
	}
	total, ok := store.Int64(v)
	if !ok || total < 0 {
		return 0, fmt.Errorf("could not read superseded record count: %v", v)
	}
	batch := int64(c.opts.SupersededBatchSize)
	maxIterations := int((total+batch-1)/batch) + 1
	progress.Emitf("  %d superseded supersession records to remove.", total)

	// a zero throttle yields an unlimited rate
	limiter := rate.NewLimiter(rate.Every(c.opts.BatchThrottle), 1)

	query := fmt.Sprintf("DELETE TOP (%d) FROM tbRevisionSupersedesUpdate WHERE %s", batch, filter)
	var deleted int64
	for i := 0; i < maxIterations; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return deleted, err
		}
		n, err := db.Exec(ctx, c.opts.Database, query, store.Unbounded)
		if err != nil {
			return deleted, err
		}
		deleted += n
		stats.SupersededBatches++
		stats.SupersededSupersessions = deleted
		if n < batch {
			return deleted, nil
		}
		progress.Emitf("  Removed %d/%d...", deleted, total)
	}
	logger.Warn("superseded purge stopped at iteration cap %d with %d rows removed", maxIterations, deleted)
	progress.Emitf("  Iteration limit reached after %d batches; remaining records will be handled by the next run.", maxIterations)
	return deleted, nil
}

// declinedUpdateIDs pages through the local IDs of declined updates.
func (c *Cleaner) declinedUpdateIDs(ctx context.Context, db store.Store) ([]int64, error) {
	query := fmt.Sprintf("SELECT DISTINCT r.LocalUpdateID FROM tbRevision r WHERE r.RevisionState = %d ORDER BY r.LocalUpdateID", revisionDeclined)
	var ids []int64
	for offset := 0; ; offset += idPageSize {
		rows, err := db.Page(ctx, c.opts.Database, query, offset, idPageSize, store.Unbounded)
		if err != nil {
			return nil, fmt.Errorf("failed to list declined updates: %w", err)
		}
		for _, row := range rows {
			if id, ok := store.Int64(row["LocalUpdateID"]); ok {
				ids = append(ids, id)
			}
		}
		if len(rows) < idPageSize {
			return ids, nil
		}
	}
}

// deleteDeclinedUpdates runs spDeleteUpdate per update in batches.
// Dependency conflicts are skipped and transient faults get one retry.
// Any other per-update error is counted as failed; only cancellation
// stops the loop.
func (c *Cleaner) deleteDeclinedUpdates(ctx context.Context, db store.Store, stats *Stats, progress operation.Progress) (int64, error) {
	ids, err := c.declinedUpdateIDs(ctx, db)
	if err != nil {
		return 0, err
	}
	stats.DeclinedUpdates = len(ids)
	progress.Emitf("  %d declined updates to delete.", len(ids))

	for start := 0; start < len(ids); start += c.opts.DeclinedBatchSize {
		if err := ctx.Err(); err != nil {
			return int64(stats.DeclinedDeleted), err
		}
		end := min(start+c.opts.DeclinedBatchSize, len(ids))
		for _, id := range ids[start:end] {
			if err := c.deleteUpdate(ctx, db, id, stats); err != nil {
				return int64(stats.DeclinedDeleted), err
			}
		}
		progress.Emitf("  Processed %d/%d declined updates...", end, len(ids))
	}

	if stats.DeclinedSkipped > 0 {
		progress.Emitf("  %d updates skipped (still referenced).", stats.DeclinedSkipped)
	}
	if stats.DeclinedTransient > 0 {
		progress.Emitf("  %d updates skipped after transient errors.", stats.DeclinedTransient)
	}
	if stats.DeclinedFailed > 0 {
		progress.Emitf("  %d updates could not be deleted (see log).", stats.DeclinedFailed)
	}
	return int64(stats.DeclinedDeleted), nil
}

func (c *Cleaner) deleteUpdate(ctx context.Context, db store.Store, id int64, stats *Stats) error {
	query := fmt.Sprintf("EXEC spDeleteUpdate @localUpdateID = %d", id)
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		_, err = db.Exec(ctx, c.opts.Database, query, store.Unbounded)
		switch {
		case err == nil:
			stats.DeclinedDeleted++
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case store.IsConflict(err):
			logger.Debug("update %d still referenced: %v", id, err)
			stats.DeclinedSkipped++
			return nil
		case !store.IsTransient(err):
			logger.Warn("skipping update %d: %v", id, err)
			stats.DeclinedFailed++
			return nil
		}
		logger.Debug("transient error deleting update %d (attempt %d): %v", id, attempt, err)
	}
	logger.Warn("skipping update %d after transient errors: %v", id, err)
	stats.DeclinedTransient++
	return nil
}

type fragmentedIndex struct {
	table         string
	index         string
	fragmentation float64
}

// maintainIndexes rebuilds or reorganizes fragmented indexes, then
// refreshes statistics. A single index failing does not fail the stage.
func (c *Cleaner) maintainIndexes(ctx context.Context, db store.Store, stats *Stats, progress operation.Progress) (int64, error) {
	rows, err := db.Query(ctx, c.opts.Database, fmt.Sprintf(`SELECT OBJECT_NAME(ps.object_id) AS TableName, i.name AS IndexName,
ps.avg_fragmentation_in_percent AS Fragmentation
FROM sys.dm_db_index_physical_stats(DB_ID(), NULL, NULL, NULL, 'LIMITED') ps
INNER JOIN sys.indexes i ON ps.object_id = i.object_id AND ps.index_id = i.index_id
WHERE ps.page_count > %d AND ps.avg_fragmentation_in_percent > %g AND i.name IS NOT NULL
ORDER BY ps.avg_fragmentation_in_percent DESC`, c.opts.MinPageCount, c.opts.ReorganizeThreshold), store.Unbounded)
	if err != nil {
		return 0, fmt.Errorf("failed to read index fragmentation: %w", err)
	}

	var indexes []fragmentedIndex
	for _, row := range rows {
		frag, _ := store.Float64(row["Fragmentation"])
		indexes = append(indexes, fragmentedIndex{
			table:         store.String(row["TableName"]),
			index:         store.String(row["IndexName"]),
			fragmentation: frag,
		})
	}
	progress.Emitf("  %d fragmented indexes found.", len(indexes))

	for _, ix := range indexes {
		if err := ctx.Err(); err != nil {
			return int64(stats.IndexesRebuilt + stats.IndexesReorganized), err
		}
		action := "REORGANIZE"
		if ix.fragmentation > c.opts.RebuildThreshold {
			action = "REBUILD"
		}
		stmt := fmt.Sprintf("ALTER INDEX %s ON %s %s", quoteName(ix.index), quoteName(ix.table), action)
		if _, err := db.Exec(ctx, c.opts.Database, stmt, store.Unbounded); err != nil {
			if ctx.Err() != nil {
				return int64(stats.IndexesRebuilt + stats.IndexesReorganized), ctx.Err()
			}
			stats.IndexesFailed++
			progress.Emitf("  [WARN] %s %s.%s: %v", action, ix.table, ix.index, err)
			continue
		}
		if action == "REBUILD" {
			stats.IndexesRebuilt++
		} else {
			stats.IndexesReorganized++
		}
		progress.Emitf("  %s %s.%s (%.1f%%)", action, ix.table, ix.index, ix.fragmentation)
	}

	progress.Emit("  Updating statistics...")
	if _, err := db.Exec(ctx, c.opts.Database, "EXEC sp_updatestats", store.Unbounded); err != nil {
		return int64(stats.IndexesRebuilt + stats.IndexesReorganized), fmt.Errorf("sp_updatestats failed: %w", err)
	}
	return int64(stats.IndexesRebuilt + stats.IndexesReorganized), nil
}

// shrink retries while another backup or file operation holds the
// database, then gives up with a warning.
func (c *Cleaner) shrink(ctx context.Context, db store.Store, stats *Stats, progress operation.Progress) (int64, error) {
	stmt := fmt.Sprintf("DBCC SHRINKDATABASE(%s, %d) WITH NO_INFOMSGS", quoteName(c.opts.Database), c.opts.ShrinkTargetFreePct)
	var err error
	for attempt := 1; attempt <= c.opts.ShrinkAttempts; attempt++ {
		_, err = db.Exec(ctx, c.opts.Database, stmt, store.Unbounded)
		if err == nil {
			stats.ShrinkCompleted = true
			return 0, nil
		}
		if ctx.Err() != nil || !store.IsShrinkContention(err) {
			return 0, err
		}
		if attempt == c.opts.ShrinkAttempts {
			break
		}
		progress.Emitf("  Shrink blocked by another operation, retrying in %s (attempt %d/%d)...",
			c.opts.ShrinkRetryDelay, attempt, c.opts.ShrinkAttempts)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.opts.ShrinkRetryDelay):
		}
	}
	return 0, fmt.Errorf("shrink skipped, database busy after %d attempts: %w", c.opts.ShrinkAttempts, err)
}

// quoteName brackets a SQL identifier.
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
