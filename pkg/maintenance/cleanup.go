// Package maintenance implements the deep cleanup of the update server
// database: built-in cleanup, supersession purges, declined update
// deletion, index maintenance and shrink.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/posture"
	"github.com/zph/wsusctl/pkg/store"
	"github.com/zph/wsusctl/pkg/updateserver"
)

var tracer = otel.Tracer("github.com/zph/wsusctl/pkg/maintenance")

const stageCount = 6

// Options tune the cleanup stages.
type Options struct {
	Database            string
	SupersededBatchSize int
	DeclinedBatchSize   int
	BatchThrottle       time.Duration
	MinPageCount        int
	RebuildThreshold    float64
	ReorganizeThreshold float64
	ShrinkAttempts      int
	ShrinkRetryDelay    time.Duration
	ShrinkTargetFreePct int
}

// DefaultOptions match the stock cleanup settings.
func DefaultOptions() Options {
	return Options{
		Database:            "SUSDB",
		SupersededBatchSize: 10000,
		DeclinedBatchSize:   100,
		BatchThrottle:       time.Second,
		MinPageCount:        1000,
		RebuildThreshold:    30,
		ReorganizeThreshold: 10,
		ShrinkAttempts:      3,
		ShrinkRetryDelay:    30 * time.Second,
		ShrinkTargetFreePct: 10,
	}
}

// OptionsFromConfig reads the cleanup section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Database:            cfg.Database,
		SupersededBatchSize: cfg.Cleanup.SupersededBatchSize,
		DeclinedBatchSize:   cfg.Cleanup.DeclinedBatchSize,
		BatchThrottle:       cfg.BatchThrottle(),
		MinPageCount:        cfg.Cleanup.MinPageCount,
		RebuildThreshold:    cfg.Cleanup.RebuildThreshold,
		ReorganizeThreshold: cfg.Cleanup.ReorganizeThreshold,
		ShrinkAttempts:      cfg.Cleanup.ShrinkRetries,
		ShrinkRetryDelay:    cfg.ShrinkRetryDelay(),
		ShrinkTargetFreePct: cfg.Cleanup.ShrinkTargetFreePct,
	}
}

// Stats counts what each stage did.
type Stats struct {
	BuiltInCleanupOK        bool
	DeclinedSupersessions   int64
	SupersededSupersessions int64
	SupersededBatches       int
	DeclinedUpdates         int
	DeclinedDeleted         int
	DeclinedSkipped         int
	DeclinedTransient       int
	DeclinedFailed          int
	IndexesRebuilt          int
	IndexesReorganized      int
	IndexesFailed           int
	ShrinkCompleted         bool
	SizeBeforeGB            float64
	SizeAfterGB             float64
	Elapsed                 time.Duration
}

// ReclaimedBytes is the database size reduction, never negative.
func (s *Stats) ReclaimedBytes() uint64 {
	if s.SizeBeforeGB <= s.SizeAfterGB {
		return 0
	}
	return posture.GBToBytes(s.SizeBeforeGB - s.SizeAfterGB)
}

// Cleaner runs the deep cleanup pipeline.
type Cleaner struct {
	client updateserver.Client
	stores store.Provider
	opts   Options
}

// NewCleaner creates a Cleaner. client runs the built-in cleanup stage.
func NewCleaner(client updateserver.Client, stores store.Provider, opts Options) *Cleaner {
	def := DefaultOptions()
	if opts.Database == "" {
		opts.Database = def.Database
	}
	if opts.SupersededBatchSize <= 0 {
		opts.SupersededBatchSize = def.SupersededBatchSize
	}
	if opts.DeclinedBatchSize <= 0 {
		opts.DeclinedBatchSize = def.DeclinedBatchSize
	}
	if opts.ShrinkAttempts <= 0 {
		opts.ShrinkAttempts = 1
	}
	return &Cleaner{client: client, stores: stores, opts: opts}
}

// stage runs one numbered step and reports its item count and timing.
type stage struct {
	index int
	label string
	fn    func(ctx context.Context, db store.Store, stats *Stats, progress operation.Progress) (int64, error)
	// fatal stages abort the pipeline on error; others only warn
	fatal bool
}

func (c *Cleaner) stages() []stage {
	return []stage{
		{1, "WSUS built-in cleanup", c.builtInCleanup, false},
		{2, "Removing declined supersession records", c.purgeDeclinedSupersessions, true},
		{3, "Removing superseded supersession records", c.purgeSupersededSupersessions, true},
		{4, "Deleting declined updates", c.deleteDeclinedUpdates, true},
		{5, "Optimizing indexes", c.maintainIndexes, true},
		{6, "Shrinking database", c.shrink, false},
	}
}

// RunDeepCleanup runs the six stages in order. The context is checked
// between stages; stages 2 to 5 abort the run on failure.
func (c *Cleaner) RunDeepCleanup(ctx context.Context, storeInstance string, progress operation.Progress) operation.TypedResult[*Stats] {
	ctx, span := tracer.Start(ctx, "deep-cleanup")
	defer span.End()

	started := time.Now()
	stats := &Stats{}
	db := c.stores.Store(storeInstance)
	logger.Info("Starting deep cleanup on %s/%s", storeInstance, c.opts.Database)

	if gb, err := posture.DatabaseSizeGB(ctx, db, c.opts.Database); err == nil {
		stats.SizeBeforeGB = gb
		progress.Emitf("Current database size: %s", humanize.IBytes(posture.GBToBytes(gb)))
	} else {
		logger.Warn("Could not query %s size: %v", c.opts.Database, err)
	}

	for _, s := range c.stages() {
		if err := ctx.Err(); err != nil {
			return operation.FailWith[*Stats]("Deep cleanup was cancelled.", err)
		}
		if err := c.runStage(ctx, s, db, stats, progress); err != nil {
			if ctx.Err() != nil {
				return operation.FailWith[*Stats]("Deep cleanup was cancelled.", ctx.Err())
			}
			if s.fatal {
				return operation.FailWith[*Stats](fmt.Sprintf("Deep cleanup failed at step %d/%d (%s)", s.index, stageCount, s.label), err)
			}
			progress.Emitf("[WARN] %s: %v", s.label, err)
		}
	}

	if gb, err := posture.DatabaseSizeGB(ctx, db, c.opts.Database); err == nil {
		stats.SizeAfterGB = gb
	}
	stats.Elapsed = time.Since(started)

	if stats.SizeBeforeGB > 0 && stats.SizeAfterGB > 0 {
		progress.Emitf("Database size: %s -> %s (reclaimed %s)",
			humanize.IBytes(posture.GBToBytes(stats.SizeBeforeGB)),
			humanize.IBytes(posture.GBToBytes(stats.SizeAfterGB)),
			humanize.IBytes(stats.ReclaimedBytes()))
	}
	progress.Emitf("Deep cleanup finished in %s.", stats.Elapsed.Round(time.Second))
	span.SetAttributes(attribute.Int64("cleanup.reclaimed_bytes", int64(stats.ReclaimedBytes())))
	logger.WithFields(map[string]interface{}{
		"declined_supersessions":   stats.DeclinedSupersessions,
		"superseded_supersessions": stats.SupersededSupersessions,
		"declined_deleted":         stats.DeclinedDeleted,
		"declined_skipped":         stats.DeclinedSkipped,
		"transient_skipped":        stats.DeclinedTransient,
		"declined_failed":          stats.DeclinedFailed,
	}).Info("deep cleanup completed")

	return operation.OkWith(stats, fmt.Sprintf("Deep cleanup completed successfully in %.0fs.", stats.Elapsed.Seconds()))
}

func (c *Cleaner) runStage(ctx context.Context, s stage, db store.Store, stats *Stats, progress operation.Progress) error {
	ctx, span := tracer.Start(ctx, s.label)
	defer span.End()

	prefix := fmt.Sprintf("[Step %d/%d] %s...", s.index, stageCount, s.label)
	progress.Emit(prefix)
	began := time.Now()

	n, err := s.fn(ctx, db, stats, progress)
	elapsed := time.Since(began).Round(time.Second)
	span.SetAttributes(attribute.Int64("stage.items", n))
	if err != nil {
		span.RecordError(err)
		progress.Emitf("%s failed (%v, %s)", prefix, err, elapsed)
		return err
	}
	progress.Emitf("%s done (%s items, %s)", prefix, humanize.Comma(n), elapsed)
	return nil
}

func (c *Cleaner) builtInCleanup(ctx context.Context, _ store.Store, stats *Stats, progress operation.Progress) (int64, error) {
	res := c.client.Cleanup(ctx, progress)
	if !res.Success() {
		return 0, errors.New(res.Detail())
	}
	stats.BuiltInCleanupOK = true
	return 0, nil
}
