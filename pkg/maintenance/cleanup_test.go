package maintenance_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/maintenance"
	"github.com/zph/wsusctl/pkg/simulation"
	"github.com/zph/wsusctl/pkg/store"
	"github.com/zph/wsusctl/pkg/updateserver"
)

const instance = `localhost\SQLEXPRESS`

func testOptions() maintenance.Options {
	opts := maintenance.DefaultOptions()
	opts.BatchThrottle = time.Millisecond
	opts.ShrinkRetryDelay = time.Millisecond
	return opts
}

func newCleaner(sim *simulation.Simulator, cfg *config.Config, opts maintenance.Options) *maintenance.Cleaner {
	if cfg == nil {
		cfg = config.Default()
	}
	return maintenance.NewCleaner(updateserver.NewDefaultChain(sim.Runner(), cfg), sim.Provider(), opts)
}

func runCleanup(t *testing.T, sim *simulation.Simulator, opts maintenance.Options) (*maintenance.Stats, []string) {
	t.Helper()
	var lines []string
	res := newCleaner(sim, nil, opts).RunDeepCleanup(context.Background(), instance, func(l string) { lines = append(lines, l) })
	require.True(t, res.Success(), res.Detail())
	return res.Data(), lines
}

func ids(n int) []store.Row {
	rows := make([]store.Row, n)
	for i := range rows {
		rows[i] = store.Row{"LocalUpdateID": int64(i + 1)}
	}
	return rows
}

func TestRunDeepCleanup_AllStages(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetRowsAffected("DELETE FROM tbRevisionSupersedesUpdate", 812)
	cfg.SetScalar("COUNT(*) FROM tbRevisionSupersedesUpdate", int64(25000))
	cfg.SetRowsAffected("DELETE TOP", 10000, 10000, 5000)
	cfg.SetRows("SELECT DISTINCT r.LocalUpdateID", ids(3))
	cfg.SetRows("dm_db_index_physical_stats", []store.Row{
		{"TableName": "tbRevision", "IndexName": "IX_Rev", "Fragmentation": 45.5},
		{"TableName": "tbUpdate", "IndexName": "IX_Upd", "Fragmentation": []byte("12.0")},
	})
	sim := simulation.New(cfg)

	stats, lines := runCleanup(t, sim, testOptions())

	assert.True(t, stats.BuiltInCleanupOK)
	assert.Equal(t, int64(812), stats.DeclinedSupersessions)
	assert.Equal(t, int64(25000), stats.SupersededSupersessions)
	assert.Equal(t, 3, stats.SupersededBatches)
	assert.Equal(t, 3, stats.DeclinedDeleted)
	assert.Equal(t, 1, stats.IndexesRebuilt)
	assert.Equal(t, 1, stats.IndexesReorganized)
	assert.True(t, stats.ShrinkCompleted)

	for i := 1; i <= 6; i++ {
		found := false
		for _, l := range lines {
			if strings.HasPrefix(l, "[Step "+string(rune('0'+i))+"/6]") && strings.Contains(l, "done (") {
				found = true
			}
		}
		assert.True(t, found, "step %d reported", i)
	}

	execs := sim.Targets(simulation.OpSQLExec)
	assert.Contains(t, execs, "EXEC spDeleteUpdate @localUpdateID = 2")
	assert.Contains(t, execs, "ALTER INDEX [IX_Rev] ON [tbRevision] REBUILD")
	assert.Contains(t, execs, "ALTER INDEX [IX_Upd] ON [tbUpdate] REORGANIZE")
	assert.Contains(t, execs, "EXEC sp_updatestats")
	assert.Contains(t, execs, "DBCC SHRINKDATABASE([SUSDB], 10) WITH NO_INFOMSGS")

	for _, op := range sim.OperationsOfType(simulation.OpSQLExec) {
		if strings.HasPrefix(op.Target, "DELETE") {
			assert.Equal(t, store.Unbounded, op.Metadata["timeout"])
		}
	}
}

func TestRunDeepCleanup_IterationCap(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetScalar("COUNT(*) FROM tbRevisionSupersedesUpdate", int64(15000))
	// the server keeps claiming full batches
	cfg.SetRowsAffected("DELETE TOP", 10000)
	sim := simulation.New(cfg)

	stats, lines := runCleanup(t, sim, testOptions())

	assert.Equal(t, 3, stats.SupersededBatches, "ceil(15000/10000)+1")
	assert.Contains(t, strings.Join(lines, "\n"), "Iteration limit reached after 3 batches")
}

func TestRunDeepCleanup_DeclinedFaultClasses(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetRows("SELECT DISTINCT r.LocalUpdateID", ids(4))
	conflict := cfg.SetFailureTimes(simulation.OpSQLExec, "@localUpdateID = 1", "The DELETE statement conflicted with the REFERENCE constraint", 1)
	conflict.ErrorNumber = 547
	flaky := cfg.SetFailureTimes(simulation.OpSQLExec, "@localUpdateID = 2", "Transaction was deadlocked", 1)
	flaky.ErrorNumber = 1205
	dead := cfg.SetFailureTimes(simulation.OpSQLExec, "@localUpdateID = 3", "connection reset by peer", 2)
	dead.ErrorNumber = 10054
	sim := simulation.New(cfg)

	opts := testOptions()
	opts.DeclinedBatchSize = 2
	stats, lines := runCleanup(t, sim, opts)

	assert.Equal(t, 4, stats.DeclinedUpdates)
	assert.Equal(t, 2, stats.DeclinedDeleted, "update 2 succeeds on retry, update 4 first time")
	assert.Equal(t, 1, stats.DeclinedSkipped)
	assert.Equal(t, 1, stats.DeclinedTransient)
	assert.Contains(t, lines, "  Processed 2/4 declined updates...")
	assert.Contains(t, lines, "  1 updates skipped after transient errors.")
}

func TestRunDeepCleanup_UndeletableUpdateDoesNotAbort(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetRows("SELECT DISTINCT r.LocalUpdateID", ids(5))
	f := cfg.SetFailure(simulation.OpSQLExec, "@localUpdateID = 3", "Update cannot be deleted: revision still in use")
	f.ErrorNumber = 50000
	sim := simulation.New(cfg)

	stats, lines := runCleanup(t, sim, testOptions())

	assert.Equal(t, 5, stats.DeclinedUpdates)
	assert.Equal(t, 4, stats.DeclinedDeleted)
	assert.Equal(t, 1, stats.DeclinedFailed)
	assert.Zero(t, stats.DeclinedSkipped)
	assert.Zero(t, stats.DeclinedTransient)
	assert.Contains(t, lines, "  1 updates could not be deleted (see log).")

	execs := sim.Targets(simulation.OpSQLExec)
	assert.Contains(t, execs, "EXEC spDeleteUpdate @localUpdateID = 5")
	assert.Contains(t, execs, "EXEC sp_updatestats")
	assert.Contains(t, execs, "DBCC SHRINKDATABASE([SUSDB], 10) WITH NO_INFOMSGS")

	attempts := 0
	for _, target := range execs {
		if target == "EXEC spDeleteUpdate @localUpdateID = 3" {
			attempts++
		}
	}
	assert.Equal(t, 1, attempts, "non-transient faults are not retried")
}

func TestRunDeepCleanup_FatalStageAborts(t *testing.T) {
	cfg := simulation.NewConfig()
	f := cfg.SetFailure(simulation.OpSQLQuery, "SELECT DISTINCT r.LocalUpdateID", "Invalid object name 'tbRevision'")
	f.ErrorNumber = 208
	sim := simulation.New(cfg)

	res := newCleaner(sim, nil, testOptions()).RunDeepCleanup(context.Background(), instance, nil)

	assert.False(t, res.Success())
	assert.Nil(t, res.Data())
	assert.Equal(t, "Deep cleanup failed at step 4/6 (Deleting declined updates)", res.Message())
	assert.NotContains(t, sim.Targets(simulation.OpSQLExec), "EXEC sp_updatestats")
}

func TestRunDeepCleanup_UnreadableSupersededCount(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetScalar("COUNT(*) FROM tbRevisionSupersedesUpdate", "n/a")
	sim := simulation.New(cfg)

	res := newCleaner(sim, nil, testOptions()).RunDeepCleanup(context.Background(), instance, nil)

	assert.False(t, res.Success())
	assert.Equal(t, "Deep cleanup failed at step 3/6 (Removing superseded supersession records)", res.Message())
	assert.Contains(t, res.Detail(), "could not read superseded record count")
	for _, target := range sim.Targets(simulation.OpSQLExec) {
		assert.False(t, strings.HasPrefix(target, "DELETE TOP"), "no batches without a count")
	}
}

func TestRunDeepCleanup_BuiltInFailureIsWarning(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetExitCode("wsusutil.exe deleteunneededrevisions", 1)
	sim := simulation.New(cfg)

	appCfg := config.Default()
	appCfg.EnableFallbackForCleanup = false

	var lines []string
	res := newCleaner(sim, appCfg, testOptions()).RunDeepCleanup(context.Background(), instance, func(l string) { lines = append(lines, l) })

	require.True(t, res.Success())
	assert.False(t, res.Data().BuiltInCleanupOK)
	assert.Contains(t, lines, "[WARN] WSUS built-in cleanup: wsusutil deleteunneededrevisions failed with exit code 1.")
}

func TestRunDeepCleanup_ShrinkContention(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetFailure(simulation.OpSQLExec, "SHRINKDATABASE",
		"Backup, file manipulation operations (such as ALTER DATABASE ADD FILE) and encryption changes on a database must be serialized.")
	sim := simulation.New(cfg)

	stats, lines := runCleanup(t, sim, testOptions())

	assert.False(t, stats.ShrinkCompleted)
	shrinks := 0
	for _, op := range sim.OperationsOfType(simulation.OpSQLExec) {
		if strings.Contains(op.Target, "SHRINKDATABASE") {
			shrinks++
		}
	}
	assert.Equal(t, 3, shrinks)
	assert.Contains(t, strings.Join(lines, "\n"), "[WARN] Shrinking database: shrink skipped, database busy after 3 attempts")
}

func TestRunDeepCleanup_ShrinkRecovers(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetFailureTimes(simulation.OpSQLExec, "SHRINKDATABASE", "file manipulation in progress", 2)
	sim := simulation.New(cfg)

	stats, lines := runCleanup(t, sim, testOptions())
	assert.True(t, stats.ShrinkCompleted)

	shrinks := 0
	for _, target := range sim.Targets(simulation.OpSQLExec) {
		if strings.Contains(target, "SHRINKDATABASE") {
			shrinks++
		}
	}
	assert.Equal(t, 3, shrinks, "two retries then success")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "retrying in 1ms (attempt 2/3)")
	assert.NotContains(t, joined, "[WARN] Shrinking database")
}

func TestRunDeepCleanup_Cancelled(t *testing.T) {
	sim := simulation.New(simulation.NewConfig())
	ctx, cancel := context.WithCancel(context.Background())

	var lines []string
	res := newCleaner(sim, nil, testOptions()).RunDeepCleanup(ctx, instance, func(l string) {
		lines = append(lines, l)
		if strings.HasPrefix(l, "[Step 2/6]") {
			cancel()
		}
	})

	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err(), context.Canceled)
	for _, l := range lines {
		assert.False(t, strings.HasPrefix(l, "[Step 3/6]"))
	}
}

func TestStatsReclaimed(t *testing.T) {
	s := &maintenance.Stats{SizeBeforeGB: 10, SizeAfterGB: 8}
	assert.Equal(t, uint64(2<<30), s.ReclaimedBytes())
	s.SizeAfterGB = 12
	assert.Zero(t, s.ReclaimedBytes())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cleanup.ShrinkRetries = 5
	opts := maintenance.OptionsFromConfig(cfg)
	assert.Equal(t, "SUSDB", opts.Database)
	assert.Equal(t, 5, opts.ShrinkAttempts)
	assert.Equal(t, time.Second, opts.BatchThrottle)
	assert.Equal(t, 30*time.Second, opts.ShrinkRetryDelay)
}
