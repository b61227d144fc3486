package diagnostics_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/wsusctl/pkg/diagnostics"
	"github.com/zph/wsusctl/pkg/paths"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/simulation"
	"github.com/zph/wsusctl/pkg/store"
)

const instance = `localhost\SQLEXPRESS`

func newPipeline(sim *simulation.Simulator, stores store.Provider) *diagnostics.Pipeline {
	mgr := services.NewManager(sim.Services(),
		services.WithRetry(1, time.Millisecond),
		services.WithWait(time.Second, time.Millisecond))
	if stores == nil {
		stores = sim.Provider()
	}
	return diagnostics.New(sim.Runner(), mgr, stores, diagnostics.Options{})
}

func runDiagnostics(t *testing.T, sim *simulation.Simulator) (*diagnostics.Report, []string) {
	t.Helper()
	var lines []string
	report, err := newPipeline(sim, nil).RunDiagnostics(context.Background(), paths.DefaultContentPath, instance,
		func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	return report, lines
}

func TestRunDiagnostics_Healthy(t *testing.T) {
	report, lines := runDiagnostics(t, simulation.New(simulation.NewConfig()))

	require.Len(t, report.Checks, 14)
	names := make([]string, len(report.Checks))
	for i, c := range report.Checks {
		names[i] = c.Name
	}
	assert.Equal(t, []string{
		diagnostics.CheckSQLExpress, diagnostics.CheckSQLBrowser, diagnostics.CheckSQLFirewall,
		diagnostics.CheckWSUSService, diagnostics.CheckIISService, diagnostics.CheckAppPool,
		diagnostics.CheckFirewallRules, diagnostics.CheckDatabase, diagnostics.CheckLogin,
		diagnostics.CheckPermissions, diagnostics.CheckSysadmin, diagnostics.CheckConnectivity,
		diagnostics.CheckTools, diagnostics.CheckContent,
	}, names)

	assert.True(t, report.IsHealthy())
	assert.Equal(t, 14, report.PassedCount())
	assert.False(t, report.CompletedAt.Before(report.StartedAt))
	assert.Equal(t, "[PASS] SQL Server Express Service - Running", lines[0])
	assert.Equal(t, "Diagnostics complete: 14/14 checks passed, 0 failed, 0 auto-repaired.", lines[len(lines)-1])
}

func TestRunDiagnostics_RepairsAndWarnings(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetService(services.WSUS, services.StateStopped)
	cfg.SetResponse("appcmd.exe list apppool", "")
	cfg.SetScalar("IS_SRVROLEMEMBER", int64(0))
	cfg.RemovePath(paths.WsusContentDir(paths.DefaultContentPath))
	sim := simulation.New(cfg)

	report, lines := runDiagnostics(t, sim)

	assert.True(t, report.IsHealthy())
	assert.Equal(t, 2, report.RepairedCount())
	assert.Equal(t, 2, report.WarningCount())
	assert.Equal(t, 12, report.PassedCount())
	assert.Contains(t, lines, "[PASS] WSUS Service - Stopped -> Repaired: Restarted successfully.")
	assert.Contains(t, lines, "[PASS] WSUS Application Pool - Stopped -> Repaired: Application pool started.")
	assert.Equal(t, services.StateRunning, sim.ServiceState(services.WSUS))
	assert.Equal(t, "Diagnostics complete: 12/14 checks passed, 0 failed, 2 auto-repaired.", lines[len(lines)-1])
}

func TestRunDiagnostics_RepairIsIdempotent(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetService(services.WSUS, services.StateStopped)
	cfg.SetService(services.IIS, services.StateStopped)
	sim := simulation.New(cfg)

	first, _ := runDiagnostics(t, sim)
	require.True(t, first.IsHealthy())
	assert.Equal(t, 2, first.RepairedCount())

	second, lines := runDiagnostics(t, sim)
	assert.True(t, second.IsHealthy())
	assert.Equal(t, 14, second.PassedCount())
	for _, c := range second.Checks {
		assert.Equal(t, diagnostics.StatusPass, c.Status, c.Name)
		assert.False(t, c.RepairAttempted, c.Name)
	}
	assert.Equal(t, "Diagnostics complete: 14/14 checks passed, 0 failed, 0 auto-repaired.", lines[len(lines)-1])
}

func TestRunDiagnostics_Failures(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.RemoveService(services.SQLBrowser)
	cfg.SetScalar("DB_ID('SUSDB')", nil)
	cfg.SetExitCode("netsh advfirewall firewall add rule", 1)
	cfg.SetExitCode("netsh advfirewall firewall show rule name=WSUS HTTP", 1)
	sim := simulation.New(cfg)

	report, lines := runDiagnostics(t, sim)

	assert.False(t, report.IsHealthy())
	assert.Equal(t, 3, report.FailedCount())
	assert.Contains(t, lines, "[FAIL] SQL Browser Service - Not installed")
	assert.Contains(t, lines, "[FAIL] SUSDB Database - SUSDB not found. Restore from backup or reinstall WSUS.")

	var fw diagnostics.CheckResult
	for _, c := range report.Checks {
		if c.Name == diagnostics.CheckFirewallRules {
			fw = c
		}
	}
	assert.True(t, fw.RepairAttempted)
	assert.False(t, fw.RepairSucceeded)
	assert.Equal(t, diagnostics.StatusFail, fw.Status)
	assert.Contains(t, fw.Line(), " -> Repair failed: ")
}

func TestRunDiagnostics_LoginRepair(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetScalar("sys.server_principals", nil)
	sim := simulation.New(cfg)

	report, lines := runDiagnostics(t, sim)

	assert.True(t, report.IsHealthy())
	assert.Contains(t, lines, "[PASS] NETWORK SERVICE SQL Login - Login missing. WSUS requires NETWORK SERVICE SQL login. -> Repaired: Login created.")
	assert.Contains(t, sim.Targets(simulation.OpSQLExec), `CREATE LOGIN [NT AUTHORITY\NETWORK SERVICE] FROM WINDOWS`)
}

type panicStore struct{ store.Store }

func (panicStore) Scalar(context.Context, string, string, int, ...any) (any, error) {
	panic("driver exploded")
}

func TestRunDiagnostics_PanicBecomesUnknownCheck(t *testing.T) {
	sim := simulation.New(simulation.NewConfig())
	p := newPipeline(sim, store.Static(panicStore{}))

	report, err := p.RunDiagnostics(context.Background(), paths.DefaultContentPath, instance, nil)
	require.NoError(t, err)
	require.Len(t, report.Checks, 14)

	db := report.Checks[7]
	assert.Equal(t, "Unknown Check", db.Name)
	assert.Equal(t, diagnostics.StatusFail, db.Status)
	assert.Equal(t, "Unexpected error: driver exploded", db.Message)
	assert.Equal(t, diagnostics.CheckTools, report.Checks[12].Name, "later checks still run")
}

func TestRunDiagnostics_Cancellation(t *testing.T) {
	sim := simulation.New(simulation.NewConfig())

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		report, err := newPipeline(sim, nil).RunDiagnostics(ctx, paths.DefaultContentPath, instance, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, report)
	})

	t.Run("mid run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var lines []string
		_, err := newPipeline(sim, nil).RunDiagnostics(ctx, paths.DefaultContentPath, instance, func(l string) {
			lines = append(lines, l)
			if len(lines) == 3 {
				cancel()
			}
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, lines, 3)
	})
}

func TestReportCounts(t *testing.T) {
	r := &diagnostics.Report{Checks: []diagnostics.CheckResult{
		{Name: "a", Status: diagnostics.StatusPass},
		{Name: "b", Status: diagnostics.StatusSkipped},
		{Name: "c", Status: diagnostics.StatusWarning},
		{Name: "d", Status: diagnostics.StatusPass, RepairAttempted: true, RepairSucceeded: true, RepairMessage: "fixed"},
		{Name: "e", Status: diagnostics.StatusFail, RepairAttempted: true, RepairMessage: "nope"},
	}}

	assert.Equal(t, 4, r.TotalChecks())
	assert.Equal(t, 2, r.PassedCount())
	assert.Equal(t, 1, r.FailedCount())
	assert.Equal(t, 1, r.WarningCount())
	assert.Equal(t, 1, r.RepairedCount())
	assert.False(t, r.IsHealthy())
	assert.Equal(t, "[SKIP] b - ", r.Checks[1].Line())
	assert.Equal(t, "[PASS] d -  -> Repaired: fixed", r.Checks[3].Line())
	assert.Equal(t, "[FAIL] e -  -> Repair failed: nope", r.Checks[4].Line())
	assert.Equal(t, "Diagnostics complete: 2/4 checks passed, 1 failed, 1 auto-repaired.", r.Summary())
}

func TestReportJSONUsesStatusNames(t *testing.T) {
	r := &diagnostics.Report{Checks: []diagnostics.CheckResult{
		{Name: diagnostics.CheckWSUSService, Status: diagnostics.StatusWarning, Message: "Stopped"},
	}}
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"WARN"`)
	assert.NotContains(t, string(raw), "repair_attempted")
}
