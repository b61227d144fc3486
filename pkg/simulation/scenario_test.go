package simulation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
)

func TestLoadScenarioFromFile(t *testing.T) {
	scenarioFile := filepath.Join(t.TempDir(), "scenario.yaml")
	scenarioYAML := `
simulation:
  responses:
    "appcmd.exe list apppool": ""
  exit_codes:
    "wsusutil.exe postinstall": 1
  services:
    WsusService: stopped
    SQLBrowser: absent
  store:
    scalars:
      "IS_SRVROLEMEMBER": 0
    rows:
      "LocalUpdateID":
        - LocalUpdateID: 11
        - LocalUpdateID: 12
    rows_affected:
      "DELETE TOP": [10000, 5]
  failures:
    - operation: sql_exec
      target: spDeleteUpdate
      error: "Transaction was deadlocked"
      error_number: 1205
      times: 1
  filesystem:
    existing_files:
      - 'D:\Backups\SUSDB.bak'
    missing:
      - 'C:\WSUS\WsusContent'
    disk_free_gb: 2
`
	require.NoError(t, os.WriteFile(scenarioFile, []byte(scenarioYAML), 0644))

	scenario, err := LoadScenarioFromFile(scenarioFile)
	require.NoError(t, err)

	assert.Equal(t, "", scenario.Responses["appcmd.exe list apppool"])
	assert.Equal(t, 1, scenario.ExitCodes["wsusutil.exe postinstall"])
	assert.Equal(t, "stopped", scenario.Services["WsusService"])
	require.Len(t, scenario.Failures, 1)
	assert.Equal(t, int32(1205), scenario.Failures[0].ErrorNumber)
	assert.Equal(t, []int64{10000, 5}, scenario.Store.RowsAffected["DELETE TOP"])

	sim, err := NewWithScenario(scenarioFile)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, services.StateStopped, sim.ServiceState(services.WSUS))
	assert.Equal(t, services.StateNotInstalled, sim.ServiceState(services.SQLBrowser))
	assert.Equal(t, services.StateRunning, sim.ServiceState(services.IIS))

	v, err := sim.Store().Scalar(ctx, "master", "SELECT IS_SRVROLEMEMBER('sysadmin')", 10)
	require.NoError(t, err)
	n, ok := store.Int64(v)
	require.True(t, ok)
	assert.Equal(t, int64(0), n)

	rows, err := sim.Store().Query(ctx, "SUSDB", "SELECT DISTINCT r.LocalUpdateID FROM tbUpdate", 30)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = sim.Store().Exec(ctx, "SUSDB", "EXEC spDeleteUpdate @localUpdateID = 11", 30)
	assert.True(t, store.IsTransient(err))

	ok, _ = sim.Runner().FileExists(ctx, `C:\WSUS\WsusContent`)
	assert.False(t, ok)
	ok, _ = sim.Runner().FileExists(ctx, `D:\Backups\SUSDB.bak`)
	assert.True(t, ok)

	free, _ := sim.Runner().DiskFree(ctx, `D:\`)
	assert.Equal(t, uint64(2<<30), free)
}

func TestApplyScenarioRejectsUnknownServiceState(t *testing.T) {
	err := ApplyScenarioToConfig(&Scenario{Services: map[string]string{"W3SVC": "exploded"}}, NewConfig())
	assert.Error(t, err)
}

func TestNewWithScenario_EmptyPathIsHealthy(t *testing.T) {
	sim, err := NewWithScenario("")
	require.NoError(t, err)
	for _, name := range []string{services.SQLExpress, services.SQLBrowser, services.IIS, services.WSUS} {
		assert.Equal(t, services.StateRunning, sim.ServiceState(name), name)
	}
}

func TestLoadScenarioFromFile_Errors(t *testing.T) {
	_, err := LoadScenarioFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("simulation: ["), 0644))
	_, err = LoadScenarioFromFile(bad)
	assert.Error(t, err)
}

func TestScenarioTemplatesRoundTrip(t *testing.T) {
	for _, name := range []string{"services-stopped", "not-sysadmin", "shrink-contention", "restore-failure", "disk-full", "network-failure", ""} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.yaml")
			require.NoError(t, SaveScenarioToFile(GenerateScenarioTemplate(name), path))

			cfg, err := LoadConfigWithScenario(path)
			require.NoError(t, err)
			assert.NotNil(t, New(cfg))
		})
	}
}
