package updateserver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/paths"
	"github.com/zph/wsusctl/pkg/simulation"
	"github.com/zph/wsusctl/pkg/updateserver"
)

const thumbprint = "ab cd ef 01 23 45 67 89 ab cd ef 01 23 45 67 89 ab cd ef 01"

func collect() (*[]string, func(string)) {
	var lines []string
	return &lines, func(l string) { lines = append(lines, l) }
}

func TestValidateHTTPSInput(t *testing.T) {
	tests := []struct {
		name       string
		server     string
		thumbprint string
		wantErr    string
	}{
		{"ok", "wsus01", thumbprint, ""},
		{"no server", "  ", thumbprint, "WSUS server name is required."},
		{"no thumbprint", "wsus01", " ", "Certificate thumbprint is required."},
		{"short", "wsus01", "ABCDEF", "Certificate thumbprint must be 40 hexadecimal characters."},
		{"not hex", "wsus01", "ZZCDEF0123456789ABCDEF0123456789ABCDEF01", "Certificate thumbprint format is invalid. Only hexadecimal characters are allowed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, tp, err := updateserver.ValidateHTTPSInput(tt.server, tt.thumbprint)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "wsus01", server)
			assert.Equal(t, "ABCDEF0123456789ABCDEF0123456789ABCDEF01", tp)
		})
	}
}

func TestParseProductVersion(t *testing.T) {
	v := updateserver.ParseProductVersion("\n10.0.17763.1 (WinBuild.160101.0800)\n")
	require.NotNil(t, v)
	assert.Equal(t, "10.0.17763.1", v.String())
	assert.Nil(t, updateserver.ParseProductVersion("Get-Item : Cannot find path"))
}

func TestNativeClient_HTTPS(t *testing.T) {
	sim := simulation.New(simulation.NewConfig())
	c := updateserver.NewNativeClient(sim.Runner(), updateserver.NativeOptions{WsusUtil: paths.DefaultWsusUtil})
	lines, progress := collect()

	res := c.ConfigureHTTPS(context.Background(), "wsus01", thumbprint, progress)
	require.True(t, res.Success(), res.Detail())
	assert.Equal(t, "HTTPS configuration completed successfully.", res.Message())

	targets := sim.Targets(simulation.OpExecute)
	assert.Contains(t, targets, "netsh http delete sslcert ipport=0.0.0.0:8531")
	assert.Contains(t, targets, "netsh http add sslcert ipport=0.0.0.0:8531 certhash=ABCDEF0123456789ABCDEF0123456789ABCDEF01 appid={9f55f098-16f9-4f85-b6f9-7241f8b9e26a} certstorename=MY")
	assert.Contains(t, targets, "wsusutil.exe configuressl wsus01")
	assert.Contains(t, *lines, "[Step 3/3] Verifying HTTPS binding...")
}

func TestNativeClient_VersionGate(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.SetResponse("powershell.exe -NoProfile -NonInteractive -Command (Get-Item", "6.1.7600.256")
	sim := simulation.New(cfg)
	c := updateserver.NewNativeClient(sim.Runner(), updateserver.NativeOptions{WsusUtil: paths.DefaultWsusUtil})

	res := c.Cleanup(context.Background(), nil)
	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err(), updateserver.ErrNotImplemented)

	res = c.PostInstall(context.Background(), `localhost\SQLEXPRESS`, `C:\WSUS`, nil)
	assert.ErrorIs(t, res.Err(), updateserver.ErrNotImplemented)

	// probed once
	assert.Len(t, sim.Targets(simulation.OpExecute), 1)
}

func TestNativeClient_PostInstallAndReset(t *testing.T) {
	ctx := context.Background()
	sim := simulation.New(simulation.NewConfig())
	c := updateserver.NewNativeClient(sim.Runner(), updateserver.NativeOptions{WsusUtil: paths.DefaultWsusUtil})

	res := c.PostInstall(ctx, `localhost\SQLEXPRESS`, `C:\WSUS`, nil)
	require.True(t, res.Success())
	assert.Contains(t, sim.Targets(simulation.OpExecute), `wsusutil.exe postinstall SQL_INSTANCE_NAME=localhost\SQLEXPRESS CONTENT_DIR=C:\WSUS`)

	res = c.ResetContent(ctx, nil)
	require.True(t, res.Success())
	assert.Equal(t, "Content reset completed successfully.", res.Message())
}

func TestNativeClient_ResetWithoutWsusUtil(t *testing.T) {
	cfg := simulation.NewConfig()
	cfg.RemovePath(paths.DefaultWsusUtil)
	sim := simulation.New(cfg)
	c := updateserver.NewNativeClient(sim.Runner(), updateserver.NativeOptions{WsusUtil: paths.DefaultWsusUtil})

	res := c.ResetContent(context.Background(), nil)
	assert.False(t, res.Success())
	assert.Contains(t, res.Detail(), "wsusutil.exe not found at")
	assert.Empty(t, sim.Targets(simulation.OpExecute))
}

func TestLegacyClient(t *testing.T) {
	ctx := context.Background()

	t.Run("cleanup", func(t *testing.T) {
		sim := simulation.New(simulation.NewConfig())
		c := updateserver.NewLegacyClient(sim.Runner(), updateserver.LegacyOptions{})
		res := c.Cleanup(ctx, nil)
		require.True(t, res.Success())
		require.Len(t, sim.Targets(simulation.OpExecute), 1)
		assert.Contains(t, sim.Targets(simulation.OpExecute)[0], "Invoke-WsusServerCleanup -CleanupObsoleteUpdates")
	})

	t.Run("postinstall unsupported", func(t *testing.T) {
		sim := simulation.New(simulation.NewConfig())
		res := updateserver.NewLegacyClient(sim.Runner(), updateserver.LegacyOptions{}).PostInstall(ctx, "", "", nil)
		assert.ErrorIs(t, res.Err(), updateserver.ErrNotImplemented)
	})

	t.Run("https script missing", func(t *testing.T) {
		sim := simulation.New(simulation.NewConfig())
		res := updateserver.NewLegacyClient(sim.Runner(), updateserver.LegacyOptions{ScriptsDir: `C:\Tools`}).
			ConfigureHTTPS(ctx, "wsus01", thumbprint, nil)
		assert.False(t, res.Success())
		assert.Equal(t, "Legacy HTTPS script not found. Expected 'Set-WsusHttps.ps1'.", res.Message())
	})

	t.Run("https script", func(t *testing.T) {
		sim := simulation.New(simulation.NewConfig())
		sim.AddFile(`C:\Tools\Set-WsusHttps.ps1`, nil)
		res := updateserver.NewLegacyClient(sim.Runner(), updateserver.LegacyOptions{ScriptsDir: `C:\Tools\`}).
			ConfigureHTTPS(ctx, "wsus01", thumbprint, nil)
		require.True(t, res.Success())
		assert.Contains(t, sim.Targets(simulation.OpExecute),
			`powershell.exe -NoProfile -ExecutionPolicy Bypass -File C:\Tools\Set-WsusHttps.ps1 -CertificateThumbprint ABCDEF0123456789ABCDEF0123456789ABCDEF01`)
	})
}

func failingNativeCleanup() *simulation.Simulator {
	cfg := simulation.NewConfig()
	cfg.SetExitCode("wsusutil.exe deleteunneededrevisions", 1)
	return simulation.New(cfg)
}

func TestChain_FallbackEnabled(t *testing.T) {
	sim := failingNativeCleanup()
	cfg := config.Default()
	chain := updateserver.NewDefaultChain(sim.Runner(), cfg)
	lines, progress := collect()

	res := chain.Cleanup(context.Background(), progress)
	require.True(t, res.Success())
	require.NotEmpty(t, *lines)
	assert.Contains(t, (*lines)[len(*lines)-1], "[FALLBACK] Native cleanup failed")
	assert.Contains(t, (*lines)[len(*lines)-1], "Switching to legacy.")
	assert.Equal(t, "native+legacy", chain.Name())
}

func TestChain_FallbackDisabled(t *testing.T) {
	sim := failingNativeCleanup()
	cfg := config.Default()
	cfg.EnableFallbackForCleanup = false
	chain := updateserver.NewDefaultChain(sim.Runner(), cfg)
	lines, progress := collect()

	res := chain.Cleanup(context.Background(), progress)
	assert.False(t, res.Success())
	for _, l := range *lines {
		assert.NotContains(t, l, "[FALLBACK]")
	}
	for _, target := range sim.Targets(simulation.OpExecute) {
		assert.NotContains(t, target, "Invoke-WsusServerCleanup")
	}

	// content reset shares the cleanup flag
	cfg2 := simulation.NewConfig()
	cfg2.SetExitCode("wsusutil.exe reset", 2)
	sim2 := simulation.New(cfg2)
	res = updateserver.NewDefaultChain(sim2.Runner(), cfg).ResetContent(context.Background(), nil)
	assert.Equal(t, "wsusutil reset failed with exit code 2.", res.Message())
}

func TestChain_HTTPSValidationNeverFallsBack(t *testing.T) {
	sim := simulation.New(simulation.NewConfig())
	chain := updateserver.NewDefaultChain(sim.Runner(), config.Default())
	lines, progress := collect()

	res := chain.ConfigureHTTPS(context.Background(), "wsus01", "nope", progress)
	assert.False(t, res.Success())
	assert.Empty(t, *lines)
	assert.Empty(t, sim.Targets(simulation.OpExecute))
}

func TestChain_CancelledStops(t *testing.T) {
	sim := failingNativeCleanup()
	chain := updateserver.NewDefaultChain(sim.Runner(), config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := chain.Cleanup(ctx, nil)
	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err(), context.Canceled)
}
