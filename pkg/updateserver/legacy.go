package updateserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/paths"
)

// LegacyOptions locate PowerShell and the legacy scripts.
type LegacyOptions struct {
	PowerShell string
	ScriptsDir string
	ServerPort int
}

// LegacyClient drives the UpdateServices PowerShell module and the
// Set-WsusHttps.ps1 script.
type LegacyClient struct {
	runner executor.Runner
	opts   LegacyOptions
}

// NewLegacyClient creates a legacy client.
func NewLegacyClient(r executor.Runner, opts LegacyOptions) *LegacyClient {
	if opts.PowerShell == "" {
		opts.PowerShell = "powershell.exe"
	}
	if opts.ServerPort == 0 {
		opts.ServerPort = 8530
	}
	return &LegacyClient{runner: r, opts: opts}
}

func (c *LegacyClient) Name() string { return "legacy" }

func (c *LegacyClient) command(ctx context.Context, script string, progress operation.Progress) (*executor.CommandResult, error) {
	return c.runner.Run(ctx, c.opts.PowerShell,
		[]string{"-NonInteractive", "-NoProfile", "-Command", script},
		executor.LineFunc(progress))
}

func (c *LegacyClient) Cleanup(ctx context.Context, progress operation.Progress) operation.Result {
	script := fmt.Sprintf("Get-WsusServer -Name localhost -PortNumber %d | Invoke-WsusServerCleanup "+
		"-CleanupObsoleteUpdates -CleanupUnneededContentFiles -CompressUpdates -DeclineSupersededUpdates",
		c.opts.ServerPort)
	res, err := c.command(ctx, script, progress)
	if err != nil {
		return operation.Fail("Invoke-WsusServerCleanup failed", err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("Invoke-WsusServerCleanup failed with exit code %d.", res.ExitCode), nil)
	}
	return operation.Ok("WSUS built-in cleanup succeeded.")
}

// PostInstall has no PowerShell equivalent.
func (c *LegacyClient) PostInstall(ctx context.Context, sqlInstance, contentPath string, progress operation.Progress) operation.Result {
	return notImplemented(c.Name(), CapPostInstall)
}

// scriptPath finds Set-WsusHttps.ps1 in the scripts directory, falling back
// to the working directory.
func (c *LegacyClient) scriptPath(ctx context.Context) (string, bool) {
	var candidates []string
	if c.opts.ScriptsDir != "" {
		dir := strings.TrimRight(c.opts.ScriptsDir, `\/`)
		candidates = append(candidates,
			dir+`\`+paths.LegacyHTTPSScript,
			dir+`\Scripts\`+paths.LegacyHTTPSScript)
	}
	candidates = append(candidates, paths.LegacyHTTPSScript)
	for _, p := range candidates {
		if ok, err := c.runner.FileExists(ctx, p); err == nil && ok {
			return p, true
		}
	}
	return "", false
}

func (c *LegacyClient) ConfigureHTTPS(ctx context.Context, serverName, thumbprint string, progress operation.Progress) operation.Result {
	_, thumbprint, err := ValidateHTTPSInput(serverName, thumbprint)
	if err != nil {
		return operation.Fail(err.Error(), nil)
	}
	script, ok := c.scriptPath(ctx)
	if !ok {
		return operation.Fail(fmt.Sprintf("Legacy HTTPS script not found. Expected '%s'.", paths.LegacyHTTPSScript), nil)
	}

	progress.Emitf("Running %s...", script)
	res, err := c.runner.Run(ctx, c.opts.PowerShell,
		[]string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", script, "-CertificateThumbprint", thumbprint},
		executor.LineFunc(progress))
	if err != nil {
		return operation.Fail("Legacy HTTPS fallback failed", err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("Legacy HTTPS fallback failed with exit code %d.", res.ExitCode), nil)
	}
	return operation.Ok("HTTPS configuration completed via legacy fallback.")
}

func (c *LegacyClient) ResetContent(ctx context.Context, progress operation.Progress) operation.Result {
	res, err := c.command(ctx, "(Get-WsusServer).ResetAndVerifyContentState()", progress)
	if err != nil {
		return operation.Fail("Content reset failed", err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("ResetAndVerifyContentState failed with exit code %d.", res.ExitCode), nil)
	}
	return operation.Ok("Content reset completed successfully.")
}
