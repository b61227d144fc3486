package updateserver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-version"

	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
)

// MinNativeVersion is the first wsusutil build with postinstall and
// deleteunneededrevisions (WSUS 4.0, Server 2012).
var MinNativeVersion = version.Must(version.NewVersion("6.2.9200"))

// NativeOptions locate the native tools.
type NativeOptions struct {
	WsusUtil   string
	PowerShell string // only used to read wsusutil's file version
	SSLIPPort  string
}

// NativeClient runs wsusutil.exe and netsh directly.
type NativeClient struct {
	runner executor.Runner
	opts   NativeOptions

	versionOnce sync.Once
	version     *version.Version
}

// NewNativeClient creates a native client.
func NewNativeClient(r executor.Runner, opts NativeOptions) *NativeClient {
	if opts.PowerShell == "" {
		opts.PowerShell = "powershell.exe"
	}
	if opts.SSLIPPort == "" {
		opts.SSLIPPort = "0.0.0.0:8531"
	}
	return &NativeClient{runner: r, opts: opts}
}

func (c *NativeClient) Name() string { return "native" }

// Version returns wsusutil's product version, or nil if unknown.
func (c *NativeClient) Version(ctx context.Context) *version.Version {
	c.versionOnce.Do(func() {
		script := fmt.Sprintf("(Get-Item -LiteralPath '%s').VersionInfo.ProductVersion", strings.ReplaceAll(c.opts.WsusUtil, "'", "''"))
		res, err := c.runner.Run(ctx, c.opts.PowerShell, []string{"-NoProfile", "-NonInteractive", "-Command", script}, nil)
		if err != nil || !res.Success() {
			logger.Debug("could not read wsusutil version: %v", err)
			return
		}
		c.version = ParseProductVersion(res.Output())
	})
	return c.version
}

// ParseProductVersion reads a Windows product version such as
// "10.0.17763.1 (WinBuild.160101.0800)".
func ParseProductVersion(out string) *version.Version {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		v, err := version.NewVersion(fields[0])
		if err == nil {
			return v
		}
	}
	return nil
}

// supported gates native commands on the wsusutil version. An unknown
// version is treated as supported; the command itself will fail if not.
func (c *NativeClient) supported(ctx context.Context, capability Capability) operation.Result {
	v := c.Version(ctx)
	if v == nil || v.GreaterThanOrEqual(MinNativeVersion) {
		return operation.Ok("")
	}
	return operation.Fail(fmt.Sprintf("wsusutil %s predates native %s (needs %s)", v, capability, MinNativeVersion), ErrNotImplemented)
}

func (c *NativeClient) wsusutil(ctx context.Context, progress operation.Progress, args ...string) (*executor.CommandResult, error) {
	exists, err := c.runner.FileExists(ctx, c.opts.WsusUtil)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("wsusutil.exe not found at: %s. WSUS may not be installed on this server", c.opts.WsusUtil)
	}
	return c.runner.Run(ctx, c.opts.WsusUtil, args, executor.LineFunc(progress))
}

func (c *NativeClient) Cleanup(ctx context.Context, progress operation.Progress) operation.Result {
	if r := c.supported(ctx, CapCleanup); !r.Success() {
		return r
	}
	res, err := c.wsusutil(ctx, progress, "deleteunneededrevisions")
	if err != nil {
		return operation.Fail("wsusutil deleteunneededrevisions failed", err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("wsusutil deleteunneededrevisions failed with exit code %d.", res.ExitCode), nil)
	}
	return operation.Ok("WSUS built-in cleanup succeeded.")
}

func (c *NativeClient) PostInstall(ctx context.Context, sqlInstance, contentPath string, progress operation.Progress) operation.Result {
	if r := c.supported(ctx, CapPostInstall); !r.Success() {
		return r
	}
	res, err := c.wsusutil(ctx, progress, "postinstall",
		"SQL_INSTANCE_NAME="+sqlInstance,
		"CONTENT_DIR="+contentPath)
	if err != nil {
		return operation.Fail("wsusutil postinstall failed", err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("wsusutil postinstall exit code %d (check logs).", res.ExitCode), nil)
	}
	return operation.Ok("wsusutil postinstall completed.")
}

func (c *NativeClient) ConfigureHTTPS(ctx context.Context, serverName, thumbprint string, progress operation.Progress) operation.Result {
	serverName, thumbprint, err := ValidateHTTPSInput(serverName, thumbprint)
	if err != nil {
		return operation.Fail(err.Error(), nil)
	}
	if r := c.supported(ctx, CapHTTPS); !r.Success() {
		return r
	}
	lines := executor.LineFunc(progress)
	ipport := "ipport=" + c.opts.SSLIPPort

	progress.Emit("Starting native HTTPS configuration...")
	progress.Emitf("[Step 1/3] Applying SSL certificate binding on %s...", c.opts.SSLIPPort)
	// A missing binding makes delete fail, which is fine
	if _, err := c.runner.Run(ctx, "netsh", []string{"http", "delete", "sslcert", ipport}, lines); err != nil {
		return operation.Fail("Native SSL binding failed", err)
	}
	res, err := c.runner.Run(ctx, "netsh", []string{
		"http", "add", "sslcert", ipport,
		"certhash=" + thumbprint,
		"appid=" + wsusAppID,
		"certstorename=MY",
	}, lines)
	if err != nil || !res.Success() {
		return operation.Fail(fmt.Sprintf("Native SSL binding failed: %s", strings.TrimSpace(res.Output())), err)
	}

	progress.Emit("[Step 2/3] Configuring WSUS SSL mode via wsusutil...")
	res, err = c.wsusutil(ctx, progress, "configuressl", serverName)
	if err != nil || !res.Success() {
		return operation.Fail(fmt.Sprintf("Native wsusutil configuressl failed: %s", strings.TrimSpace(res.Output())), err)
	}

	progress.Emit("[Step 3/3] Verifying HTTPS binding...")
	res, err = c.runner.Run(ctx, "netsh", []string{"http", "show", "sslcert", ipport}, lines)
	if err != nil || !res.Success() {
		return operation.Fail(fmt.Sprintf("Native HTTPS binding verification failed: %s", strings.TrimSpace(res.Output())), err)
	}

	progress.Emit("[OK] HTTPS configuration completed using native workflow.")
	return operation.Ok("HTTPS configuration completed successfully.")
}

func (c *NativeClient) ResetContent(ctx context.Context, progress operation.Progress) operation.Result {
	progress.Emit("Starting wsusutil reset (this may take 10+ minutes on large content stores)...")
	progress.Emitf("Executable: %s", c.opts.WsusUtil)
	res, err := c.wsusutil(ctx, progress, "reset")
	if err != nil {
		return operation.Fail(err.Error(), err)
	}
	if !res.Success() {
		return operation.Fail(fmt.Sprintf("wsusutil reset failed with exit code %d.", res.ExitCode), nil)
	}
	logger.Info("wsusutil reset completed")
	return operation.Ok("Content reset completed successfully.")
}
