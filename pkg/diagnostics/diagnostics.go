// Package diagnostics runs the ordered health checks of an update server and
// repairs what it can on the spot.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/paths"
	"github.com/zph/wsusctl/pkg/posture"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
)

var tracer = otel.Tracer("github.com/zph/wsusctl/pkg/diagnostics")

const sqlCommandTimeout = 10

// Check names, in pipeline order.
const (
	CheckSQLExpress    = "SQL Server Express Service"
	CheckSQLBrowser    = "SQL Browser Service"
	CheckSQLFirewall   = "SQL Server Firewall"
	CheckWSUSService   = "WSUS Service"
	CheckIISService    = "IIS Service"
	CheckAppPool       = "WSUS Application Pool"
	CheckFirewallRules = "WSUS Firewall Rules"
	CheckDatabase      = "SUSDB Database"
	CheckLogin         = "NETWORK SERVICE SQL Login"
	CheckPermissions   = "Content Directory Permissions"
	CheckSysadmin      = "SQL Sysadmin Permission"
	CheckConnectivity  = "SQL Connectivity"
	CheckTools         = "WSUS Tools"
	CheckContent       = "Content Baseline"
)

const (
	unknownCheck        = "Unknown Check"
	defaultDatabaseName = "SUSDB"
)

// probedServices are fetched concurrently before the ordered pass.
var probedServices = []string{services.SQLExpress, services.SQLBrowser, services.WSUS, services.IIS}

// Options configure a Pipeline.
type Options struct {
	Database string
	WsusUtil string
	AppCmd   string
}

// Pipeline runs the diagnostics checks.
type Pipeline struct {
	runner   executor.Runner
	services *services.Manager
	posture  *posture.Checker
	stores   store.Provider
	opts     Options
}

// New creates a diagnostics pipeline.
func New(r executor.Runner, svc *services.Manager, stores store.Provider, opts Options) *Pipeline {
	if opts.Database == "" {
		opts.Database = defaultDatabaseName
	}
	if opts.WsusUtil == "" {
		opts.WsusUtil = paths.DefaultWsusUtil
	}
	return &Pipeline{
		runner:   r,
		services: svc,
		posture:  posture.NewChecker(r, posture.WithAppCmd(opts.AppCmd)),
		stores:   stores,
		opts:     opts,
	}
}

// run carries per-invocation inputs to the checks.
type run struct {
	contentPath string
	instance    string
	db          store.Store
	status      map[string]services.Status
}

type check struct {
	name string
	fn   func(ctx context.Context, in *run) CheckResult
}

func (p *Pipeline) checks() []check {
	return []check{
		{CheckSQLExpress, p.serviceCheck(CheckSQLExpress, services.SQLExpress)},
		{CheckSQLBrowser, p.serviceCheck(CheckSQLBrowser, services.SQLBrowser)},
		{CheckSQLFirewall, func(context.Context, *run) CheckResult {
			return pass(CheckSQLFirewall, "Verified via connectivity test (check 12).")
		}},
		{CheckWSUSService, p.serviceCheck(CheckWSUSService, services.WSUS)},
		{CheckIISService, p.serviceCheck(CheckIISService, services.IIS)},
		{CheckAppPool, p.checkAppPool},
		{CheckFirewallRules, p.checkFirewallRules},
		{CheckDatabase, p.checkDatabase},
		{CheckLogin, p.checkLogin},
		{CheckPermissions, p.checkPermissions},
		{CheckSysadmin, p.checkSysadmin},
		{CheckConnectivity, p.checkConnectivity},
		{CheckTools, p.checkTools},
		{CheckContent, p.checkContent},
	}
}

// RunDiagnostics runs every check in order, streaming one line per check.
// Cancellation stops the pipeline and returns the context error.
func (p *Pipeline) RunDiagnostics(ctx context.Context, contentPath, storeInstance string, progress operation.Progress) (*Report, error) {
	ctx, span := tracer.Start(ctx, "diagnostics")
	defer span.End()

	report := &Report{StartedAt: time.Now()}
	logger.Info("Starting diagnostics: content=%s sql=%s", contentPath, storeInstance)

	status, err := p.prefetch(ctx)
	if err != nil {
		return nil, err
	}
	in := &run{
		contentPath: contentPath,
		instance:    storeInstance,
		db:          p.stores.Store(storeInstance),
		status:      status,
	}

	for _, c := range p.checks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := invoke(ctx, c, in)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, res)
		progress.Emit(res.Line())
	}

	report.CompletedAt = time.Now()
	progress.Emit(report.Summary())
	logger.WithFields(map[string]interface{}{
		"passed":   report.PassedCount(),
		"total":    report.TotalChecks(),
		"failed":   report.FailedCount(),
		"repaired": report.RepairedCount(),
	}).Info("diagnostics completed")
	span.SetAttributes(
		attribute.Int("diagnostics.failed", report.FailedCount()),
		attribute.Int("diagnostics.repaired", report.RepairedCount()),
	)
	return report, nil
}

// prefetch queries the four service states concurrently. All probes are
// joined before any check result is produced.
func (p *Pipeline) prefetch(ctx context.Context) (map[string]services.Status, error) {
	results := make([]services.Status, len(probedServices))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range probedServices {
		g.Go(func() error {
			results[i] = p.services.Status(gctx, name)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]services.Status, len(results))
	for i, st := range results {
		out[probedServices[i]] = st
	}
	return out, nil
}

// invoke runs one check, converting a panic into a failed "Unknown Check".
func invoke(ctx context.Context, c check, in *run) (res CheckResult) {
	ctx, span := tracer.Start(ctx, c.name)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("diagnostic check %q panicked: %v", c.name, r)
			res = fail(unknownCheck, fmt.Sprintf("Unexpected error: %v", r))
		}
	}()
	return c.fn(ctx, in)
}

func (p *Pipeline) serviceCheck(checkName, service string) func(context.Context, *run) CheckResult {
	return func(ctx context.Context, in *run) CheckResult {
		st, ok := in.status[service]
		if !ok {
			st = p.services.Status(ctx, service)
		}
		switch {
		case st.Running():
			return pass(checkName, "Running")
		case st.State == services.StateNotInstalled:
			return fail(checkName, "Not installed")
		}
		res := p.services.Start(ctx, service)
		if res.Success() {
			return repaired(checkName, st.State.String(), true, "Restarted successfully.")
		}
		return repaired(checkName, st.State.String(), false, res.Detail())
	}
}

func (p *Pipeline) checkAppPool(ctx context.Context, _ *run) CheckResult {
	res := p.posture.CheckAppPool(ctx)
	if !res.Success() {
		return fail(CheckAppPool, "Error (IIS may not be installed): "+res.Detail())
	}
	if res.Data() {
		return pass(CheckAppPool, "Started")
	}
	start := p.posture.StartAppPool(ctx)
	if start.Success() {
		return repaired(CheckAppPool, "Stopped", true, "Application pool started.")
	}
	return repaired(CheckAppPool, "Stopped", false, start.Detail())
}

func (p *Pipeline) checkFirewallRules(ctx context.Context, _ *run) CheckResult {
	res := p.posture.CheckFirewallRules(ctx)
	if !res.Success() {
		return fail(CheckFirewallRules, "Check error: "+res.Detail())
	}
	if res.Data() {
		return pass(CheckFirewallRules, "Both rules present (HTTP 8530, HTTPS 8531).")
	}
	create := p.posture.CreateFirewallRules(ctx, nil)
	if create.Success() {
		return repaired(CheckFirewallRules, res.Message(), true, "Firewall rules created.")
	}
	return repaired(CheckFirewallRules, res.Message(), false, create.Detail())
}

func (p *Pipeline) checkDatabase(ctx context.Context, in *run) CheckResult {
	v, err := in.db.Scalar(ctx, "master",
		fmt.Sprintf("SELECT DB_ID('%s')", store.QuoteLiteral(p.opts.Database)), sqlCommandTimeout)
	if err != nil {
		logger.Warn("SUSDB check failed (SQL may be offline): %v", err)
		return fail(CheckDatabase, "SQL connection failed: "+err.Error())
	}
	if v == nil {
		return fail(CheckDatabase, "SUSDB not found. Restore from backup or reinstall WSUS.")
	}
	return pass(CheckDatabase, "SUSDB exists and is accessible.")
}

func (p *Pipeline) checkLogin(ctx context.Context, in *run) CheckResult {
	res := posture.CheckNetworkServiceLogin(ctx, in.db)
	if !res.Success() {
		return fail(CheckLogin, "Check error: "+res.Detail())
	}
	if res.Data() {
		return pass(CheckLogin, res.Message())
	}
	create := posture.CreateNetworkServiceLogin(ctx, in.db)
	msg := "Login missing. WSUS requires NETWORK SERVICE SQL login."
	if create.Success() {
		return repaired(CheckLogin, msg, true, "Login created.")
	}
	return repaired(CheckLogin, msg, false, create.Detail())
}

func (p *Pipeline) checkPermissions(ctx context.Context, in *run) CheckResult {
	res := p.posture.CheckContentPermissions(ctx, in.contentPath)
	if !res.Success() {
		return fail(CheckPermissions, "Check error: "+res.Detail())
	}
	if res.Data() {
		return pass(CheckPermissions, "NETWORK SERVICE and IIS_IUSRS have Full Control.")
	}
	fix := p.posture.RepairContentPermissions(ctx, in.contentPath, nil)
	if fix.Success() {
		return repaired(CheckPermissions, res.Message(), true, "Permissions repaired.")
	}
	return repaired(CheckPermissions, res.Message(), false, fix.Detail())
}

// checkSysadmin never fails: missing rights only limit database operations.
func (p *Pipeline) checkSysadmin(ctx context.Context, in *run) CheckResult {
	res := posture.CheckSysadmin(ctx, in.db)
	switch {
	case !res.Success():
		return warn(CheckSysadmin, "Could not verify (SQL connection failed): "+res.Detail())
	case res.Data():
		return pass(CheckSysadmin, "Current user has sysadmin role.")
	}
	return warn(CheckSysadmin, "Current user lacks sysadmin role. Database operations (Restore, Deep Cleanup) will fail.")
}

func (p *Pipeline) checkConnectivity(ctx context.Context, in *run) CheckResult {
	if _, err := in.db.Scalar(ctx, p.opts.Database, "SELECT 1", sqlCommandTimeout); err != nil {
		logger.Warn("SQL connectivity check failed: %v", err)
		return fail(CheckConnectivity, fmt.Sprintf("Cannot connect to %s: %v", in.instance, err))
	}
	return pass(CheckConnectivity, fmt.Sprintf("Connected to %s successfully.", in.instance))
}

func (p *Pipeline) checkTools(ctx context.Context, _ *run) CheckResult {
	ok, err := p.runner.FileExists(ctx, p.opts.WsusUtil)
	if err != nil {
		return fail(CheckTools, "Error: "+err.Error())
	}
	if !ok {
		return fail(CheckTools, fmt.Sprintf("wsusutil.exe not found at: %s. WSUS may not be installed on this server.", p.opts.WsusUtil))
	}
	return pass(CheckTools, "wsusutil.exe found.")
}

func (p *Pipeline) checkContent(ctx context.Context, in *run) CheckResult {
	ok, err := p.runner.FileExists(ctx, in.contentPath)
	if err != nil {
		return fail(CheckContent, "Error: "+err.Error())
	}
	if !ok {
		return fail(CheckContent, "Content directory does not exist: "+in.contentPath)
	}
	sub := paths.WsusContentDir(in.contentPath)
	ok, err = p.runner.FileExists(ctx, sub)
	if err != nil {
		return fail(CheckContent, "Error: "+err.Error())
	}
	if !ok {
		return warn(CheckContent, "WsusContent folder is empty or missing. Content has not been downloaded yet.")
	}
	return pass(CheckContent, "Content directory and WsusContent present.")
}
