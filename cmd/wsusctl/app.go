package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zph/wsusctl/pkg/config"
	"github.com/zph/wsusctl/pkg/executor"
	"github.com/zph/wsusctl/pkg/history"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/metrics"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/paths"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/simulation"
	"github.com/zph/wsusctl/pkg/store"
	"github.com/zph/wsusctl/pkg/telemetry"
	"github.com/zph/wsusctl/pkg/updateserver"
)

// app holds everything a command needs, built once from flags and config.
type app struct {
	cfg    *config.Config
	layout *paths.StateLayout

	runner   executor.Runner
	stores   store.Provider
	services *services.Manager
	client   *updateserver.Chain
	sim      *simulation.Simulator

	locks   *operation.LockManager
	journal *history.Journal
	metrics *metrics.Metrics
	out     *printer

	shutdownTracing telemetry.Shutdown
}

// loadState resolves the state directory and configuration only. Commands
// that never touch the server (history, lock) stop here.
func loadState() (*config.Config, *paths.StateLayout, error) {
	layout, err := paths.NewStateLayout("")
	if err != nil {
		return nil, nil, err
	}
	path := configPath
	if path == "" {
		path = layout.ConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.StateDir != "" {
		if layout, err = paths.NewStateLayout(cfg.StateDir); err != nil {
			return nil, nil, err
		}
	}
	if lvl, ok := logger.ParseLevel(cfg.Logging.Level); ok && !verbose {
		logger.SetLevel(lvl)
	}
	if remoteHost != "" {
		cfg.Remote.Host = remoteHost
	}
	if traceFile != "" {
		cfg.Tracing.Exporter = "stdout"
		cfg.Tracing.File = traceFile
	}
	if err := layout.Ensure(); err != nil {
		return nil, nil, err
	}
	return cfg, layout, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, layout, err := loadState()
	if err != nil {
		return nil, err
	}
	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:             cfg,
		layout:          layout,
		locks:           operation.NewLockManager(layout.LockFile()),
		metrics:         metrics.New(),
		out:             newPrinter(),
		shutdownTracing: shutdownTracing,
	}

	if simulate {
		a.sim, err = simulation.NewWithScenario(scenarioPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load simulation scenario: %w", err)
		}
		a.runner = a.sim.Runner()
		a.stores = a.sim.Provider()
		a.services = newServiceManager(cfg, a.sim.Services())
	} else {
		if err := a.connect(); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.client = updateserver.NewDefaultChain(a.runner, cfg)

	a.journal, err = history.OpenJournal(ctx, layout.HistoryDB(), layout.TranscriptPath)
	if err != nil {
		// history is best effort; operations still run without it
		logger.Warn("operation history unavailable: %v", err)
	}
	return a, nil
}

func (a *app) connect() error {
	cfg := a.cfg
	storeOpts := store.Options{
		User:                   cfg.SQLUser,
		Password:               cfg.SQLPassword,
		TrustServerCertificate: true,
	}
	if !cfg.IsRemote() {
		a.runner = executor.NewLocalExecutor()
		a.stores = store.NewProvider(storeOpts)
		a.services = newServiceManager(cfg, services.NewLocalController(a.runner))
		return nil
	}

	ssh, err := executor.NewSSHExecutor(executor.SSHConfig{
		Host:       cfg.Remote.Host,
		Port:       cfg.Remote.Port,
		User:       cfg.Remote.User,
		Password:   cfg.Remote.Password,
		KeyFile:    cfg.Remote.KeyFile,
		KnownHosts: cfg.Remote.KnownHosts,
		Timeout:    cfg.RemoteTimeout(),
		Retries:    cfg.Remote.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Remote.Host, err)
	}
	a.runner = ssh
	a.stores = store.NewProvider(storeOpts)
	a.services = newServiceManager(cfg, services.NewCommandController(ssh))
	return nil
}

func newServiceManager(cfg *config.Config, ctl services.Controller) *services.Manager {
	return services.NewManager(ctl, services.WithWait(cfg.ServiceWait(), time.Second))
}

// sqlInstance points a localhost instance name at the remote server when
// running over SSH.
func (a *app) sqlInstance() string {
	inst := a.cfg.SQLInstance
	if !a.cfg.IsRemote() || a.sim != nil {
		return inst
	}
	host, rest, found := strings.Cut(inst, `\`)
	if strings.EqualFold(host, "localhost") || host == "." || host == "(local)" {
		if found {
			return a.cfg.Remote.Host + `\` + rest
		}
		return a.cfg.Remote.Host
	}
	return inst
}

func (a *app) Close() error {
	var result *multierror.Error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.runner != nil {
		if err := a.runner.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(context.Background()); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush traces: %w", err))
		}
	}
	return result.ErrorOrNil()
}
