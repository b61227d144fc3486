package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"github.com/zph/wsusctl/pkg/history"
	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/simulation"
)

// opFunc is the body of one CLI operation.
type opFunc func(ctx context.Context, progress operation.Progress) operation.Result

// withApp builds the app for a server-facing command and tears it down
// afterwards.
func withApp(cmd func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("cleanup: %v", err)
		}
	}()
	return cmd(ctx, a)
}

// run executes fn under the operation lock and the single-flight runner,
// recording a transcript, a journal entry and metrics.
func (a *app) run(ctx context.Context, name string, fn opFunc) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if a.sim != nil {
		a.out.line("[SIMULATION] Running in simulation mode - no changes will be made to the server")
	} else {
		release, err := a.lock(ctx, name)
		if err != nil {
			return err
		}
		defer release()
	}

	observers := []operation.Observer{history.NewTranscripts(a.layout.TranscriptPath)}
	if a.journal != nil {
		observers = append(observers, a.journal)
	}
	runner := operation.NewRunner(a.out.line, observers...)
	runner.SetRecorder(a.metrics)

	var res operation.Result
	outcome := runner.Run(ctx, name, func(ctx context.Context, progress operation.Progress) (bool, error) {
		res = fn(ctx, progress)
		progress.Emit(res.String())
		return res.Success(), nil
	})

	a.writeMetrics()
	a.pruneHistory()
	if a.sim != nil {
		a.reportSimulation()
	}
	return exitFor(name, outcome, res)
}

func (a *app) lock(ctx context.Context, name string) (func(), error) {
	server := a.cfg.Remote.Host
	if server == "" {
		server, _ = os.Hostname()
	}
	lock, err := a.locks.Acquire(server, uuid.NewString(), name, operation.DefaultLockTimeout)
	if err != nil {
		if errors.Is(err, operation.ErrLocked) {
			return nil, &exitError{code: exitBusy, err: err}
		}
		return nil, err
	}
	renewCtx, cancel := context.WithCancel(ctx)
	a.locks.StartRenewal(renewCtx, lock, time.Hour, operation.DefaultLockTimeout)
	return func() {
		cancel()
		if err := a.locks.Release(lock); err != nil {
			logger.Warn("failed to release operation lock: %v", err)
		}
	}, nil
}

func (a *app) writeMetrics() {
	if a.cfg.MetricsTextfile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.MetricsTextfile); err != nil {
		logger.Warn("%v", err)
	}
}

// pruneHistory drops journal entries and transcripts past retention.
func (a *app) pruneHistory() {
	if a.journal == nil || a.cfg.Logging.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -a.cfg.Logging.RetentionDays)
	expired, err := a.journal.Prune(context.Background(), cutoff)
	if err != nil {
		logger.Warn("history prune failed: %v", err)
		return
	}
	if n := history.RemoveTranscripts(expired); n > 0 {
		logger.Debug("removed %d expired transcripts", n)
	}
}

func (a *app) reportSimulation() {
	reporter := simulation.NewReporter(a.sim, a.out.w)
	if verbose {
		reporter.PrintDetailed()
	} else {
		reporter.PrintSummary()
	}
	if reporter.HasErrors() {
		reporter.PrintErrors()
	}
}

// exitFor maps the outcome to the process exit code. A degraded result
// takes precedence over cancellation.
func exitFor(name string, outcome operation.Outcome, res operation.Result) error {
	detail := res.Detail()
	if detail == "" {
		detail = name + " failed"
	}
	switch {
	case outcome == operation.OutcomeSucceeded:
		return nil
	case res.Degraded():
		return &exitError{code: exitDegraded, err: errors.New(detail)}
	case outcome == operation.OutcomeCancelled:
		return &exitError{code: exitCancelled, err: fmt.Errorf("%s cancelled", name)}
	case outcome == operation.OutcomeRejected:
		return &exitError{code: exitBusy, err: operation.ErrAlreadyRunning}
	}
	return &exitError{code: exitFailed, err: errors.New(detail)}
}
