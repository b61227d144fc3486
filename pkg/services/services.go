package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
)

// Service names on a WSUS server.
const (
	SQLExpress = "MSSQL$SQLEXPRESS"
	SQLBrowser = "SQLBrowser"
	IIS        = "W3SVC"
	WSUS       = "WsusService"
)

// State of a service as reported by the service control manager.
type State int

const (
	StateUnknown State = iota
	StateNotInstalled
	StateStopped
	StateStartPending
	StateStopPending
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateNotInstalled:
		return "NotInstalled"
	case StateStopped:
		return "Stopped"
	case StateStartPending:
		return "StartPending"
	case StateStopPending:
		return "StopPending"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	}
	return "Unknown"
}

// Status is a point-in-time service state.
type Status struct {
	Name  string
	State State
}

func (s Status) Running() bool { return s.State == StateRunning }

// ErrNotInstalled is returned when the named service does not exist.
var ErrNotInstalled = errors.New("service not installed")

// Controller issues raw control requests. Start and Stop return once the
// request is accepted; waiting for the target state is the Manager's job.
type Controller interface {
	Status(ctx context.Context, name string) (Status, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// Definition pairs a service name with its display name.
type Definition struct {
	Name        string
	DisplayName string
}

// StartOrder lists the managed services in dependency order.
var StartOrder = []Definition{
	{SQLExpress, "SQL Server Express"},
	{IIS, "IIS"},
	{WSUS, "WSUS"},
}

// DisplayName returns the friendly name for a known service.
func DisplayName(name string) string {
	for _, d := range StartOrder {
		if d.Name == name {
			return d.DisplayName
		}
	}
	if name == SQLBrowser {
		return "SQL Browser"
	}
	return name
}

// Manager adds retries and state waits on top of a Controller.
type Manager struct {
	ctl        Controller
	attempts   int
	retryDelay time.Duration
	wait       time.Duration
	poll       time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetry sets start attempts and the delay between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.retryDelay = delay
	}
}

// WithWait sets how long to wait for a target state and the poll interval.
func WithWait(timeout, poll time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.wait = timeout
		}
		if poll > 0 {
			m.poll = poll
		}
	}
}

// NewManager creates a Manager with 3 start attempts 5s apart and a 30s wait.
func NewManager(ctl Controller, opts ...Option) *Manager {
	m := &Manager{
		ctl:        ctl,
		attempts:   3,
		retryDelay: 5 * time.Second,
		wait:       30 * time.Second,
		poll:       500 * time.Millisecond,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Status returns the current state; lookup errors map to StateUnknown.
func (m *Manager) Status(ctx context.Context, name string) Status {
	st, err := m.ctl.Status(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotInstalled) {
			return Status{Name: name, State: StateNotInstalled}
		}
		logger.Debug("status of %s unavailable: %v", name, err)
		return Status{Name: name, State: StateUnknown}
	}
	return st
}

// Start starts a service and waits for Running, retrying on failure.
func (m *Manager) Start(ctx context.Context, name string) operation.Result {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if st := m.Status(ctx, name); st.Running() {
			logger.Debug("service %s is already running", name)
			return operation.Ok(fmt.Sprintf("%s is already running.", name))
		}

		logger.Info("starting service %s (attempt %d/%d)", name, attempt, m.attempts)
		err := m.ctl.Start(ctx, name)
		if err == nil {
			err = m.waitFor(ctx, name, StateRunning)
		}
		if err == nil {
			logger.Info("service %s started", name)
			return operation.Ok(fmt.Sprintf("%s started successfully.", name))
		}
		lastErr = err
		if errors.Is(err, ErrNotInstalled) || ctx.Err() != nil {
			break
		}

		logger.Warn("service %s start attempt %d failed: %v", name, attempt, err)
		if attempt < m.attempts {
			if err := sleep(ctx, m.retryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}
	return operation.Fail(fmt.Sprintf("Failed to start %s after %d attempts", name, m.attempts), lastErr)
}

// Stop stops a service and waits for Stopped.
func (m *Manager) Stop(ctx context.Context, name string) operation.Result {
	st := m.Status(ctx, name)
	if st.State == StateStopped || st.State == StateNotInstalled {
		return operation.Ok(fmt.Sprintf("%s is already stopped.", name))
	}

	logger.Info("stopping service %s", name)
	err := m.ctl.Stop(ctx, name)
	if err == nil {
		err = m.waitFor(ctx, name, StateStopped)
	}
	if err != nil {
		logger.Error("service %s failed to stop: %v", name, err)
		return operation.Fail(fmt.Sprintf("Failed to stop %s", name), err)
	}
	return operation.Ok(fmt.Sprintf("%s stopped successfully.", name))
}

// StartAll starts SQL, IIS then WSUS, stopping at the first failure.
func (m *Manager) StartAll(ctx context.Context, progress operation.Progress) operation.Result {
	for _, d := range StartOrder {
		if err := ctx.Err(); err != nil {
			return operation.Fail("Service start cancelled", err)
		}
		progress.Emitf("Starting %s (%s)...", d.DisplayName, d.Name)
		res := m.Start(ctx, d.Name)
		if !res.Success() {
			progress.Emitf("[FAIL] %s: %s", d.DisplayName, res.Detail())
			return operation.Fail(fmt.Sprintf("Failed to start %s", d.DisplayName), res.Err())
		}
		progress.Emitf("[OK] %s running.", d.DisplayName)
	}
	return operation.Ok("All services started successfully.")
}

// StopAll stops WSUS, IIS then SQL and keeps going past failures.
func (m *Manager) StopAll(ctx context.Context, progress operation.Progress) operation.Result {
	for i := len(StartOrder) - 1; i >= 0; i-- {
		d := StartOrder[i]
		if err := ctx.Err(); err != nil {
			return operation.Fail("Service stop cancelled", err)
		}
		progress.Emitf("Stopping %s (%s)...", d.DisplayName, d.Name)
		if res := m.Stop(ctx, d.Name); res.Success() {
			progress.Emitf("[OK] %s stopped.", d.DisplayName)
		} else {
			progress.Emitf("[FAIL] %s: %s", d.DisplayName, res.Detail())
		}
	}
	return operation.Ok("All services stopped.")
}

func (m *Manager) waitFor(ctx context.Context, name string, want State) error {
	deadline := time.Now().Add(m.wait)
	for {
		st, err := m.ctl.Status(ctx, name)
		if err != nil {
			return err
		}
		if st.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for %s to reach %s (last state %s)", m.wait, name, want, st.State)
		}
		if err := sleep(ctx, m.poll); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
