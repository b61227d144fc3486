//go:build windows

package services

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/zph/wsusctl/pkg/executor"
)

// WindowsController talks to the local service control manager directly.
type WindowsController struct{}

// NewLocalController returns the native SCM controller. The runner is only
// used on other platforms.
func NewLocalController(executor.Runner) Controller {
	return WindowsController{}
}

func (WindowsController) open(name string) (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to service manager: %w", err)
	}
	s, err := m.OpenService(name)
	if err != nil {
		m.Disconnect()
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil, nil, ErrNotInstalled
		}
		return nil, nil, fmt.Errorf("failed to open service %s: %w", name, err)
	}
	return m, s, nil
}

func (c WindowsController) Status(_ context.Context, name string) (Status, error) {
	m, s, err := c.open(name)
	if err != nil {
		if errors.Is(err, ErrNotInstalled) {
			return Status{Name: name, State: StateNotInstalled}, err
		}
		return Status{Name: name}, err
	}
	defer m.Disconnect()
	defer s.Close()

	q, err := s.Query()
	if err != nil {
		return Status{Name: name}, fmt.Errorf("failed to query %s: %w", name, err)
	}
	return Status{Name: name, State: fromSvcState(q.State)}, nil
}

func (c WindowsController) Start(_ context.Context, name string) error {
	m, s, err := c.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	if err := s.Start(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

func (c WindowsController) Stop(_ context.Context, name string) error {
	m, s, err := c.open(name)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil && !errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

func fromSvcState(s svc.State) State {
	switch s {
	case svc.Running:
		return StateRunning
	case svc.Stopped:
		return StateStopped
	case svc.StartPending, svc.ContinuePending:
		return StateStartPending
	case svc.StopPending, svc.PausePending:
		return StateStopPending
	case svc.Paused:
		return StatePaused
	}
	return StateUnknown
}
