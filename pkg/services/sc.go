package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zph/wsusctl/pkg/executor"
)

// sc.exe exit codes mapped to control outcomes.
const (
	scServiceAlreadyRunning = 1056
	scServiceDoesNotExist   = 1060
	scServiceNotActive      = 1062
)

var scStateRe = regexp.MustCompile(`STATE\s*:\s*\d+\s+(\w+)`)

// CommandController drives services through sc.exe, which works the same
// locally and over a remote shell.
type CommandController struct {
	runner executor.Runner
	sc     string
}

// NewCommandController returns a controller that shells out through r.
func NewCommandController(r executor.Runner) *CommandController {
	return &CommandController{runner: r, sc: "sc.exe"}
}

func (c *CommandController) Status(ctx context.Context, name string) (Status, error) {
	res, err := c.runner.Run(ctx, c.sc, []string{"query", name}, nil)
	if err != nil {
		return Status{Name: name}, err
	}
	if res.ExitCode == scServiceDoesNotExist {
		return Status{Name: name, State: StateNotInstalled}, ErrNotInstalled
	}
	if !res.Success() {
		return Status{Name: name}, fmt.Errorf("sc query %s exited %d: %s", name, res.ExitCode, res.Output())
	}
	return Status{Name: name, State: parseSCState(res.Output())}, nil
}

func (c *CommandController) Start(ctx context.Context, name string) error {
	return c.control(ctx, "start", name, scServiceAlreadyRunning)
}

func (c *CommandController) Stop(ctx context.Context, name string) error {
	return c.control(ctx, "stop", name, scServiceNotActive)
}

func (c *CommandController) control(ctx context.Context, verb, name string, benign int) error {
	res, err := c.runner.Run(ctx, c.sc, []string{verb, name}, nil)
	if err != nil {
		return err
	}
	switch res.ExitCode {
	case 0, benign:
		return nil
	case scServiceDoesNotExist:
		return ErrNotInstalled
	}
	return fmt.Errorf("sc %s %s exited %d: %s", verb, name, res.ExitCode, strings.TrimSpace(res.Output()))
}

func parseSCState(out string) State {
	m := scStateRe.FindStringSubmatch(out)
	if m == nil {
		return StateUnknown
	}
	switch strings.ToUpper(m[1]) {
	case "RUNNING":
		return StateRunning
	case "STOPPED":
		return StateStopped
	case "START_PENDING":
		return StateStartPending
	case "STOP_PENDING":
		return StateStopPending
	case "PAUSED":
		return StatePaused
	}
	return StateUnknown
}
