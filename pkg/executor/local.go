package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zph/wsusctl/pkg/logger"
)

// killGrace bounds how long Wait blocks on output pipes after a kill.
const killGrace = 5 * time.Second

// LocalExecutor implements Runner for commands on this machine.
type LocalExecutor struct{}

// NewLocalExecutor creates a new LocalExecutor
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Run starts name with args in its own process group, streams each output
// line to progress and kills the group when ctx is cancelled.
func (e *LocalExecutor) Run(ctx context.Context, name string, args []string, progress LineFunc) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessTree(cmd.Process)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	logger.Debug("exec: %s %v", name, args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	result := &CommandResult{}
	var mu sync.Mutex
	collect := func(r io.Reader, prefix string, wg *sync.WaitGroup) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := prefix + scanner.Text()
			mu.Lock()
			result.Lines = append(result.Lines, line)
			if progress != nil {
				progress(line)
			}
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("exec: stopped reading output: %v", err)
		}
		// keep the child from blocking on a full pipe
		io.Copy(io.Discard, r)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go collect(stdout, "", &wg)
	go collect(stderr, StderrPrefix, &wg)
	wg.Wait()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("failed waiting for %s: %w", name, waitErr)
	}
	return result, nil
}

// FileExists checks if a file exists
func (e *LocalExecutor) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// DiskFree returns available disk space in bytes for the given path
func (e *LocalExecutor) DiskFree(ctx context.Context, path string) (uint64, error) {
	return diskFree(path)
}

// Close closes any resources held by the executor
func (e *LocalExecutor) Close() error {
	// No resources to close for local executor
	return nil
}
