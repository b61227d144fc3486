//go:build !windows

package services

import "github.com/zph/wsusctl/pkg/executor"

// NewLocalController falls back to sc.exe through r off Windows, where the
// runner is normally a remote or simulated one.
func NewLocalController(r executor.Runner) Controller {
	return NewCommandController(r)
}
