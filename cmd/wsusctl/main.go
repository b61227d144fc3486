package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zph/wsusctl/pkg/logger"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitCancelled = 2
	exitDegraded  = 3
	exitBusy      = 4
)

var (
	configPath   string
	verbose      bool
	simulate     bool
	scenarioPath string
	remoteHost   string
	traceFile    string
)

var rootCmd = &cobra.Command{
	Use:   "wsusctl",
	Short: "WSUS server maintenance tool",
	Long: `wsusctl maintains a Windows Server Update Services server and its
SUSDB database: health diagnostics with auto-repair, deep database cleanup,
backup and restore, HTTPS setup and content reset.

Commands run against the local server, or a remote one over SSH with --host.
Use --simulate to record what would be done without touching the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel(logger.LevelDebug)
		}
	},
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: ~/.wsusctl/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&simulate, "simulate", false, "Record operations against a simulated server instead of the real one")
	pf.StringVar(&scenarioPath, "scenario", "", "Scenario YAML for --simulate")
	pf.StringVar(&remoteHost, "host", "", "Run against a remote server over SSH (overrides remote.host)")
	pf.StringVar(&traceFile, "trace", "", "Write OpenTelemetry spans as JSON to this file (overrides tracing.exporter)")
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := exitFailed
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if code != exitOK {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
