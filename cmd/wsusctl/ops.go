package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zph/wsusctl/pkg/backup"
	"github.com/zph/wsusctl/pkg/diagnostics"
	"github.com/zph/wsusctl/pkg/maintenance"
	"github.com/zph/wsusctl/pkg/operation"
	"github.com/zph/wsusctl/pkg/updateserver"
)

var (
	diagnoseFormat      string
	diagnoseContentPath string

	backupPath string

	restorePath        string
	restoreContentPath string
	restoreYes         bool

	httpsServer     string
	httpsThumbprint string

	contentResetYes bool
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run health checks and repair what can be repaired",
	Long: `Run the fourteen WSUS health checks in order: SQL and WSUS services,
IIS and the WsusPool application pool, firewall rules, SUSDB and its logins,
content permissions, connectivity, tools and the content baseline.

Fixable failures (stopped services, missing firewall rules, missing NETWORK
SERVICE login, content ACLs) are repaired immediately and reported.

Exit status is 0 when no check failed, 1 otherwise.`,
	Example: `  wsusctl diagnose
  wsusctl diagnose --format json > report.json
  wsusctl diagnose --simulate --scenario services-stopped.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch diagnoseFormat {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unsupported format %q (expected text, json or yaml)", diagnoseFormat)
		}
		return withApp(func(ctx context.Context, a *app) error {
			if diagnoseFormat != "text" {
				// keep stdout for the report
				a.out.toStderr()
			}
			contentPath := diagnoseContentPath
			if contentPath == "" {
				contentPath = a.cfg.ContentPath
			}

			var report *diagnostics.Report
			runErr := a.run(ctx, "Diagnostics", func(ctx context.Context, progress operation.Progress) operation.Result {
				p := diagnostics.New(a.runner, a.services, a.stores, diagnostics.Options{
					Database: a.cfg.Database,
					WsusUtil: a.cfg.Tools.WsusUtil,
					AppCmd:   a.cfg.Tools.AppCmd,
				})
				r, err := p.RunDiagnostics(ctx, contentPath, a.sqlInstance(), progress)
				if err != nil {
					return operation.Fail("Diagnostics did not complete.", err)
				}
				report = r
				a.metrics.ObserveDiagnostics(r)
				if !r.IsHealthy() {
					return operation.Fail(fmt.Sprintf("%d of %d checks failed.", r.FailedCount(), r.TotalChecks()), nil)
				}
				return operation.Ok(fmt.Sprintf("All %d checks passed in %s.", r.TotalChecks(), r.Duration().Round(time.Millisecond)))
			})
			if report != nil && diagnoseFormat != "text" {
				if err := writeReport(report, diagnoseFormat); err != nil {
					return err
				}
			}
			return runErr
		})
	},
}

func writeReport(report *diagnostics.Report, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the six-stage deep database cleanup",
	Long: `Run the deep cleanup pipeline against SUSDB:

  1. WSUS built-in cleanup (wsusutil, PowerShell fallback when enabled)
  2. Purge supersession records of declined updates
  3. Purge supersession records of superseded updates, in batches
  4. Delete declined updates with spDeleteUpdate
  5. Rebuild or reorganize fragmented indexes and update statistics
  6. Shrink the database

Cleanup can take hours on a neglected server. Ctrl+C stops between stages.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return a.run(ctx, "Deep Cleanup", func(ctx context.Context, progress operation.Progress) operation.Result {
				cleaner := maintenance.NewCleaner(a.client, a.stores, maintenance.OptionsFromConfig(a.cfg))
				res := cleaner.RunDeepCleanup(ctx, a.sqlInstance(), progress)
				a.metrics.ObserveCleanup(res.Data())
				return res.Result
			})
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up SUSDB to a compressed backup file",
	Long: `Back up SUSDB with BACKUP DATABASE ... WITH COMPRESSION, INIT.

The destination volume must have free space for an estimated 80% of the
database size (cleanup.backupEstimatePct). Requires SQL sysadmin.`,
	Example: `  wsusctl backup --path 'D:\Backups\SUSDB.bak'`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			dest := backupPath
			if dest == "" {
				dest = defaultBackupPath(a.cfg.ContentPath, time.Now())
			}
			return a.run(ctx, "Database Backup", func(ctx context.Context, progress operation.Progress) operation.Result {
				return a.backupManager().Backup(ctx, a.sqlInstance(), dest, progress)
			})
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore SUSDB from a backup file",
	Long: `Restore SUSDB from a backup file.

The backup is verified first. WSUS and IIS are stopped, the database is put
into single-user mode and restored WITH REPLACE, then multi-user mode, the
WSUS post-install step and the services are brought back.

Once the database is in single-user mode the restore runs to completion even
if interrupted. Any failure rolls back multi-user mode and services. The
command exits with status 3 and the server needs manual attention when that
rollback fails, or when a completed restore leaves the database in
single-user mode or a service stopped.`,
	Example: `  wsusctl restore --path 'D:\Backups\SUSDB.bak' --yes`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if restorePath == "" {
			return fmt.Errorf("--path is required")
		}
		return withApp(func(ctx context.Context, a *app) error {
			contentPath := restoreContentPath
			if contentPath == "" {
				contentPath = a.cfg.ContentPath
			}
			if a.sim == nil && !restoreYes {
				ok, err := confirm(fmt.Sprintf("This replaces %s on %s with %s. WSUS will be offline during the restore.",
					a.cfg.Database, a.sqlInstance(), restorePath))
				if err != nil {
					return err
				}
				if !ok {
					a.out.line("Restore aborted.")
					return nil
				}
			}
			return a.run(ctx, "Database Restore", func(ctx context.Context, progress operation.Progress) operation.Result {
				return a.backupManager().Restore(ctx, a.sqlInstance(), restorePath, contentPath, progress)
			})
		})
	},
}

var httpsCmd = &cobra.Command{
	Use:   "https",
	Short: "Bind a certificate and switch WSUS to SSL",
	Long: `Bind the certificate with the given thumbprint to the WSUS SSL port and
run wsusutil configuressl. Falls back to Set-WsusHttps.ps1 when
enableFallbackForHttps is set.`,
	Example: `  wsusctl https --server wsus01.corp.example.com --thumbprint "AB CD EF ..."`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, thumbprint, err := updateserver.ValidateHTTPSInput(httpsServer, httpsThumbprint)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			return a.run(ctx, "Configure HTTPS", func(ctx context.Context, progress operation.Progress) operation.Result {
				return a.client.ConfigureHTTPS(ctx, server, thumbprint, progress)
			})
		})
	},
}

var contentResetCmd = &cobra.Command{
	Use:   "content-reset",
	Short: "Re-verify all update content (wsusutil reset)",
	Long: `Run wsusutil reset, which makes WSUS re-check every content file and
re-download anything missing or corrupt. The reset itself returns quickly;
the download runs in the background on the server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if a.sim == nil && !contentResetYes {
				ok, err := confirm("This re-verifies all WSUS content and may re-download a large amount of data.")
				if err != nil {
					return err
				}
				if !ok {
					a.out.line("Content reset aborted.")
					return nil
				}
			}
			return a.run(ctx, "Content Reset", func(ctx context.Context, progress operation.Progress) operation.Result {
				return a.client.ResetContent(ctx, progress)
			})
		})
	},
}

func (a *app) backupManager() *backup.Manager {
	return backup.NewManager(a.runner, a.stores, a.services, a.client, backup.OptionsFromConfig(a.cfg))
}

// defaultBackupPath places backups next to the content directory.
func defaultBackupPath(contentPath string, now time.Time) string {
	dir := strings.TrimRight(contentPath, `\/`)
	if dir == "" {
		dir = `C:\WSUS`
	}
	return dir + `\Backups\SUSDB-` + now.Format("20060102-150405") + ".bak"
}

// confirm asks on the terminal. Without a terminal it refuses, so scripts
// must pass --yes.
func confirm(prompt string) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("refusing to continue without confirmation; pass --yes")
	}
	fmt.Printf("%s\nContinue? [y/N]: ", prompt)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func init() {
	rootCmd.AddCommand(diagnoseCmd, cleanupCmd, backupCmd, restoreCmd, httpsCmd, contentResetCmd)

	diagnoseCmd.Flags().StringVar(&diagnoseFormat, "format", "text", "Output format: text, json, yaml")
	diagnoseCmd.Flags().StringVar(&diagnoseContentPath, "content-path", "", "WSUS content directory (default: contentPath from config)")

	backupCmd.Flags().StringVar(&backupPath, "path", "", `Backup file on the server (default: <contentPath>\Backups\SUSDB-<timestamp>.bak)`)

	restoreCmd.Flags().StringVar(&restorePath, "path", "", "Backup file on the server (required)")
	restoreCmd.Flags().StringVar(&restoreContentPath, "content-path", "", "Content directory for post-install (default: contentPath from config)")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Skip the confirmation prompt")

	httpsCmd.Flags().StringVar(&httpsServer, "server", "", "Fully qualified WSUS server name (required)")
	httpsCmd.Flags().StringVar(&httpsThumbprint, "thumbprint", "", "Certificate SHA-1 thumbprint, 40 hex characters (required)")

	contentResetCmd.Flags().BoolVarP(&contentResetYes, "yes", "y", false, "Skip the confirmation prompt")
}
