package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zph/wsusctl/pkg/simulation"
)

var scenarioTypes = []string{
	"services-stopped",
	"not-sysadmin",
	"shrink-contention",
	"restore-failure",
	"disk-full",
	"network-failure",
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Work with --simulate scenario files",
}

var scenarioTemplateCmd = &cobra.Command{
	Use:   "template <type> [file]",
	Short: "Write a canned failure scenario",
	Long: `Write a scenario YAML that reproduces a common fault under --simulate.

Types:
  services-stopped    WSUS and IIS stopped, app pool not started
  not-sysadmin        SQL login lacks the sysadmin role
  shrink-contention   DBCC SHRINKDATABASE blocked by a concurrent backup
  restore-failure     RESTORE DATABASE fails after single-user mode
  disk-full           1 GB free on every volume
  network-failure     commands and SQL calls fail with connection errors

Without a file the scenario is printed to stdout.`,
	Example: `  wsusctl scenario template restore-failure restore.yaml
  wsusctl restore --path 'D:\Backups\SUSDB.bak' --simulate --scenario restore.yaml`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: scenarioTypes,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !knownScenario(args[0]) {
			return fmt.Errorf("unknown scenario type %q", args[0])
		}
		scenario := simulation.GenerateScenarioTemplate(args[0])
		if len(args) == 1 {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(simulation.ScenarioFile{Simulation: *scenario})
		}
		if err := simulation.SaveScenarioToFile(scenario, args[1]); err != nil {
			return err
		}
		fmt.Printf("Scenario %s written to %s\n", args[0], args[1])
		return nil
	},
}

func knownScenario(name string) bool {
	for _, t := range scenarioTypes {
		if t == name {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.AddCommand(scenarioTemplateCmd)
}
