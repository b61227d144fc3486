package simulation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
)

// Scenario is a simulation scenario loaded from YAML.
type Scenario struct {
	Responses  map[string]string `yaml:"responses"`
	ExitCodes  map[string]int    `yaml:"exit_codes"`
	Store      StoreSpec         `yaml:"store"`
	Services   map[string]string `yaml:"services"` // name -> running|stopped|absent
	Failures   []FailureSpec     `yaml:"failures"`
	Filesystem FilesystemSpec    `yaml:"filesystem"`
}

// StoreSpec configures simulated query results.
type StoreSpec struct {
	Scalars      map[string]any              `yaml:"scalars"`
	Rows         map[string][]map[string]any `yaml:"rows"`
	RowsAffected map[string][]int64          `yaml:"rows_affected"`
}

// FailureSpec defines when an operation should fail.
type FailureSpec struct {
	Operation   string `yaml:"operation"`
	Target      string `yaml:"target"`
	Error       string `yaml:"error"`
	Times       int    `yaml:"times,omitempty"`
	ErrorNumber int32  `yaml:"error_number,omitempty"`
}

// FilesystemSpec defines preconfigured filesystem state.
type FilesystemSpec struct {
	ExistingFiles       []string `yaml:"existing_files"`
	ExistingDirectories []string `yaml:"existing_directories"`
	Missing             []string `yaml:"missing"`
	DiskFreeGB          float64  `yaml:"disk_free_gb,omitempty"`
}

// ScenarioFile is the root of a scenario YAML file.
type ScenarioFile struct {
	Simulation Scenario `yaml:"simulation"`
}

// LoadScenarioFromFile loads a scenario from a YAML file.
func LoadScenarioFromFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenarioFile ScenarioFile
	if err := yaml.Unmarshal(data, &scenarioFile); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	return &scenarioFile.Simulation, nil
}

// ParseServiceState maps a scenario state name.
func ParseServiceState(s string) (services.State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return services.StateRunning, true
	case "stopped":
		return services.StateStopped, true
	case "paused":
		return services.StatePaused, true
	case "start_pending", "starting":
		return services.StateStartPending, true
	case "stop_pending", "stopping":
		return services.StateStopPending, true
	case "absent", "not_installed":
		return services.StateNotInstalled, true
	}
	return services.StateUnknown, false
}

// ApplyScenarioToConfig overlays a scenario on a config.
func ApplyScenarioToConfig(scenario *Scenario, config *Config) error {
	if scenario == nil {
		return nil
	}

	for name, raw := range scenario.Services {
		st, ok := ParseServiceState(raw)
		if !ok {
			return fmt.Errorf("unknown state %q for service %s", raw, name)
		}
		if st == services.StateNotInstalled {
			config.RemoveService(name)
			continue
		}
		config.SetService(name, st)
	}
	for _, p := range scenario.Filesystem.Missing {
		config.RemovePath(p)
	}

	config.mu.Lock()
	defer config.mu.Unlock()

	for command, response := range scenario.Responses {
		config.Responses[command] = response
	}
	for command, code := range scenario.ExitCodes {
		config.ExitCodes[command] = code
	}
	for fragment, v := range scenario.Store.Scalars {
		config.Scalars[fragment] = v
	}
	for fragment, rows := range scenario.Store.Rows {
		converted := make([]store.Row, len(rows))
		for i, r := range rows {
			converted[i] = store.Row(r)
		}
		config.Rows[fragment] = converted
	}
	for fragment, counts := range scenario.Store.RowsAffected {
		config.RowsAffected[fragment] = counts
	}

	for _, failure := range scenario.Failures {
		config.Failures = append(config.Failures, &ConfiguredFailure{
			Operation:   failure.Operation,
			Target:      failure.Target,
			Error:       failure.Error,
			Times:       failure.Times,
			ErrorNumber: failure.ErrorNumber,
		})
	}

	for _, file := range scenario.Filesystem.ExistingFiles {
		config.ExistingFiles[file] = nil
	}
	config.ExistingDirectories = append(config.ExistingDirectories, scenario.Filesystem.ExistingDirectories...)
	if scenario.Filesystem.DiskFreeGB > 0 {
		config.DiskFree = uint64(scenario.Filesystem.DiskFreeGB * (1 << 30))
	}
	return nil
}

// LoadConfigWithScenario creates a default config with a scenario applied.
func LoadConfigWithScenario(scenarioPath string) (*Config, error) {
	scenario, err := LoadScenarioFromFile(scenarioPath)
	if err != nil {
		return nil, err
	}

	config := NewConfig()
	if err := ApplyScenarioToConfig(scenario, config); err != nil {
		return nil, err
	}
	return config, nil
}

// NewWithScenario creates a simulator from a scenario file. An empty path
// yields the healthy default server.
func NewWithScenario(scenarioPath string) (*Simulator, error) {
	if scenarioPath == "" {
		return New(NewConfig()), nil
	}
	config, err := LoadConfigWithScenario(scenarioPath)
	if err != nil {
		return nil, err
	}
	return New(config), nil
}

// SaveScenarioToFile writes a scenario as YAML.
func SaveScenarioToFile(scenario *Scenario, path string) error {
	data, err := yaml.Marshal(ScenarioFile{Simulation: *scenario})
	if err != nil {
		return fmt.Errorf("failed to marshal scenario: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}
	return nil
}

// GenerateScenarioTemplate returns a canned scenario for common faults.
func GenerateScenarioTemplate(templateType string) *Scenario {
	switch templateType {
	case "services-stopped":
		return &Scenario{
			Services: map[string]string{
				services.WSUS: "stopped",
				services.IIS:  "stopped",
			},
			Responses: map[string]string{
				"appcmd.exe list apppool": "",
			},
		}

	case "not-sysadmin":
		return &Scenario{
			Store: StoreSpec{Scalars: map[string]any{"IS_SRVROLEMEMBER": 0}},
		}

	case "shrink-contention":
		return &Scenario{
			Failures: []FailureSpec{{
				Operation: OpSQLExec,
				Target:    "DBCC SHRINKDATABASE",
				Error:     "Backup, file manipulation operations (such as ALTER DATABASE ADD FILE) and encryption changes on a database must be serialized.",
				Times:     2,
			}},
		}

	case "restore-failure":
		return &Scenario{
			Filesystem: FilesystemSpec{ExistingFiles: []string{`C:\WSUS\SUSDB.bak`}},
			Failures: []FailureSpec{{
				Operation: OpSQLExec,
				Target:    "RESTORE DATABASE",
				Error:     "RESTORE DATABASE is terminating abnormally.",
			}},
		}

	case "disk-full":
		return &Scenario{
			Filesystem: FilesystemSpec{DiskFreeGB: 1},
		}

	case "network-failure":
		return &Scenario{
			Failures: []FailureSpec{
				{Operation: OpExecute, Target: "*", Error: "connection refused"},
				{Operation: OpSQLScalar, Target: "*", Error: "connection reset by peer", ErrorNumber: 10054},
			},
		}

	default:
		return &Scenario{
			Responses: make(map[string]string),
			Failures:  []FailureSpec{},
		}
	}
}
