package simulation

import (
	"sort"
	"strings"
	"sync"

	"github.com/zph/wsusctl/pkg/paths"
	"github.com/zph/wsusctl/pkg/services"
	"github.com/zph/wsusctl/pkg/store"
)

// Config describes how the simulated update server answers.
type Config struct {
	// Responses maps a command-line prefix (executable base name plus
	// arguments) to its stdout.
	Responses map[string]string
	// ExitCodes maps a command-line prefix to a non-zero exit code.
	ExitCodes map[string]int

	// Scalars, Rows and RowsAffected map a query fragment to results. The
	// longest fragment contained in the query wins.
	Scalars      map[string]any
	Rows         map[string][]store.Row
	RowsAffected map[string][]int64 // successive results; the last repeats

	// Services holds initial service states; absent names are not installed.
	Services map[string]services.State

	Failures []*ConfiguredFailure

	ExistingFiles       map[string][]byte
	ExistingDirectories []string
	DiskFree            uint64

	mu sync.Mutex
}

// NewConfig returns a healthy server: services running, SUSDB present,
// sysadmin granted, permissions and firewall rules in place.
func NewConfig() *Config {
	c := &Config{
		Responses:    make(map[string]string),
		ExitCodes:    make(map[string]int),
		Scalars:      make(map[string]any),
		Rows:         make(map[string][]store.Row),
		RowsAffected: make(map[string][]int64),
		Services: map[string]services.State{
			services.SQLExpress: services.StateRunning,
			services.SQLBrowser: services.StateRunning,
			services.IIS:        services.StateRunning,
			services.WSUS:       services.StateRunning,
		},
		ExistingFiles: map[string][]byte{
			paths.DefaultWsusUtil: nil,
			paths.DefaultAppCmd:   nil,
		},
		ExistingDirectories: []string{
			paths.DefaultContentPath,
			paths.WsusContentDir(paths.DefaultContentPath),
		},
		DiskFree: 500 << 30,
	}
	c.setDefaultResponses()
	return c
}

func (c *Config) setDefaultResponses() {
	c.Responses["appcmd.exe list apppool"] = `APPPOOL "WsusPool" (MgdVersion:v4.0,MgdMode:Integrated,state:Started)`
	c.Responses["netsh advfirewall firewall show rule"] = "Rule Name:                            WSUS\nEnabled:                              Yes\nDirection:                            In"
	c.Responses["icacls"] = `C:\WSUS NT AUTHORITY\NETWORK SERVICE:(OI)(CI)(F)` + "\n" +
		`        BUILTIN\IIS_IUSRS:(OI)(CI)(F)` + "\n" +
		`        BUILTIN\Administrators:(I)(OI)(CI)(F)` + "\n" +
		"Successfully processed 1 files; Failed processing 0 files"
	c.Responses["wsusutil.exe"] = "Command completed successfully."
	c.Responses["powershell.exe -NoProfile -NonInteractive -Command (Get-Item"] = "10.0.17763.1"
	c.Responses["netsh http show sslcert"] = "    IP:port                      : 0.0.0.0:8531\n    Certificate Hash             : 0000000000000000000000000000000000000000"

	c.Scalars["IS_SRVROLEMEMBER"] = int64(1)
	c.Scalars["DB_ID('SUSDB')"] = int64(5)
	c.Scalars["sys.server_principals"] = `NT AUTHORITY\NETWORK SERVICE`
	c.Scalars["SELECT 1"] = int64(1)
	c.Scalars["sys.master_files"] = []byte("12.500000")
	c.Scalars["COUNT"] = int64(0)
}

// SetResponse configures stdout for a command-line prefix.
func (c *Config) SetResponse(command, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses[command] = response
}

// SetExitCode configures a command-line prefix to exit with code.
func (c *Config) SetExitCode(command string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExitCodes[command] = code
}

// SetScalar configures the scalar returned for a query fragment.
func (c *Config) SetScalar(fragment string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Scalars[fragment] = v
}

// SetRows configures the rows returned for a query fragment.
func (c *Config) SetRows(fragment string, rows []store.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rows[fragment] = rows
}

// SetRowsAffected configures successive exec results for a query fragment.
func (c *Config) SetRowsAffected(fragment string, counts ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RowsAffected[fragment] = counts
}

// SetService sets the initial state of a service.
func (c *Config) SetService(name string, state services.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Services[name] = state
}

// RemoveService makes a service appear not installed.
func (c *Config) RemoveService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Services, name)
}

// SetFailure makes every matching operation fail.
func (c *Config) SetFailure(operation, target, errorMsg string) *ConfiguredFailure {
	return c.SetFailureTimes(operation, target, errorMsg, 0)
}

// SetFailureTimes makes the first n matching operations fail.
func (c *Config) SetFailureTimes(operation, target, errorMsg string, n int) *ConfiguredFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &ConfiguredFailure{Operation: operation, Target: target, Error: errorMsg, Times: n}
	c.Failures = append(c.Failures, f)
	return f
}

// AddExistingFile marks a file present on the server.
func (c *Config) AddExistingFile(path string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExistingFiles[path] = content
}

// AddExistingDirectory marks a directory present on the server.
func (c *Config) AddExistingDirectory(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ExistingDirectories = append(c.ExistingDirectories, path)
}

// RemovePath drops a file or directory from the preconfigured state.
func (c *Config) RemovePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ExistingFiles, path)
	dirs := c.ExistingDirectories[:0]
	for _, d := range c.ExistingDirectories {
		if !strings.EqualFold(d, path) {
			dirs = append(dirs, d)
		}
	}
	c.ExistingDirectories = dirs
}

// shouldFail returns the first live failure matching operation and target.
func (c *Config) shouldFail(operation, target string) *ConfiguredFailure {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.Failures {
		if f.Operation != operation {
			continue
		}
		if f.Target != "*" && f.Target != target && !strings.Contains(target, f.Target) {
			continue
		}
		if f.Times > 0 && f.fired >= f.Times {
			continue
		}
		f.fired++
		return f
	}
	return nil
}

// longestKey returns the longest key k for which match(k) holds.
func longestKey[V any](m map[string]V, match func(string) bool) (string, bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if match(k) {
			return k, true
		}
	}
	return "", false
}
