package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/zph/wsusctl/pkg/paths"
)

// SchemaVersion is the config file schema this build understands.
const SchemaVersion = "v1.1.0"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WSUSCTL_"

// Config is the explicit configuration threaded through every constructor.
type Config struct {
	Version string `yaml:"version" validate:"omitempty"`

	ContentPath string `yaml:"contentPath" validate:"required"`
	SQLInstance string `yaml:"sqlInstance" validate:"required"`
	Database    string `yaml:"database" validate:"required"`
	SQLUser     string `yaml:"sqlUser,omitempty"`
	SQLPassword string `yaml:"sqlPassword,omitempty"`

	EnableFallbackForInstall bool `yaml:"enableFallbackForInstall"`
	EnableFallbackForCleanup bool `yaml:"enableFallbackForCleanup"`
	EnableFallbackForHttps   bool `yaml:"enableFallbackForHttps"`

	Tools   ToolsConfig   `yaml:"tools"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Remote  RemoteConfig  `yaml:"remote"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`

	StateDir        string `yaml:"stateDir,omitempty"`
	MetricsTextfile string `yaml:"metricsTextfile,omitempty"`
}

// ToolsConfig locates executables on the update server.
type ToolsConfig struct {
	WsusUtil    string `yaml:"wsusutil" validate:"required"`
	AppCmd      string `yaml:"appcmd" validate:"required"`
	PowerShell  string `yaml:"powershell" validate:"required"`
	ScriptsDir  string `yaml:"scriptsDir,omitempty"`
	ServerPort  int    `yaml:"serverPort" validate:"min=1,max=65535"`
	SSLIPPort   string `yaml:"sslIpPort" validate:"required"`
	ServiceWait string `yaml:"serviceWait" validate:"required"`
}

// CleanupConfig holds deep cleanup tuning knobs.
type CleanupConfig struct {
	SupersededBatchSize int     `yaml:"supersededBatchSize" validate:"min=1"`
	DeclinedBatchSize   int     `yaml:"declinedBatchSize" validate:"min=1"`
	BatchThrottle       string  `yaml:"batchThrottle" validate:"required"`
	MinPageCount        int     `yaml:"minPageCount" validate:"min=0"`
	RebuildThreshold    float64 `yaml:"rebuildThreshold" validate:"gtfield=ReorganizeThreshold,max=100"`
	ReorganizeThreshold float64 `yaml:"reorganizeThreshold" validate:"min=0"`
	ShrinkRetries       int     `yaml:"shrinkRetries" validate:"min=0,max=10"`
	ShrinkRetryDelay    string  `yaml:"shrinkRetryDelay" validate:"required"`
	ShrinkTargetFreePct int     `yaml:"shrinkTargetFreePct" validate:"min=0,max=100"`
	BackupEstimatePct   int     `yaml:"backupSizeEstimatePct" validate:"min=1,max=100"`
}

// RemoteConfig describes an optional SSH connection to the update server.
type RemoteConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string `yaml:"user,omitempty" validate:"required_with=Host"`
	Password       string `yaml:"password,omitempty"`
	KeyFile        string `yaml:"keyFile,omitempty"`
	KnownHosts     string `yaml:"knownHosts,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" validate:"min=10,max=300"`
	RetryCount     int    `yaml:"retryCount" validate:"min=1,max=10"`
}

// LoggingConfig controls log verbosity and transcript retention.
type LoggingConfig struct {
	Level         string `yaml:"level" validate:"oneof=debug info warn warning error"`
	RetentionDays int    `yaml:"retentionDays" validate:"min=1,max=365"`
}

// TracingConfig selects where operation spans are exported.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	// File receives stdout spans; empty means stderr.
	File     string `yaml:"file,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version:     SchemaVersion,
		ContentPath: paths.DefaultContentPath,
		SQLInstance: `localhost\SQLEXPRESS`,
		Database:    "SUSDB",

		EnableFallbackForInstall: true,
		EnableFallbackForCleanup: true,
		EnableFallbackForHttps:   true,

		Tools: ToolsConfig{
			WsusUtil:    paths.DefaultWsusUtil,
			AppCmd:      paths.DefaultAppCmd,
			PowerShell:  "powershell.exe",
			ServerPort:  8530,
			SSLIPPort:   "0.0.0.0:8531",
			ServiceWait: "30s",
		},
		Cleanup: CleanupConfig{
			SupersededBatchSize: 10000,
			DeclinedBatchSize:   100,
			BatchThrottle:       "1s",
			MinPageCount:        1000,
			RebuildThreshold:    30,
			ReorganizeThreshold: 10,
			ShrinkRetries:       3,
			ShrinkRetryDelay:    "30s",
			ShrinkTargetFreePct: 10,
			BackupEstimatePct:   80,
		},
		Remote: RemoteConfig{
			Port:           22,
			TimeoutSeconds: 60,
			RetryCount:     3,
		},
		Logging: LoggingConfig{
			Level:         "info",
			RetentionDays: 30,
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Load reads path (if it exists), applies .env and environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// defaults only
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// .env is optional; values already in the environment win.
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges and schema compatibility.
func (c *Config) Validate() error {
	if c.Version != "" {
		if !semver.IsValid(c.Version) {
			return fmt.Errorf("invalid config version %q", c.Version)
		}
		if semver.Major(c.Version) != semver.Major(SchemaVersion) {
			return fmt.Errorf("config version %s is not compatible with %s", c.Version, SchemaVersion)
		}
		if semver.Compare(c.Version, SchemaVersion) > 0 {
			return fmt.Errorf("config version %s is newer than supported %s", c.Version, SchemaVersion)
		}
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, d := range map[string]string{
		"tools.serviceWait":        c.Tools.ServiceWait,
		"cleanup.batchThrottle":    c.Cleanup.BatchThrottle,
		"cleanup.shrinkRetryDelay": c.Cleanup.ShrinkRetryDelay,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}
	return nil
}

// ServiceWait is the time to wait for a service to reach its target state.
func (c *Config) ServiceWait() time.Duration { return mustDuration(c.Tools.ServiceWait) }

// BatchThrottle is the pause between superseded purge batches.
func (c *Config) BatchThrottle() time.Duration { return mustDuration(c.Cleanup.BatchThrottle) }

// ShrinkRetryDelay is the pause between shrink attempts.
func (c *Config) ShrinkRetryDelay() time.Duration { return mustDuration(c.Cleanup.ShrinkRetryDelay) }

// RemoteTimeout is the SSH dial timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// IsRemote reports whether commands go over SSH.
func (c *Config) IsRemote() bool { return c.Remote.Host != "" }

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// applyEnv overlays WSUSCTL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"CONTENT_PATH":    &c.ContentPath,
		"SQL_INSTANCE":    &c.SQLInstance,
		"DATABASE":        &c.Database,
		"SQL_USER":        &c.SQLUser,
		"SQL_PASSWORD":    &c.SQLPassword,
		"WSUSUTIL":        &c.Tools.WsusUtil,
		"SCRIPTS_DIR":     &c.Tools.ScriptsDir,
		"REMOTE_HOST":     &c.Remote.Host,
		"REMOTE_USER":     &c.Remote.User,
		"REMOTE_PASSWORD": &c.Remote.Password,
		"REMOTE_KEY_FILE": &c.Remote.KeyFile,
		"LOG_LEVEL":       &c.Logging.Level,
		"STATE_DIR":       &c.StateDir,
		"METRICS_FILE":    &c.MetricsTextfile,
		"TRACE_EXPORTER":  &c.Tracing.Exporter,
		"TRACE_FILE":      &c.Tracing.File,
		"TRACE_ENDPOINT":  &c.Tracing.Endpoint,
	}
	for key, dst := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"FALLBACK_INSTALL": &c.EnableFallbackForInstall,
		"FALLBACK_CLEANUP": &c.EnableFallbackForCleanup,
		"FALLBACK_HTTPS":   &c.EnableFallbackForHttps,
		"TRACE_INSECURE":   &c.Tracing.Insecure,
	}
	for key, dst := range flags {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "REMOTE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREMOTE_PORT: %w", EnvPrefix, err)
		}
		c.Remote.Port = port
	}
	return nil
}
