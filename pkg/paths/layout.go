package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Well-known locations on the update server itself.
const (
	DefaultContentPath = `C:\WSUS`
	DefaultWsusUtil    = `C:\Program Files\Update Services\Tools\wsusutil.exe`
	DefaultAppCmd      = `C:\Windows\System32\inetsrv\appcmd.exe`
	LegacyHTTPSScript  = "Set-WsusHttps.ps1"
)

// StateLayout manages the local state directory used by wsusctl.
// Pattern: ~/.wsusctl/{config.yaml,operation.lock,history.db,transcripts/,metrics.prom}
type StateLayout struct {
	baseDir string
}

// NewStateLayout creates a layout rooted at baseDir, defaulting to ~/.wsusctl.
func NewStateLayout(baseDir string) (*StateLayout, error) {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".wsusctl")
	}
	return &StateLayout{baseDir: baseDir}, nil
}

// BaseDir returns the state directory root.
func (l *StateLayout) BaseDir() string {
	return l.baseDir
}

// ConfigFile returns the default configuration file path.
func (l *StateLayout) ConfigFile() string {
	return filepath.Join(l.baseDir, "config.yaml")
}

// LockFile returns the cross-process operation lock path.
func (l *StateLayout) LockFile() string {
	return filepath.Join(l.baseDir, "operation.lock")
}

// HistoryDB returns the operation journal database path.
func (l *StateLayout) HistoryDB() string {
	return filepath.Join(l.baseDir, "history.db")
}

// TranscriptDir returns the directory holding per-operation transcripts.
func (l *StateLayout) TranscriptDir() string {
	return filepath.Join(l.baseDir, "transcripts")
}

// MetricsFile returns the default Prometheus textfile path.
func (l *StateLayout) MetricsFile() string {
	return filepath.Join(l.baseDir, "metrics.prom")
}

// Ensure creates the state directory tree.
func (l *StateLayout) Ensure() error {
	for _, dir := range []string{l.baseDir, l.TranscriptDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// TranscriptPath returns the transcript file for an operation started at t.
// Pattern: <transcripts>/yyyyMMdd-HHmmss-<sanitized-name>.log
func (l *StateLayout) TranscriptPath(operation string, t time.Time) string {
	return filepath.Join(l.TranscriptDir(),
		fmt.Sprintf("%s-%s.log", t.Format("20060102-150405"), SanitizeName(operation)))
}

// SanitizeName turns an operation name into a safe file name fragment.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "operation"
	}
	name = unsafeName.ReplaceAllString(name, "-")
	name = strings.ReplaceAll(name, " ", "-")
	if strings.Trim(name, "-") == "" {
		return "operation"
	}
	return name
}

// WsusContentDir returns the WsusContent folder under a content root.
func WsusContentDir(contentPath string) string {
	return joinWindows(contentPath, "WsusContent")
}

// joinWindows joins Windows path fragments regardless of the host OS,
// since the server paths are always Windows paths.
func joinWindows(base string, elem ...string) string {
	out := strings.TrimRight(base, `\/`)
	for _, e := range elem {
		out += `\` + strings.Trim(e, `\/`)
	}
	return out
}

// WindowsDir returns the directory part of a Windows path, or the path
// itself when it has no separator.
func WindowsDir(path string) string {
	i := strings.LastIndexAny(path, `\/`)
	switch {
	case i < 0:
		return path
	case i == 2 && path[1] == ':':
		return path[:3]
	}
	return path[:i]
}
