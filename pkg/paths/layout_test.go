package paths

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateLayout_Files(t *testing.T) {
	base := "/home/user/.wsusctl"
	layout, err := NewStateLayout(base)
	if err != nil {
		t.Fatalf("NewStateLayout() error = %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", layout.ConfigFile(), filepath.Join(base, "config.yaml")},
		{"lock", layout.LockFile(), filepath.Join(base, "operation.lock")},
		{"history", layout.HistoryDB(), filepath.Join(base, "history.db")},
		{"transcripts", layout.TranscriptDir(), filepath.Join(base, "transcripts")},
		{"metrics", layout.MetricsFile(), filepath.Join(base, "metrics.prom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestStateLayout_DefaultsToHome(t *testing.T) {
	layout, err := NewStateLayout("")
	if err != nil {
		t.Fatalf("NewStateLayout() error = %v", err)
	}
	if filepath.Base(layout.BaseDir()) != ".wsusctl" {
		t.Errorf("BaseDir() = %v, want a .wsusctl directory", layout.BaseDir())
	}
}

func TestStateLayout_Ensure(t *testing.T) {
	layout, _ := NewStateLayout(filepath.Join(t.TempDir(), "state"))
	if err := layout.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if info, err := os.Stat(layout.TranscriptDir()); err != nil || !info.IsDir() {
		t.Errorf("transcript dir not created: %v", err)
	}
}

func TestTranscriptPath(t *testing.T) {
	layout, _ := NewStateLayout("/state")
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	got := layout.TranscriptPath("Deep Cleanup", at)
	want := filepath.Join("/state", "transcripts", "20260304-050607-Deep-Cleanup.log")
	if got != want {
		t.Errorf("TranscriptPath() = %v, want %v", got, want)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Restore Database", "Restore-Database"},
		{"a/b:c", "a-b-c"},
		{"   ", "operation"},
		{"???", "operation"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWsusContentDir(t *testing.T) {
	tests := map[string]string{
		`C:\WSUS`:  `C:\WSUS\WsusContent`,
		`C:\WSUS\`: `C:\WSUS\WsusContent`,
		`D:/data`:  `D:/data\WsusContent`,
	}
	for in, want := range tests {
		if got := WsusContentDir(in); got != want {
			t.Errorf("WsusContentDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWindowsDir(t *testing.T) {
	tests := map[string]string{
		`C:\Backups\SUSDB.bak`: `C:\Backups`,
		`C:\SUSDB.bak`:         `C:\`,
		`\\nas\wsus\susdb.bak`: `\\nas\wsus`,
		`SUSDB.bak`:            `SUSDB.bak`,
	}
	for in, want := range tests {
		if got := WindowsDir(in); got != want {
			t.Errorf("WindowsDir(%q) = %q, want %q", in, got, want)
		}
	}
}
