package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandLineQuoting(t *testing.T) {
	tests := []struct {
		name  string
		shell RemoteShell
		cmd   string
		args  []string
		want  string
	}{
		{
			name:  "cmd plain",
			shell: ShellCmd,
			cmd:   "sc.exe",
			args:  []string{"query", "WsusService"},
			want:  "sc.exe query WsusService",
		},
		{
			name:  "cmd spaces",
			shell: ShellCmd,
			cmd:   `C:\Program Files\Update Services\Tools\wsusutil.exe`,
			args:  []string{"postinstall", `CONTENT_DIR=C:\WSUS`},
			want:  `"C:\Program Files\Update Services\Tools\wsusutil.exe" postinstall CONTENT_DIR=C:\WSUS`,
		},
		{
			name:  "cmd embedded quotes",
			shell: ShellCmd,
			cmd:   "netsh",
			args:  []string{"advfirewall", "firewall", `name="WSUS HTTP"`},
			want:  `netsh advfirewall firewall "name=\"WSUS HTTP\""`,
		},
		{
			name:  "posix",
			shell: ShellPosix,
			cmd:   "echo",
			args:  []string{"it's", "plain"},
			want:  `echo 'it'\''s' plain`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SSHExecutor{config: SSHConfig{Shell: tt.shell}}
			assert.Equal(t, tt.want, e.commandLine(tt.cmd, tt.args))
		})
	}
}

func TestPsQuote(t *testing.T) {
	assert.Equal(t, `'C:\WSUS'`, psQuote(`C:\WSUS`))
	assert.Equal(t, `'O''Brien'`, psQuote("O'Brien"))
}

func TestParseDfAvailable(t *testing.T) {
	lines := []string{
		"Filesystem     1024-blocks      Used Available Capacity Mounted on",
		"/dev/sda1        102400000  52428800  49971200      52% /data",
	}
	got, err := parseDfAvailable(lines)
	require.NoError(t, err)
	assert.Equal(t, uint64(49971200)*1024, got)

	_, err = parseDfAvailable([]string{"[ERR] df: /nope: No such file or directory"})
	assert.Error(t, err)
}

func TestCommandResult(t *testing.T) {
	var nilResult *CommandResult
	assert.False(t, nilResult.Success())
	assert.Empty(t, nilResult.Output())

	res := &CommandResult{ExitCode: 0, Lines: []string{"a", "[ERR] b"}}
	assert.True(t, res.Success())
	assert.Equal(t, "a\n[ERR] b", res.Output())
}
