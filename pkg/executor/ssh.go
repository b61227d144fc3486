package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/zph/wsusctl/pkg/logger"
)

// RemoteShell selects how arguments are quoted on the remote side.
type RemoteShell string

const (
	ShellCmd   RemoteShell = "cmd"   // Windows OpenSSH default shell
	ShellPosix RemoteShell = "posix" // sh-compatible shells
)

// SSHConfig holds SSH connection configuration
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration
	Retries    int
	Shell      RemoteShell
}

// SSHExecutor implements Runner for a remote update server via SSH
type SSHExecutor struct {
	config    SSHConfig
	client    *ssh.Client
	agentConn net.Conn // Keep agent connection alive for the lifetime of the executor
}

// NewSSHExecutor creates a new SSH executor and establishes connection
func NewSSHExecutor(config SSHConfig) (*SSHExecutor, error) {
	// Set defaults
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	if config.Shell == "" {
		config.Shell = ShellCmd
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHosts != "" {
		cb, err := knownhosts.New(config.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", config.KnownHosts, err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("no known_hosts configured; host key for %s is not verified", config.Host)
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	// Authentication methods in order of preference: key file, agent, password
	if config.KeyFile != "" {
		key, err := os.ReadFile(config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
		}

		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}

	var agentConn net.Conn
	if conn, err := getSSHAgentConnection(); err == nil {
		agentConn = conn
		sshAgent := agent.NewClient(agentConn)
		signers, err := sshAgent.Signers()
		if err == nil && len(signers) > 0 {
			sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signers...))
		} else {
			agentConn.Close()
			agentConn = nil
		}
	}

	if config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(config.Password))
	}

	if len(sshConfig.Auth) == 0 {
		return nil, fmt.Errorf("no authentication method provided (need key file, SSH agent, or password)")
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	var client *ssh.Client
	var err error
	for attempt := 1; attempt <= config.Retries; attempt++ {
		client, err = ssh.Dial("tcp", addr, sshConfig)
		if err == nil {
			break
		}
		logger.Warn("SSH connect to %s failed (attempt %d/%d): %v", addr, attempt, config.Retries, err)
		if attempt < config.Retries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return nil, fmt.Errorf("failed to connect to SSH server at %s: %w", addr, err)
	}

	return &SSHExecutor{
		config:    config,
		client:    client,
		agentConn: agentConn,
	}, nil
}

// Run executes name with args in a new session. Cancelling ctx signals and
// closes the session, which makes the server tear down the process tree.
func (e *SSHExecutor) Run(ctx context.Context, name string, args []string, progress LineFunc) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	command := e.commandLine(name, args)
	logger.Debug("ssh exec on %s: %s", e.config.Host, command)
	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-done:
		}
	}()

	result := &CommandResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	collect := func(r io.Reader, prefix string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := prefix + strings.TrimRight(scanner.Text(), "\r")
			mu.Lock()
			result.Lines = append(result.Lines, line)
			if progress != nil {
				progress(line)
			}
			mu.Unlock()
		}
	}
	wg.Add(2)
	go collect(stdout, "")
	go collect(stderr, StderrPrefix)
	wg.Wait()

	waitErr := session.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return result, fmt.Errorf("remote command failed: %w", waitErr)
	}
	return result, nil
}

// FileExists checks a path on the remote server.
func (e *SSHExecutor) FileExists(ctx context.Context, path string) (bool, error) {
	if e.config.Shell == ShellPosix {
		res, err := e.Run(ctx, "test", []string{"-e", path}, nil)
		if err != nil {
			return false, err
		}
		return res.Success(), nil
	}

	script := fmt.Sprintf("Test-Path -LiteralPath %s", psQuote(path))
	res, err := e.Run(ctx, "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", script}, nil)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(res.Output()), "True"), nil
}

// DiskFree returns available bytes on the remote volume holding path.
func (e *SSHExecutor) DiskFree(ctx context.Context, path string) (uint64, error) {
	if e.config.Shell == ShellPosix {
		res, err := e.Run(ctx, "df", []string{"-Pk", path}, nil)
		if err != nil {
			return 0, err
		}
		return parseDfAvailable(res.Lines)
	}

	script := fmt.Sprintf("(New-Object System.IO.DriveInfo([System.IO.Path]::GetPathRoot(%s))).AvailableFreeSpace", psQuote(path))
	res, err := e.Run(ctx, "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", script}, nil)
	if err != nil {
		return 0, err
	}
	if !res.Success() {
		return 0, fmt.Errorf("failed to get disk space: %s", res.Output())
	}
	free, err := strconv.ParseUint(strings.TrimSpace(res.Output()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse disk space %q: %w", res.Output(), err)
	}
	return free, nil
}

// Close closes the SSH connection and agent connection
func (e *SSHExecutor) Close() error {
	var errs []error
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close SSH client: %w", err))
		}
	}
	if e.agentConn != nil {
		if err := e.agentConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close SSH agent connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *SSHExecutor) commandLine(name string, args []string) string {
	quote := cmdQuote
	if e.config.Shell == ShellPosix {
		quote = posixQuote
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(name))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func posixQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func cmdQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"&|<>^") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// parseDfAvailable reads the Available column (KiB) of `df -Pk` output.
func parseDfAvailable(lines []string) (uint64, error) {
	for _, line := range lines {
		if strings.HasPrefix(line, StderrPrefix) || strings.HasPrefix(line, "Filesystem") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		kb, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse df output %q: %w", line, err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("unexpected df output")
}

// getSSHAgentConnection connects to the SSH agent socket and returns the connection
// Returns error if SSH agent is not available
func getSSHAgentConnection() (net.Conn, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
	}

	return conn, nil
}
