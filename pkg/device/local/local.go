// Package local implements the device adapter for the machine the tests
// run on. Commands are spawned as subprocesses; the process group is
// killed on timeout so no children survive the deadline.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/lg"
	"github.com/thin-edge/device-test-core/pkg/logfilter"
)

const defaultShell = "/bin/sh"

// Adapter runs commands on the local machine.
type Adapter struct {
	handle device.Handle
	cfg    config.LocalConfig
	log    lg.Logger

	mu      sync.Mutex // safety net; callers are expected to serialize
	started bool
}

// New builds a local adapter. cfg may be nil for defaults.
func New(name string, cfg *config.LocalConfig, logger lg.Logger) *Adapter {
	if cfg == nil {
		cfg = &config.LocalConfig{}
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &Adapter{
		handle: device.Handle{
			ID:   uuid.NewString(),
			Kind: device.KindLocal,
			Name: name,
		},
		cfg: *cfg,
		log: logger.With(lg.String("device", name), lg.String("kind", device.KindLocal)),
	}
}

func (a *Adapter) Handle() device.Handle { return a.handle }

// Start is a no-op for the local machine; it only marks the adapter as
// usable so Start/Stop remain idempotent like the other transports.
func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

// Stop is a no-op: the local machine is never torn down.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

// WaitUntilReady probes the configured shell until it answers or timeout
// elapses.
func (a *Adapter) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		res, err := a.Execute(ctx, "true", device.ExecOptions{Timeout: 5 * time.Second})
		if err == nil && res.Success() {
			return nil
		}
		if time.Now().After(deadline) {
			return device.E(device.KindNotReady, "wait_until_ready", a.handle.Name,
				fmt.Errorf("shell probe did not succeed within %v", timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Execute spawns the command in its own process group. On timeout the
// whole group receives SIGKILL before the call returns.
func (a *Adapter) Execute(ctx context.Context, command string, opts device.ExecOptions) (*device.CommandResult, error) {
	if err := device.ValidateExec(command, opts); err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	argv := a.argv(command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the group, not just the shell, so no orphans remain.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	} else if a.cfg.WorkingDir != "" {
		cmd.Dir = a.cfg.WorkingDir
	}
	cmd.Env = buildEnv(a.cfg.Env, opts.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("execute: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("execute: stderr pipe: %w", err)
	}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("execute: could not start %q: %w", command, err)
	}

	var outLines, errLines []string
	var g errgroup.Group
	g.Go(func() error { outLines = scanLines(stdout); return nil })
	g.Go(func() error { errLines = scanLines(stderr); return nil })
	_ = g.Wait()

	waitErr := cmd.Wait()
	ended := time.Now().UTC()

	result := &device.CommandResult{
		Stdout:    outLines,
		Stderr:    errLines,
		StartedAt: started,
		EndedAt:   ended,
	}

	switch {
	case parent.Err() != nil:
		// The caller cancelled or hit its own deadline; only the
		// per-command timeout counts as the command timing out.
		return nil, parent.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
	case waitErr == nil:
		result.ExitCode = device.IntPtr(0)
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				result.ExitCode = device.IntPtr(code)
			}
			// Killed by a signal: exit code stays absent.
		} else {
			return nil, fmt.Errorf("execute: %q: %w", command, waitErr)
		}
	}

	a.log.Debug("executed command",
		lg.String("command", command),
		lg.Int("exit_code", result.ExitCodeOr(-1)),
		lg.Bool("timed_out", result.TimedOut),
		lg.Duration("duration", result.Duration()))
	return result, nil
}

// argv wraps the command in the configured shell, with optional sudo.
func (a *Adapter) argv(command string) []string {
	shell := a.cfg.Shell
	if shell == "" {
		shell = defaultShell
	}
	argv := []string{shell, "-c", command}
	if a.cfg.Sudo {
		argv = append([]string{"sudo", "-E"}, argv...)
	}
	return argv
}

func buildEnv(base, extra map[string]string) []string {
	env := os.Environ()
	for k, v := range base {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func scanLines(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// CopyTo copies a local file to another local path. Kept for contract
// symmetry with the remote transports.
func (a *Adapter) CopyTo(ctx context.Context, localPath, remotePath string) error {
	return a.copyFile(ctx, "copy_to", localPath, remotePath)
}

// CopyFrom copies a file from the device path to localPath.
func (a *Adapter) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	return a.copyFile(ctx, "copy_from", remotePath, localPath)
}

func (a *Adapter) copyFile(_ context.Context, op, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return device.E(device.KindTransfer, op, a.handle.Name, fmt.Errorf("open %s: %w", src, err))
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return device.E(device.KindTransfer, op, a.handle.Name, fmt.Errorf("create %s: %w", filepath.Dir(dst), err))
	}
	out, err := os.Create(dst)
	if err != nil {
		return device.E(device.KindTransfer, op, a.handle.Name, fmt.Errorf("create %s: %w", dst, err))
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return device.E(device.KindTransfer, op, a.handle.Name, fmt.Errorf("copy %s to %s: %w", src, dst, err))
	}
	return out.Sync()
}

// Restart reboots the local machine. Destructive: the test runner goes
// down with it.
func (a *Adapter) Restart(ctx context.Context) error {
	res, err := a.Execute(ctx, "shutdown -r now", device.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if !res.Success() {
		return device.E(device.KindUnknown, "restart", a.handle.Name,
			fmt.Errorf("shutdown failed: %s", strings.Join(res.Stderr, "\n")))
	}
	return nil
}

// IPAddress reports the first non-loopback IPv4 address of the machine.
func (a *Adapter) IPAddress(context.Context) (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", device.E(device.KindUnknown, "ip_address", a.handle.Name, err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", device.E(device.KindUnknown, "ip_address", a.handle.Name,
		fmt.Errorf("no non-loopback IPv4 address found"))
}

// Logs fetches journal entries for source (a systemd unit pattern) and
// applies the time window. Unparseable lines are kept.
func (a *Adapter) Logs(ctx context.Context, source string, window device.LogWindow) ([]device.LogEntry, error) {
	cmd := logfilter.JournalCommand(source, window.Since)
	res, err := a.Execute(ctx, cmd, device.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("get_logs: %w", err)
	}
	if !res.Success() {
		a.log.Warn("journalctl returned a non-zero exit code",
			lg.String("command", cmd),
			lg.Int("exit_code", res.ExitCodeOr(-1)))
	}
	return logfilter.Window(logfilter.Annotate(res.Stdout, source), window), nil
}

var (
	_ device.Adapter   = (*Adapter)(nil)
	_ device.Rebooter  = (*Adapter)(nil)
	_ device.Addresser = (*Adapter)(nil)
)
