// Package ssh implements the device adapter for hosts reached over a
// remote shell. Session creation is guarded by a circuit breaker and the
// dial path by the shared retry policy, since both are the flaky parts
// of this transport.
package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	"github.com/thin-edge/device-test-core/internal/shellquote"
	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/lg"
	"github.com/thin-edge/device-test-core/pkg/logfilter"
	"github.com/thin-edge/device-test-core/pkg/retry"
)

const (
	defaultPort  = 22
	defaultShell = "/bin/sh"
	dialTimeout  = 30 * time.Second
)

// Adapter runs commands on a remote host over SSH.
type Adapter struct {
	handle  device.Handle
	cfg     config.SSHConfig
	log     lg.Logger
	retry   retry.Config
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex // safety net; callers are expected to serialize
	client *cryptossh.Client
}

// New builds an SSH adapter from cfg. The connection is established on
// Start (or lazily on first use).
func New(name string, cfg config.SSHConfig, logger lg.Logger) *Adapter {
	if logger == nil {
		logger = lg.Discard
	}
	cfg.ResolveCredentials()
	return &Adapter{
		handle: device.Handle{
			ID:   uuid.NewString(),
			Kind: device.KindSSHShell,
			Name: name,
		},
		cfg:   cfg,
		log:   logger.With(lg.String("device", name), lg.String("kind", device.KindSSHShell)),
		retry: retry.DefaultConfig(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "ssh-session",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

func (a *Adapter) Handle() device.Handle { return a.handle }

// Start dials the remote host. Starting an already connected adapter is
// a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}

	clientCfg, err := a.clientConfig()
	if err != nil {
		return device.E(device.KindConnection, "start", a.handle.Name, err)
	}

	port := a.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", port))

	client, err := retry.DoValue(ctx, "ssh_dial", a.retry, func(context.Context) (*cryptossh.Client, error) {
		c, err := cryptossh.Dial("tcp", addr, clientCfg)
		if err != nil {
			return nil, device.E(device.KindConnection, "start", a.handle.Name,
				fmt.Errorf("dial %s: %w", addr, err))
		}
		return c, nil
	})
	if err != nil {
		return err
	}

	a.client = client
	a.log.Info("connected", lg.String("addr", addr))
	return nil
}

// Stop closes the connection. Stopping a stopped adapter is a no-op.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	if err != nil && !errors.Is(err, io.EOF) {
		return device.E(device.KindConnection, "stop", a.handle.Name, err)
	}
	return nil
}

// WaitUntilReady opens sessions until one runs a probe successfully.
func (a *Adapter) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if err := a.Start(ctx); err != nil {
			lastErr = err
		} else if res, err := a.Execute(ctx, "true", device.ExecOptions{Timeout: 10 * time.Second}); err != nil {
			lastErr = err
		} else if res.Success() {
			return nil
		} else {
			lastErr = fmt.Errorf("probe exited with %d", res.ExitCodeOr(-1))
		}
		if time.Now().After(deadline) {
			return device.E(device.KindNotReady, "wait_until_ready", a.handle.Name,
				fmt.Errorf("probe did not succeed within %v: %w", timeout, lastErr))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Execute runs the command in a fresh session. On timeout the remote
// process receives SIGKILL and the session is torn down.
func (a *Adapter) Execute(ctx context.Context, command string, opts device.ExecOptions) (*device.CommandResult, error) {
	if err := device.ValidateExec(command, opts); err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	sess, err := a.newSession()
	if err != nil {
		return nil, device.E(device.KindConnection, "execute", a.handle.Name, err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, device.E(device.KindConnection, "execute", a.handle.Name, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, device.E(device.KindConnection, "execute", a.handle.Name, fmt.Errorf("stderr pipe: %w", err))
	}

	full := a.composeCommand(command, opts)
	started := time.Now().UTC()
	if err := sess.Start(full); err != nil {
		return nil, device.E(device.KindConnection, "execute", a.handle.Name,
			fmt.Errorf("could not start %q: %w", command, err))
	}

	var outLines, errLines []string
	var g errgroup.Group
	g.Go(func() error { outLines = scanLines(stdout); return nil })
	g.Go(func() error { errLines = scanLines(stderr); return nil })

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	result := &device.CommandResult{StartedAt: started}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		result.TimedOut = true
		_ = sess.Signal(cryptossh.SIGKILL)
		_ = sess.Close()
		<-done
	case <-ctx.Done():
		_ = sess.Signal(cryptossh.SIGKILL)
		_ = sess.Close()
		<-done
		return nil, ctx.Err()
	}
	_ = g.Wait()

	result.EndedAt = time.Now().UTC()
	result.Stdout = outLines
	result.Stderr = errLines

	if !result.TimedOut {
		switch e := waitErr.(type) {
		case nil:
			result.ExitCode = device.IntPtr(0)
		case *cryptossh.ExitError:
			result.ExitCode = device.IntPtr(e.ExitStatus())
		case *cryptossh.ExitMissingError:
			// Remote died without reporting a status: exit code absent.
		default:
			return nil, device.E(device.KindConnection, "execute", a.handle.Name, waitErr)
		}
	}

	a.log.Debug("executed command",
		lg.String("command", command),
		lg.Int("exit_code", result.ExitCodeOr(-1)),
		lg.Bool("timed_out", result.TimedOut),
		lg.Duration("duration", result.Duration()))
	return result, nil
}

// Logs fetches journal entries from the remote host.
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

// Restart issues a reboot on the remote host. The connection dying
// right after the command is the reboot taking effect, not a failure.
// The adapter drops its connection so the next call re-dials.
func (a *Adapter) Restart(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	res, err := a.Execute(ctx, "shutdown -r now", device.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		if device.KindOf(err) == device.KindConnection {
			a.log.Info("connection dropped after reboot command")
			return a.Stop(ctx)
		}
		return err
	}
	if !res.Success() {
		return device.E(device.KindUnknown, "restart", a.handle.Name,
			fmt.Errorf("shutdown failed: %s", strings.Join(res.Stderr, "\n")))
	}
	return a.Stop(ctx)
}

// IPAddress reports the configured host, which is how this transport
// reaches the device.
func (a *Adapter) IPAddress(context.Context) (string, error) {
	return a.cfg.Host, nil
}

// newSession goes through the circuit breaker so a flapping connection
// fails fast instead of hammering the host.
func (a *Adapter) newSession() (*cryptossh.Session, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}
	res, err := a.breaker.Execute(func() (any, error) {
		return client.NewSession()
	})
	if err != nil {
		return nil, err
	}
	return res.(*cryptossh.Session), nil
}

// composeCommand wraps the user command with sudo, env injection and the
// configured shell. Env vars travel via the env utility because sshd
// installations usually reject SetEnv for arbitrary names.
func (a *Adapter) composeCommand(command string, opts device.ExecOptions) string {
	inner := command
	if opts.WorkingDir != "" {
		inner = fmt.Sprintf("cd %s && %s", shellquote.Quote(opts.WorkingDir), inner)
	}

	var parts []string
	if a.cfg.Sudo {
		parts = append(parts, "sudo", "-E")
	}
	if env := mergeEnv(a.cfg.Env, opts.Env); len(env) > 0 {
		parts = append(parts, "env")
		parts = append(parts, env...)
	}
	shell := a.cfg.Shell
	if shell == "" {
		shell = defaultShell
	}
	parts = append(parts, shell, "-c", shellquote.Quote(inner))
	return strings.Join(parts, " ")
}

// mergeEnv flattens the adapter and per-call env maps into sorted,
// quoted K=V arguments. Per-call values win.
func mergeEnv(base, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, shellquote.Quote(k+"="+merged[k]))
	}
	return out
}

func (a *Adapter) clientConfig() (*cryptossh.ClientConfig, error) {
	var auth []cryptossh.AuthMethod
	if a.cfg.KeyPath != "" {
		signer, err := loadSigner(a.cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, cryptossh.PublicKeys(signer))
	}
	if a.cfg.Password != "" {
		auth = append(auth, cryptossh.Password(a.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no authentication configured for %s", a.cfg.Host)
	}

	hostKeys, err := a.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &cryptossh.ClientConfig{
		User:            a.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
		BannerCallback:  func(string) error { return nil },
	}, nil
}

// loadSigner accepts either a path to a private key or the key content
// itself, so CI can inject the key via environment.
func loadSigner(pathOrKey string) (cryptossh.Signer, error) {
	if strings.Contains(pathOrKey, "PRIVATE KEY") {
		signer, err := cryptossh.ParsePrivateKey([]byte(pathOrKey))
		if err != nil {
			return nil, fmt.Errorf("parse inline private key: %w", err)
		}
		return signer, nil
	}

	path := pathOrKey
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home + path[1:]
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := cryptossh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

func (a *Adapter) hostKeyCallback() (cryptossh.HostKeyCallback, error) {
	if a.cfg.SkipHostKeyCheck {
		return cryptossh.InsecureIgnoreHostKey(), nil
	}
	path := a.cfg.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("read known_hosts %s: %w", path, err)
	}
	return cb, nil
}

func scanLines(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		// Sessions attached to a pty terminate lines with \r\n.
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	return lines
}

var (
	_ device.Adapter   = (*Adapter)(nil)
	_ device.Rebooter  = (*Adapter)(nil)
	_ device.Addresser = (*Adapter)(nil)
)
