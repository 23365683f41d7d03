// Package docker implements the device adapter for containers managed
// through the Docker Engine API. Ephemeral containers are named by the
// naming service and removed on Stop; the adapter can also attach to a
// container it does not own, in which case Stop leaves it alone.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/thin-edge/device-test-core/internal/archive"
	"github.com/thin-edge/device-test-core/internal/shellquote"
	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/lg"
	"github.com/thin-edge/device-test-core/pkg/logfilter"
	"github.com/thin-edge/device-test-core/pkg/naming"
)

const (
	defaultShell = "/bin/sh"
	labelManaged = "device.inttest"
	labelDevice  = "device.device_id"
)

// Timeout wrapper exit codes: coreutils timeout reports 124, and 137
// when the child had to be SIGKILLed.
const (
	exitTimeout = 124
	exitKilled  = 137
)

// apiClient is the slice of the engine API the adapter uses, split off
// client.APIClient so tests can substitute a fake.
type apiClient interface {
	ContainerInspect(ctx context.Context, container string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, container string, options types.ContainerStartOptions) error
	ContainerRestart(ctx context.Context, container string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, container string, options types.ContainerRemoveOptions) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	ContainerLogs(ctx context.Context, container string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	CopyToContainer(ctx context.Context, container, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, container, srcPath string) (io.ReadCloser, types.ContainerPathStat, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
}

// Adapter runs commands inside a container.
type Adapter struct {
	handle device.Handle
	cfg    config.DockerConfig
	log    lg.Logger
	cli    apiClient

	mu          sync.Mutex // safety net; callers are expected to serialize
	containerID string
}

// New builds a container adapter. The runtime endpoint comes from the
// standard DOCKER_HOST environment, matching the docker CLI.
func New(name string, cfg config.DockerConfig, logger lg.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, device.E(device.KindConnection, "new_adapter", name,
			fmt.Errorf("docker client: %w", err))
	}
	return newWithClient(name, cfg, logger, cli)
}

// newWithClient is split out so tests can inject a fake API client.
func newWithClient(name string, cfg config.DockerConfig, logger lg.Logger, cli apiClient) (*Adapter, error) {
	if logger == nil {
		logger = lg.Discard
	}

	displayName := cfg.Container
	ephemeral := false
	if displayName == "" {
		prefix := cfg.NamePrefix
		if prefix == "" {
			prefix = name
		}
		generated, err := naming.Generate(naming.Options{Prefix: prefix})
		if err != nil {
			return nil, err
		}
		displayName = generated
		ephemeral = true
	}

	return &Adapter{
		handle: device.Handle{
			ID:        uuid.NewString(),
			Kind:      device.KindContainer,
			Name:      displayName,
			Ephemeral: ephemeral,
		},
		cfg: cfg,
		log: logger.With(lg.String("device", displayName), lg.String("kind", device.KindContainer)),
		cli: cli,
	}, nil
}

func (a *Adapter) Handle() device.Handle { return a.handle }

// Start provisions the ephemeral container, or verifies the attached one
// exists. Starting a running container is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	inspect, err := a.cli.ContainerInspect(ctx, a.handle.Name)
	switch {
	case err == nil:
		a.containerID = inspect.ID
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if err := a.cli.ContainerStart(ctx, inspect.ID, types.ContainerStartOptions{}); err != nil {
			return a.translate("start", err)
		}
		return nil
	case errdefs.IsNotFound(err):
		if !a.handle.Ephemeral {
			return device.E(device.KindConnection, "start", a.handle.Name,
				fmt.Errorf("container %s not found", a.handle.Name))
		}
	default:
		return a.translate("start", err)
	}

	created, err := a.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  a.cfg.Image,
			Tty:    true,
			Env:    flattenEnv(a.cfg.Env),
			Labels: a.labels(),
		},
		&container.HostConfig{
			Privileged: a.cfg.Privileged,
			// Non-persistent dirs mimic real devices; /tmp also makes
			// reboot detection work since uptime is the host's.
			Tmpfs:         map[string]string{"/tmp": "size=64m", "/run": "size=64m"},
			RestartPolicy: container.RestartPolicy{Name: "always"},
			ExtraHosts:    a.cfg.ExtraHosts,
			NetworkMode:   container.NetworkMode(a.cfg.Network),
		},
		nil, nil, a.handle.Name)
	if err != nil {
		return a.translate("start", err)
	}
	a.containerID = created.ID

	if err := a.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return a.translate("start", err)
	}
	a.log.Info("created container",
		lg.String("image", a.cfg.Image),
		lg.String("container_id", created.ID))
	return nil
}

// Stop removes the ephemeral container forcefully. Attached containers
// are not owned by this adapter and are left running. Stopping an
// already removed container is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.handle.Ephemeral || a.cfg.KeepContainer {
		return nil
	}
	if a.containerID == "" {
		return nil
	}
	err := a.cli.ContainerRemove(ctx, a.containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return a.translate("stop", err)
	}
	a.log.Info("removed container", lg.String("container_id", a.containerID))
	a.containerID = ""
	return nil
}

// WaitUntilReady polls the container state until it is running.
func (a *Adapter) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		inspect, err := a.cli.ContainerInspect(ctx, a.handle.Name)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("container state is not running")
		}
		if time.Now().After(deadline) {
			return device.E(device.KindNotReady, "wait_until_ready", a.handle.Name,
				fmt.Errorf("container not running within %v: %w", timeout, lastErr))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Execute runs the command through an exec instance. The command is
// wrapped in the timeout utility so the process tree inside the
// container dies with the deadline; the context carries a grace period
// as a backstop for images without timeout.
func (a *Adapter) Execute(ctx context.Context, command string, opts device.ExecOptions) (*device.CommandResult, error) {
	if err := device.ValidateExec(command, opts); err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout+30*time.Second)
	defer cancel()

	execCfg := types.ExecConfig{
		Cmd:          a.argv(command, opts.Timeout),
		AttachStdout: true,
		AttachStderr: true,
		Env:          flattenEnv(opts.Env),
		WorkingDir:   opts.WorkingDir,
	}

	started := time.Now().UTC()
	created, err := a.cli.ContainerExecCreate(ctx, a.containerID, execCfg)
	if err != nil {
		return nil, a.translate("execute", err)
	}

	resp, err := a.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, a.translate("execute", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		// Streams are multiplexed because the exec has no tty.
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copyDone <- err
	}()

	timedOut := false
	select {
	case <-ctx.Done():
		// Only the backstop deadline means the command timed out; the
		// caller cancelling or hitting its own deadline is an error.
		if err := parent.Err(); err != nil {
			return nil, err
		}
		timedOut = true
	case err := <-copyDone:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, a.translate("execute", err)
		}
	}
	ended := time.Now().UTC()

	result := &device.CommandResult{
		Stdout:    splitLines(stdout.String()),
		Stderr:    splitLines(stderr.String()),
		StartedAt: started,
		EndedAt:   ended,
		TimedOut:  timedOut,
	}
	if timedOut {
		return result, nil
	}

	code, err := a.execExitCode(ctx, created.ID)
	if err != nil {
		return nil, a.translate("execute", err)
	}
	if (code == exitTimeout || code == exitKilled) && ended.Sub(started) >= opts.Timeout {
		// The timeout wrapper fired: report as data, exit code absent.
		result.TimedOut = true
	} else {
		result.ExitCode = device.IntPtr(code)
	}

	a.log.Debug("executed command",
		lg.String("command", command),
		lg.Int("exit_code", result.ExitCodeOr(-1)),
		lg.Bool("timed_out", result.TimedOut),
		lg.Duration("duration", result.Duration()))
	return result, nil
}

// execExitCode polls the exec instance until it stops reporting Running.
func (a *Adapter) execExitCode(ctx context.Context, execID string) (int, error) {
	for {
		inspect, err := a.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// argv wraps the command with the optional sudo prefix, the timeout
// utility and the configured shell.
func (a *Adapter) argv(command string, timeout time.Duration) []string {
	shell := a.cfg.Shell
	if shell == "" {
		shell = defaultShell
	}
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	argv := []string{"timeout", "-s", "KILL", strconv.Itoa(secs), shell, "-c", command}
	if a.cfg.Sudo {
		argv = append([]string{"sudo", "-E"}, argv...)
	}
	return argv
}

// Logs fetches container logs with runtime timestamps and applies the
// window. The runtime pre-filters by Since/Until; Window re-checks the
// bounds and handles lines whose timestamp fails to parse.
func (a *Adapter) Logs(ctx context.Context, source string, window device.LogWindow) ([]device.LogEntry, error) {
	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	opts := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if window.Since != nil {
		opts.Since = window.Since.Format(time.RFC3339Nano)
	}
	if window.Until != nil {
		opts.Until = window.Until.Format(time.RFC3339Nano)
	}

	rc, err := a.cli.ContainerLogs(ctx, a.containerID, opts)
	if err != nil {
		return nil, a.translate("get_logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	inspect, err := a.cli.ContainerInspect(ctx, a.containerID)
	if err != nil {
		return nil, a.translate("get_logs", err)
	}
	if inspect.Config != nil && inspect.Config.Tty {
		_, err = io.Copy(&buf, rc)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, rc)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, a.translate("get_logs", err)
	}

	return logfilter.Window(logfilter.Annotate(splitLines(buf.String()), source), window), nil
}

// CopyTo sends the file as a tar stream through the runtime API,
// creating the destination directory first.
func (a *Adapter) CopyTo(ctx context.Context, localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name,
			fmt.Errorf("stat %s: %w", localPath, err))
	}
	if err := a.Start(ctx); err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, err)
	}

	dir := path.Dir(remotePath)
	res, err := a.Execute(ctx, fmt.Sprintf("mkdir -p %s", shellquote.Quote(dir)),
		device.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, err)
	}
	if !res.Success() {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name,
			fmt.Errorf("mkdir %s failed: %s", dir, strings.Join(res.Stderr, "\n")))
	}

	var tarBuf bytes.Buffer
	if err := archive.TarFile(&tarBuf, localPath, path.Base(remotePath)); err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, err)
	}
	if err := a.cli.CopyToContainer(ctx, a.containerID, dir, &tarBuf, types.CopyToContainerOptions{}); err != nil {
		return device.E(device.KindTransfer, "copy_to", a.handle.Name, a.translate("copy_to", err))
	}
	return nil
}

// CopyFrom receives the file as a tar stream from the runtime API.
func (a *Adapter) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	if err := a.Start(ctx); err != nil {
		return device.E(device.KindTransfer, "copy_from", a.handle.Name, err)
	}

	rc, _, err := a.cli.CopyFromContainer(ctx, a.containerID, remotePath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return device.E(device.KindTransfer, "copy_from", a.handle.Name,
				fmt.Errorf("remote path %s: %w", remotePath, err))
		}
		return device.E(device.KindTransfer, "copy_from", a.handle.Name, a.translate("copy_from", err))
	}
	defer rc.Close()

	if err := archive.UntarFile(rc, localPath); err != nil {
		return device.E(device.KindTransfer, "copy_from", a.handle.Name, err)
	}
	return nil
}

// Restart restarts the container, mimicking a device reboot. Callers
// typically follow up with WaitUntilReady.
func (a *Adapter) Restart(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	if err := a.cli.ContainerRestart(ctx, a.containerID, container.StopOptions{}); err != nil {
		return a.translate("restart", err)
	}
	a.log.Info("restarted container", lg.String("container_id", a.containerID))
	return nil
}

// IPAddress reports the container's address, preferring the configured
// network when one is set.
func (a *Adapter) IPAddress(ctx context.Context) (string, error) {
	if err := a.Start(ctx); err != nil {
		return "", err
	}
	inspect, err := a.cli.ContainerInspect(ctx, a.containerID)
	if err != nil {
		return "", a.translate("ip_address", err)
	}
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[a.cfg.Network]; ok && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
		for _, ep := range inspect.NetworkSettings.Networks {
			if ep.IPAddress != "" {
				return ep.IPAddress, nil
			}
		}
	}
	return "", device.E(device.KindUnknown, "ip_address", a.handle.Name,
		fmt.Errorf("container has no network address"))
}

// DisconnectNetwork detaches the container from its configured network
// to simulate a loss of connectivity. Requires a network in the device
// configuration.
func (a *Adapter) DisconnectNetwork(ctx context.Context) error {
	if a.cfg.Network == "" {
		return device.E(device.KindUnknown, "disconnect_network", a.handle.Name, device.ErrNotSupported)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	if err := a.cli.NetworkDisconnect(ctx, a.cfg.Network, a.containerID, true); err != nil {
		return a.translate("disconnect_network", err)
	}
	a.log.Info("disconnected from network", lg.String("network", a.cfg.Network))
	return nil
}

// ConnectNetwork reattaches the container to its configured network.
// Already being attached is not an error.
func (a *Adapter) ConnectNetwork(ctx context.Context) error {
	if a.cfg.Network == "" {
		return device.E(device.KindUnknown, "connect_network", a.handle.Name, device.ErrNotSupported)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	err := a.cli.NetworkConnect(ctx, a.cfg.Network, a.containerID, nil)
	if err != nil && !errdefs.IsForbidden(err) && !strings.Contains(err.Error(), "already exists") {
		return a.translate("connect_network", err)
	}
	a.log.Info("connected to network", lg.String("network", a.cfg.Network))
	return nil
}

// translate maps runtime API failures into the shared taxonomy before
// they reach the retry policy or the caller.
func (a *Adapter) translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err), errdefs.IsConflict(err), errdefs.IsInvalidParameter(err):
		return device.E(device.KindUnknown, op, a.handle.Name, err)
	case errors.Is(err, context.DeadlineExceeded):
		return device.E(device.KindTimeout, op, a.handle.Name, err)
	default:
		// Daemon unreachable, connection reset and friends.
		return device.E(device.KindConnection, op, a.handle.Name, err)
	}
}

func (a *Adapter) labels() map[string]string {
	labels := map[string]string{
		labelManaged: "1",
		labelDevice:  a.handle.Name,
	}
	for k, v := range a.cfg.Labels {
		labels[k] = v
	}
	return labels
}

// flattenEnv renders an env map as sorted K=V pairs for the runtime API.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

var (
	_ device.Adapter           = (*Adapter)(nil)
	_ device.Rebooter          = (*Adapter)(nil)
	_ device.Addresser         = (*Adapter)(nil)
	_ device.NetworkController = (*Adapter)(nil)
)
