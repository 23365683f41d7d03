// Package device defines the transport-independent contract for
// interacting with a device under test. A test talks to one Adapter and
// never sees whether commands run in a local subprocess, over SSH, or
// inside a container.
package device

import (
	"context"
	"fmt"
	"time"
)

// Adapter kinds.
const (
	KindLocal     = "local"
	KindSSHShell  = "ssh"
	KindContainer = "docker"
)

// Handle identifies one provisioned or attached device instance. The
// adapter that created a Handle exclusively owns its teardown; other
// components may hold it read-only for logging and reporting.
type Handle struct {
	ID        string // opaque unique id
	Kind      string // adapter kind tag
	Name      string // display name, generated for ephemeral devices
	Ephemeral bool
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s", h.Kind, h.Name)
}

// ExecOptions tune a single Execute call. Timeout is mandatory and must
// be positive; WorkingDir and Env are optional.
type ExecOptions struct {
	Timeout    time.Duration
	WorkingDir string
	Env        map[string]string
}

// LogWindow bounds a log retrieval by time. Nil bounds are open ends.
type LogWindow struct {
	Since *time.Time
	Until *time.Time
}

// Adapter is the capability set every transport must provide.
//
// Callers serialize operations per handle; an Adapter instance must not
// be driven concurrently by two callers, though distinct handles may be
// used from independent tests at the same time.
type Adapter interface {
	// Handle returns the handle of the underlying device instance.
	Handle() Handle

	// Execute runs command until completion or until opts.Timeout
	// elapses. On timeout the underlying process or session is forcibly
	// terminated and the result carries TimedOut=true with a nil
	// ExitCode. The command must be non-empty and the timeout positive.
	Execute(ctx context.Context, command string, opts ExecOptions) (*CommandResult, error)

	// CopyTo transfers a local file to the device.
	CopyTo(ctx context.Context, localPath, remotePath string) error

	// CopyFrom transfers a file from the device to the local filesystem.
	CopyFrom(ctx context.Context, remotePath, localPath string) error

	// Logs retrieves log lines for source, optionally windowed by time.
	// Lines whose timestamp cannot be parsed are retained.
	Logs(ctx context.Context, source string, window LogWindow) ([]LogEntry, error)

	// Start provisions or attaches to the underlying device instance.
	// Calling Start on an already started device is a successful no-op.
	Start(ctx context.Context) error

	// Stop tears down the underlying device instance. Calling Stop on an
	// already stopped device is a successful no-op.
	Stop(ctx context.Context) error

	// WaitUntilReady polls the transport's readiness probe until it
	// succeeds or timeout elapses, in which case a KindNotReady error is
	// returned.
	WaitUntilReady(ctx context.Context, timeout time.Duration) error
}

// Optional capabilities. Not every transport can provide these, so they
// are split off the Adapter contract; callers type-assert and degrade
// gracefully when the assertion fails.

// Rebooter is implemented by adapters whose device can be restarted.
type Rebooter interface {
	// Restart reboots the device. The device is expected to come back;
	// callers typically follow up with WaitUntilReady.
	Restart(ctx context.Context) error
}

// Addresser reports the address peers can reach the device at.
type Addresser interface {
	IPAddress(ctx context.Context) (string, error)
}

// NetworkController simulates connectivity faults by detaching the
// device from its network and reattaching it.
type NetworkController interface {
	DisconnectNetwork(ctx context.Context) error
	ConnectNetwork(ctx context.Context) error
}

// ValidateExec checks the Execute call contract shared by all adapters.
func ValidateExec(command string, opts ExecOptions) error {
	if command == "" {
		return fmt.Errorf("%w: command must not be empty", ErrInvalidArgument)
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidArgument, opts.Timeout)
	}
	return nil
}
