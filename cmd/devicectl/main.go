// devicectl is a small debugging probe over the device adapter API:
// run commands, transfer files and fetch logs against any device
// defined in a devices.yaml, regardless of transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/device/factory"
	"github.com/thin-edge/device-test-core/pkg/fleet"
	"github.com/thin-edge/device-test-core/pkg/lg"
)

var (
	cfgPath    string
	deviceName string
	debug      bool
	askPass    bool

	execTimeout time.Duration
	execAll     bool
	execWorkers int
	logsSince   string
	logsUntil   string
)

// exitCodeError carries the device-side exit code up through cobra so
// deferred adapter teardown still runs before the process exits.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

// exitStatus extracts the exit code an exitCodeError carries, if any.
func exitStatus(err error) (int, bool) {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code, true
	}
	return 0, false
}

func main() {
	root := &cobra.Command{
		Use:   "devicectl",
		Short: "Poke at a device under test through its adapter",
		Long: `devicectl drives the device adapter abstraction from the command
line: execute commands, copy files, fetch logs and manage lifecycle of a
configured device, whether it is local, an SSH host or a container.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "devices.yaml", "devices configuration file")
	root.PersistentFlags().StringVarP(&deviceName, "device", "d", "", "device name from the configuration")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&askPass, "ask-pass", false, "prompt for the SSH password")

	execCmd := &cobra.Command{
		Use:   "exec -- <command>",
		Short: "Execute a command on the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if execAll {
				return execEverywhere(cmd.Context(), command)
			}
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				return runExec(ctx, a, command, execTimeout)
			})
		},
	}
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 60*time.Second, "command timeout")
	execCmd.Flags().BoolVar(&execAll, "all", false, "run on every configured device")
	execCmd.Flags().IntVar(&execWorkers, "workers", fleet.DefaultWorkers, "concurrent devices with --all")

	copyToCmd := &cobra.Command{
		Use:   "copy-to <local> <remote>",
		Short: "Copy a local file to the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				return a.CopyTo(ctx, args[0], args[1])
			})
		},
	}

	copyFromCmd := &cobra.Command{
		Use:   "copy-from <remote> <local>",
		Short: "Copy a file from the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				return a.CopyFrom(ctx, args[0], args[1])
			})
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs [source]",
		Short: "Fetch device logs, optionally windowed by time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := ""
			if len(args) == 1 {
				source = args[0]
			}
			window, err := parseWindow(logsSince, logsUntil)
			if err != nil {
				return err
			}
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				entries, err := a.Logs(ctx, source, window)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Println(e.RawLine)
				}
				return nil
			})
		},
	}
	logsCmd.Flags().StringVar(&logsSince, "since", "", "lower bound (RFC3339 or duration like 30m)")
	logsCmd.Flags().StringVar(&logsUntil, "until", "", "upper bound (RFC3339 or duration like 30m)")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Start the device and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				if err := a.Start(ctx); err != nil {
					return err
				}
				return a.WaitUntilReady(ctx, 30*time.Second)
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and tear down the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				return a.Stop(ctx)
			})
		},
	}

	readyCmd := &cobra.Command{
		Use:   "ready",
		Short: "Check whether the device accepts commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				return a.WaitUntilReady(ctx, 10*time.Second)
			})
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Reboot the device and wait until it is back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				rb, ok := a.(device.Rebooter)
				if !ok {
					return fmt.Errorf("device %s does not support restart", a.Handle().Name)
				}
				if err := rb.Restart(ctx); err != nil {
					return err
				}
				return a.WaitUntilReady(ctx, 120*time.Second)
			})
		},
	}

	ipCmd := &cobra.Command{
		Use:   "ip",
		Short: "Print the device address",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				addr, ok := a.(device.Addresser)
				if !ok {
					return fmt.Errorf("device %s does not report an address", a.Handle().Name)
				}
				ip, err := addr.IPAddress(ctx)
				if err != nil {
					return err
				}
				fmt.Println(ip)
				return nil
			})
		},
	}

	networkCmd := &cobra.Command{
		Use:   "network <connect|disconnect>",
		Short: "Attach or detach the device network for fault testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd.Context(), func(ctx context.Context, a device.Adapter) error {
				nc, ok := a.(device.NetworkController)
				if !ok {
					return fmt.Errorf("device %s does not support network control", a.Handle().Name)
				}
				switch args[0] {
				case "connect":
					return nc.ConnectNetwork(ctx)
				case "disconnect":
					return nc.DisconnectNetwork(ctx)
				default:
					return fmt.Errorf("unknown action %q, want connect or disconnect", args[0])
				}
			})
		},
	}

	root.AddCommand(execCmd, copyToCmd, copyFromCmd, logsCmd, upCmd, downCmd, readyCmd,
		restartCmd, ipCmd, networkCmd)

	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		if code, ok := exitStatus(err); ok {
			os.Exit(code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runExec executes the command, relays its output and converts a
// non-zero exit into an exitCodeError so deferred cleanup still runs.
func runExec(ctx context.Context, a device.Adapter, command string, timeout time.Duration) error {
	res, err := a.Execute(ctx, command, device.ExecOptions{Timeout: timeout})
	if err != nil {
		return err
	}
	for _, line := range res.Stdout {
		fmt.Println(line)
	}
	for _, line := range res.Stderr {
		fmt.Fprintln(os.Stderr, line)
	}
	if res.TimedOut {
		return fmt.Errorf("command timed out after %v", timeout)
	}
	if !res.Success() {
		return &exitCodeError{code: res.ExitCodeOr(1)}
	}
	return nil
}

// execEverywhere runs the command on every configured device and prints
// the output grouped per device. The process exits non-zero when any
// device failed.
func execEverywhere(ctx context.Context, command string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := lg.New(&lg.Config{ServiceName: "devicectl", Debug: debug, Format: "console"})
	defer logger.Sync()

	var mu sync.Mutex
	results := fleet.Run(lg.Attach(ctx, logger), cfg.Devices, execWorkers, logger,
		func(ctx context.Context, a device.Adapter) error {
			res, err := a.Execute(ctx, command, device.ExecOptions{Timeout: execTimeout})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Printf("--- %s ---\n", a.Handle().Name)
			for _, line := range res.Stdout {
				fmt.Println(line)
			}
			for _, line := range res.Stderr {
				fmt.Fprintln(os.Stderr, line)
			}
			if res.TimedOut {
				return fmt.Errorf("command timed out after %v", execTimeout)
			}
			if !res.Success() {
				return fmt.Errorf("exit code %d", res.ExitCodeOr(1))
			}
			return nil
		})

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", r.Device, r.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(results))
	}
	return nil
}

// withAdapter loads the configuration, builds the selected adapter and
// guarantees Stop runs on the way out for ephemeral devices.
func withAdapter(ctx context.Context, fn func(context.Context, device.Adapter) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var dev *config.DeviceConfig
	if deviceName == "" {
		dev = &cfg.Devices[0]
	} else if dev, err = cfg.Lookup(deviceName); err != nil {
		return err
	}

	if dev.Kind == device.KindSSHShell && askPass && dev.SSH != nil && dev.SSH.Password == "" {
		fmt.Fprintf(os.Stderr, "password for %s@%s: ", dev.SSH.User, dev.SSH.Host)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		dev.SSH.Password = string(raw)
	}

	logger := lg.New(&lg.Config{ServiceName: "devicectl", Debug: debug, Format: "console"})
	defer logger.Sync()

	adapter, err := factory.New(dev, logger)
	if err != nil {
		return err
	}
	if adapter.Handle().Ephemeral {
		defer func() {
			if err := adapter.Stop(context.Background()); err != nil {
				logger.Warn("teardown failed", lg.Err(err))
			}
		}()
	}

	return fn(lg.Attach(ctx, logger), adapter)
}

// parseWindow accepts RFC3339 instants or durations relative to now.
func parseWindow(since, until string) (device.LogWindow, error) {
	var w device.LogWindow
	parse := func(s string) (*time.Time, error) {
		if s == "" {
			return nil, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			t := time.Now().Add(-d)
			return &t, nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid time %q: %w", s, err)
		}
		return &t, nil
	}

	since2, err := parse(since)
	if err != nil {
		return w, err
	}
	until2, err := parse(until)
	if err != nil {
		return w, err
	}
	w.Since, w.Until = since2, until2
	return w, nil
}
