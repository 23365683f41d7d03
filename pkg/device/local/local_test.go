package local

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
)

func newTestAdapter(t *testing.T, cfg *config.LocalConfig) *Adapter {
	t.Helper()
	a := New("local-test", cfg, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func TestExecuteCapturesOutputAndExitCode(t *testing.T) {
	a := newTestAdapter(t, nil)

	res, err := a.Execute(context.Background(), "echo hello", device.ExecOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, []string{"hello"}, res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.True(t, res.Success())
	assert.False(t, res.TimedOut)
	assert.False(t, res.EndedAt.Before(res.StartedAt))
}

func TestExecuteSeparatesStderr(t *testing.T) {
	a := newTestAdapter(t, nil)

	res, err := a.Execute(context.Background(), "echo out; echo err 1>&2; exit 3",
		device.ExecOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCodeOr(-1))
	assert.Equal(t, []string{"out"}, res.Stdout)
	assert.Equal(t, []string{"err"}, res.Stderr)
	assert.False(t, res.Success())
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	a := newTestAdapter(t, nil)

	// A distinctive sleep duration makes the survivor check unambiguous.
	start := time.Now()
	res, err := a.Execute(context.Background(), "sleep 31.27", device.ExecOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Nil(t, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)

	// The child spawned by the shell must not survive the deadline.
	out, _ := exec.Command("pgrep", "-f", "sleep 31.27").Output()
	assert.Empty(t, out)
}

func TestExecuteAppliesEnvAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapter(t, &config.LocalConfig{Env: map[string]string{"BASE_VAR": "base"}})

	res, err := a.Execute(context.Background(), "echo $BASE_VAR $CALL_VAR; pwd", device.ExecOptions{
		Timeout:    10 * time.Second,
		WorkingDir: dir,
		Env:        map[string]string{"CALL_VAR": "call"},
	})
	require.NoError(t, err)
	require.Len(t, res.Stdout, 2)
	assert.Equal(t, "base call", res.Stdout[0])

	// pwd may report a symlink-resolved path on some systems.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, res.Stdout[1])
}

func TestExecuteRejectsBadArguments(t *testing.T) {
	a := newTestAdapter(t, nil)

	_, err := a.Execute(context.Background(), "", device.ExecOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, device.ErrInvalidArgument)

	_, err = a.Execute(context.Background(), "true", device.ExecOptions{})
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
}

func TestCopyRoundTrip(t *testing.T) {
	a := newTestAdapter(t, nil)
	dir := t.TempDir()

	src := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("round trip\n"), 0o644))

	remote := filepath.Join(dir, "nested", "remote.txt")
	require.NoError(t, a.CopyTo(context.Background(), src, remote))

	back := filepath.Join(dir, "back.txt")
	require.NoError(t, a.CopyFrom(context.Background(), remote, back))

	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "round trip\n", string(data))
}

func TestCopyToMissingSource(t *testing.T) {
	a := newTestAdapter(t, nil)

	err := a.CopyTo(context.Background(), filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "dst"))
	require.Error(t, err)
	assert.Equal(t, device.KindTransfer, device.KindOf(err))
}

func TestWaitUntilReady(t *testing.T) {
	a := newTestAdapter(t, nil)
	assert.NoError(t, a.WaitUntilReady(context.Background(), 10*time.Second))
}

func TestExecuteCallerDeadlineIsNotTimeout(t *testing.T) {
	a := newTestAdapter(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	res, err := a.Execute(ctx, "sleep 5", device.ExecOptions{Timeout: 10 * time.Second})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, res)
}

func TestIPAddressReturnsNonLoopback(t *testing.T) {
	a := newTestAdapter(t, nil)

	ip, err := a.IPAddress(context.Background())
	if err != nil {
		// Hosts without a routable interface legitimately have none.
		assert.Equal(t, device.KindUnknown, device.KindOf(err))
		return
	}
	assert.NotEmpty(t, ip)
	assert.NotEqual(t, "127.0.0.1", ip)
}

func TestHandleIdentity(t *testing.T) {
	a := New("box", nil, nil)
	h := a.Handle()
	assert.Equal(t, device.KindLocal, h.Kind)
	assert.Equal(t, "box", h.Name)
	assert.NotEmpty(t, h.ID)
	assert.False(t, h.Ephemeral)
}
