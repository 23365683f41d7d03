package ssh

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
)

func newTestAdapter(cfg config.SSHConfig) *Adapter {
	return New("remote-test", cfg, nil)
}

func TestComposeCommandPlain(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u"})

	full := a.composeCommand("systemctl status tedge-agent", device.ExecOptions{Timeout: time.Second})
	assert.Equal(t, `/bin/sh -c 'systemctl status tedge-agent'`, full)
}

func TestComposeCommandSudoEnvAndWorkdir(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{
		Host:  "h",
		User:  "u",
		Sudo:  true,
		Shell: "/bin/bash",
		Env:   map[string]string{"BASE": "1"},
	})

	full := a.composeCommand("make test", device.ExecOptions{
		Timeout:    time.Second,
		WorkingDir: "/opt/proj",
		Env:        map[string]string{"CALL": "two words"},
	})

	assert.True(t, strings.HasPrefix(full, "sudo -E env "), full)
	assert.Contains(t, full, "'BASE=1'")
	assert.Contains(t, full, "'CALL=two words'")
	assert.Contains(t, full, `/bin/bash -c 'cd '\''/opt/proj'\'' && make test'`)
}

func TestComposeCommandQuotesEmbeddedQuotes(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u"})

	full := a.composeCommand(`echo 'it works'`, device.ExecOptions{Timeout: time.Second})
	assert.Equal(t, `/bin/sh -c 'echo '\''it works'\'''`, full)
}

func TestMergeEnvSortedAndOverridden(t *testing.T) {
	got := mergeEnv(
		map[string]string{"B": "base", "A": "base"},
		map[string]string{"B": "call", "C": "call"},
	)
	assert.Equal(t, []string{"'A=base'", "'B=call'", "'C=call'"}, got)

	assert.Empty(t, mergeEnv(nil, nil))
}

func TestWriteSCPFraming(t *testing.T) {
	var buf bytes.Buffer
	writeSCP(&buf, strings.NewReader("payload"), 7, "file.txt", 0o644)
	assert.Equal(t, "C0644 7 file.txt\npayload\x00", buf.String())
}

func TestScanLinesStripsCarriageReturns(t *testing.T) {
	lines := scanLines(strings.NewReader("one\r\ntwo\nthree\r\n"))
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestNewSessionWithoutConnection(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u"})

	_, err := a.newSession()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestStartRejectsMissingAuth(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u", SkipHostKeyCheck: true})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, device.KindConnection, device.KindOf(err))
}

func TestWaitUntilReadyReportsLastProbeError(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u", SkipHostKeyCheck: true})

	err := a.WaitUntilReady(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, device.KindNotReady, device.KindOf(err))
	// The probe failure must be wrapped, never a nil verb.
	assert.Contains(t, err.Error(), "no authentication")
	assert.NotContains(t, err.Error(), "%!w")
}

func TestIPAddressIsConfiguredHost(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "192.0.2.7", User: "u"})

	ip, err := a.IPAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", ip)
}

func TestClientConfigRequiresAuth(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u", SkipHostKeyCheck: true})
	_, err := a.clientConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no authentication")
}

func TestHandleIdentity(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u"})
	h := a.Handle()
	assert.Equal(t, device.KindSSHShell, h.Kind)
	assert.Equal(t, "remote-test", h.Name)
	assert.NotEmpty(t, h.ID)
}

func TestStopWithoutStart(t *testing.T) {
	a := newTestAdapter(config.SSHConfig{Host: "h", User: "u"})
	assert.NoError(t, a.Stop(context.Background()))
}
