package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
devices:
  - name: workstation
    kind: local
    local:
      shell: /bin/bash
      env:
        CI: "true"
  - name: gateway
    kind: ssh
    ssh:
      host: 192.168.1.20
      user: admin
      key_path: ~/.ssh/id_ed25519
  - name: sandbox
    kind: docker
    docker:
      image: debian:12-slim
      name_prefix: tst
      labels:
        team: integration
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 3)

	local, err := cfg.Lookup("workstation")
	require.NoError(t, err)
	assert.Equal(t, "local", local.Kind)
	assert.Equal(t, "/bin/bash", local.Local.Shell)
	assert.Equal(t, "true", local.Local.Env["CI"])

	gw, err := cfg.Lookup("gateway")
	require.NoError(t, err)
	assert.Equal(t, "admin", gw.SSH.User)

	box, err := cfg.Lookup("sandbox")
	require.NoError(t, err)
	assert.Equal(t, "debian:12-slim", box.Docker.Image)
	assert.Equal(t, "integration", box.Docker.Labels["team"])
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`
devices:
  - name: dev
    kind: serial
`))
	assert.Error(t, err)
}

func TestParseRejectsEmptyDeviceList(t *testing.T) {
	_, err := Parse([]byte(`devices: []`))
	assert.Error(t, err)
}

func TestValidateCrossFieldRules(t *testing.T) {
	_, err := Parse([]byte(`
devices:
  - name: gw
    kind: ssh
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an ssh section")

	_, err = Parse([]byte(`
devices:
  - name: box
    kind: docker
    docker:
      privileged: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs image or container")
}

func TestLookupUnknownDevice(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	_, err = cfg.Lookup("toaster")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvSSHPassword, "hunter2")
	t.Setenv(EnvSSHKey, "/run/secrets/id_ed25519")

	s := &SSHConfig{Host: "h", User: "u"}
	s.ResolveCredentials()
	assert.Equal(t, "hunter2", s.Password)
	assert.Equal(t, "/run/secrets/id_ed25519", s.KeyPath)

	// explicit values win over the environment
	s = &SSHConfig{Host: "h", User: "u", Password: "fromfile", KeyPath: "/etc/key"}
	s.ResolveCredentials()
	assert.Equal(t, "fromfile", s.Password)
	assert.Equal(t, "/etc/key", s.KeyPath)
}
