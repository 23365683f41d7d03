// Package config loads and validates device definitions from YAML. The
// structs here are plain data handed to adapter constructors; no
// transport state lives in this package.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrDeviceNotFound = errors.New("device not found in configuration")

// Config is the top-level devices file.
type Config struct {
	Devices []DeviceConfig `yaml:"devices" validate:"required,min=1,dive"`
}

// DeviceConfig describes one device under test. Exactly the section
// matching Kind is consulted; the others may be omitted.
type DeviceConfig struct {
	Name   string        `yaml:"name" validate:"required"`
	Kind   string        `yaml:"kind" validate:"required,oneof=local ssh docker"`
	Local  *LocalConfig  `yaml:"local,omitempty"`
	SSH    *SSHConfig    `yaml:"ssh,omitempty" validate:"omitempty"`
	Docker *DockerConfig `yaml:"docker,omitempty" validate:"omitempty"`
}

// LocalConfig configures the local subprocess adapter.
type LocalConfig struct {
	WorkingDir string            `yaml:"working_dir,omitempty"`
	Shell      string            `yaml:"shell,omitempty"`
	Sudo       bool              `yaml:"sudo,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
}

// SSHConfig configures the remote-shell adapter.
type SSHConfig struct {
	Host     string `yaml:"host" validate:"required,hostname|ip"`
	Port     int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
	// SkipHostKeyCheck disables known-hosts verification. Meant for
	// throwaway test hosts only.
	SkipHostKeyCheck bool              `yaml:"skip_host_key_check,omitempty"`
	KnownHostsPath   string            `yaml:"known_hosts_path,omitempty"`
	Sudo             bool              `yaml:"sudo,omitempty"`
	Shell            string            `yaml:"shell,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
}

// DockerConfig configures the container adapter. When Container names an
// existing container the adapter attaches to it; otherwise an ephemeral
// container is created from Image and torn down on Stop.
type DockerConfig struct {
	Image      string            `yaml:"image,omitempty"`
	Container  string            `yaml:"container,omitempty"`
	NamePrefix string            `yaml:"name_prefix,omitempty"`
	Network    string            `yaml:"network,omitempty"`
	Privileged bool              `yaml:"privileged,omitempty"`
	Sudo       bool              `yaml:"sudo,omitempty"`
	Shell      string            `yaml:"shell,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	ExtraHosts []string          `yaml:"extra_hosts,omitempty"`
	Labels     map[string]string `yaml:"labels,omitempty"`
	// KeepContainer skips removal on Stop, useful when debugging a
	// failed test run.
	KeepContainer bool `yaml:"keep_container,omitempty"`
}

// Env var names consulted for credentials so secrets can stay out of
// checked-in YAML.
const (
	EnvSSHPassword = "DEVICE_SSH_PASSWORD"
	EnvSSHKey      = "DEVICE_SSH_KEY"
)

var validate = validator.New()

// Load reads, parses and validates a devices file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse parses and validates YAML content.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the schema constraints plus the cross-field rules the
// validator tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		switch d.Kind {
		case "ssh":
			if d.SSH == nil {
				return fmt.Errorf("validate config: device %q: kind ssh requires an ssh section", d.Name)
			}
		case "docker":
			if d.Docker == nil {
				return fmt.Errorf("validate config: device %q: kind docker requires a docker section", d.Name)
			}
			if d.Docker.Image == "" && d.Docker.Container == "" {
				return fmt.Errorf("validate config: device %q: docker section needs image or container", d.Name)
			}
		}
	}
	return nil
}

// Lookup returns the device definition with the given name.
func (c *Config) Lookup(name string) (*DeviceConfig, error) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// ResolveCredentials fills SSH credentials from the environment when the
// config file leaves them empty. EnvSSHKey may carry the key content
// itself rather than a path; the SSH adapter accepts both.
func (s *SSHConfig) ResolveCredentials() {
	if s.Password == "" {
		s.Password = os.Getenv(EnvSSHPassword)
	}
	if s.KeyPath == "" {
		s.KeyPath = os.Getenv(EnvSSHKey)
	}
}
