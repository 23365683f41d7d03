// Package factory builds the adapter matching a device definition, so
// consumers pick transports through configuration instead of imports.
package factory

import (
	"fmt"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/device/docker"
	"github.com/thin-edge/device-test-core/pkg/device/local"
	"github.com/thin-edge/device-test-core/pkg/device/ssh"
	"github.com/thin-edge/device-test-core/pkg/lg"
)

// New builds an adapter for one configured device.
func New(cfg *config.DeviceConfig, logger lg.Logger) (device.Adapter, error) {
	switch cfg.Kind {
	case device.KindLocal:
		return local.New(cfg.Name, cfg.Local, logger), nil
	case device.KindSSHShell:
		if cfg.SSH == nil {
			return nil, fmt.Errorf("device %q: missing ssh configuration", cfg.Name)
		}
		return ssh.New(cfg.Name, *cfg.SSH, logger), nil
	case device.KindContainer:
		if cfg.Docker == nil {
			return nil, fmt.Errorf("device %q: missing docker configuration", cfg.Name)
		}
		return docker.New(cfg.Name, *cfg.Docker, logger)
	default:
		return nil, fmt.Errorf("device %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
}
