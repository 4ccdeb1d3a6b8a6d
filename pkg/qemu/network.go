package qemu

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
)

// TapManager prepares the host side of a VM's tap interfaces.
type TapManager interface {
	EnsureTap(ctx context.Context, name, bridge string) error
	DeleteTap(ctx context.Context, name string) error
}

// IPTaps manages tap devices with iproute2.
type IPTaps struct {
	Runner host.Runner
}

var _ TapManager = (*IPTaps)(nil)

func NewIPTaps(runner host.Runner) *IPTaps {
	if runner == nil {
		runner = host.ExecRunner{}
	}
	return &IPTaps{Runner: runner}
}

func (t *IPTaps) exists(ctx context.Context, name string) bool {
	out, err := t.Runner.Run(ctx, "ip", "tuntap", "show", name)
	return err == nil && strings.Contains(string(out), name)
}

// EnsureTap creates the tap device when it is missing, brings it up and
// attaches it to bridge. An empty bridge leaves the device unattached.
func (t *IPTaps) EnsureTap(ctx context.Context, name, bridge string) error {
	logger := zerolog.Ctx(ctx).With().Str("tap", name).Str("bridge", bridge).Logger()

	if !t.exists(ctx, name) {
		logger.Info().Msg("Creating tap interface")
		if out, err := t.Runner.Run(ctx, "ip", "tuntap", "add", "dev", name, "mode", "tap"); err != nil {
			return errors.Errorf("creating tap interface %s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
	}

	if out, err := t.Runner.Run(ctx, "ip", "link", "set", name, "up"); err != nil {
		return errors.Errorf("setting tap interface %s up: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	if bridge == "" {
		return nil
	}

	if out, err := t.Runner.Run(ctx, "ip", "link", "set", name, "master", bridge); err != nil {
		return errors.Errorf("adding tap interface %s to bridge %s: %w: %s", name, bridge, err, strings.TrimSpace(string(out)))
	}

	logger.Debug().Msg("Tap interface ready")
	return nil
}

// DeleteTap removes a tap device. A device that does not exist is ignored.
func (t *IPTaps) DeleteTap(ctx context.Context, name string) error {
	if !t.exists(ctx, name) {
		return nil
	}
	if out, err := t.Runner.Run(ctx, "ip", "tuntap", "del", "dev", name, "mode", "tap"); err != nil {
		return errors.Errorf("deleting tap interface %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
