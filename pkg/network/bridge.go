package network

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
)

// IPBridges manages Linux bridges with iproute2.
type IPBridges struct {
	Runner host.Runner
}

var _ Bridges = (*IPBridges)(nil)

func NewIPBridges(runner host.Runner) *IPBridges {
	if runner == nil {
		runner = host.ExecRunner{}
	}
	return &IPBridges{Runner: runner}
}

func (b *IPBridges) exists(ctx context.Context, name string) bool {
	_, err := b.Runner.Run(ctx, "ip", "link", "show", "dev", name)
	return err == nil
}

// EnsureBridge creates the bridge when it is missing and brings it up.
func (b *IPBridges) EnsureBridge(ctx context.Context, name string) error {
	if !b.exists(ctx, name) {
		zerolog.Ctx(ctx).Info().Str("bridge", name).Msg("Creating bridge")
		if out, err := b.Runner.Run(ctx, "ip", "link", "add", "name", name, "type", "bridge"); err != nil {
			return errors.Errorf("creating bridge %s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
	}
	if out, err := b.Runner.Run(ctx, "ip", "link", "set", name, "up"); err != nil {
		return errors.Errorf("setting bridge %s up: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DeleteBridge removes the bridge. A bridge that does not exist is ignored.
func (b *IPBridges) DeleteBridge(ctx context.Context, name string) error {
	if !b.exists(ctx, name) {
		return nil
	}
	if out, err := b.Runner.Run(ctx, "ip", "link", "delete", name, "type", "bridge"); err != nil {
		return errors.Errorf("deleting bridge %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
