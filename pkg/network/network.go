// Package network keeps named host bridges that VM interfaces join by
// network name.
package network

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/walteh/kvmctl/pkg/host"
)

var (
	ErrNotFound = errors.Base("network not found")
	ErrExists   = errors.Base("network already exists")
	ErrInUse    = errors.Base("network in use")
)

// BridgePrefix is prepended to the network name when no bridge is given.
const BridgePrefix = "net"

// Network is one persisted network record.
type Network struct {
	Name   string `yaml:"name" json:"name"`
	Bridge string `yaml:"bridge" json:"bridge"`
}

// DefaultBridge is the bridge a network gets when none is given.
func DefaultBridge(name string) string {
	return BridgePrefix + name
}

// Bridges creates and removes host bridges. IPBridges implements it.
type Bridges interface {
	EnsureBridge(ctx context.Context, name string) error
	DeleteBridge(ctx context.Context, name string) error
}

// Manager keeps one yaml record per network under the layout's networks
// directory and the bridge behind each.
type Manager struct {
	Layout  host.Layout
	Bridges Bridges
}

func NewManager(layout host.Layout, bridges Bridges) *Manager {
	return &Manager{Layout: layout, Bridges: bridges}
}

// Create brings up the bridge and records the network. A bridge that
// already exists on the host is reused.
func (m *Manager) Create(ctx context.Context, name, bridge string) (Network, error) {
	if err := host.ValidateName(name); err != nil {
		return Network{}, err
	}
	if bridge == "" {
		bridge = DefaultBridge(name)
	}
	if err := host.ValidateIfName(bridge); err != nil {
		return Network{}, err
	}
	if _, err := os.Stat(m.Layout.NetworkPath(name)); err == nil {
		return Network{}, errors.Errorf("%w: %s", ErrExists, name)
	}

	nets, err := m.List(ctx)
	if err != nil {
		return Network{}, err
	}
	for _, n := range nets {
		if n.Bridge == bridge {
			return Network{}, errors.Errorf("%w: bridge %s belongs to %s", ErrExists, bridge, n.Name)
		}
	}

	logger := zerolog.Ctx(ctx).With().Str("network", name).Str("bridge", bridge).Logger()
	logger.Info().Msg("Creating network")

	if err := m.Bridges.EnsureBridge(ctx, bridge); err != nil {
		return Network{}, err
	}

	n := Network{Name: name, Bridge: bridge}
	if err := m.save(n); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if cleanupErr := m.Bridges.DeleteBridge(ctx, bridge); cleanupErr != nil {
			result = multierror.Append(result, cleanupErr)
		}
		return Network{}, errors.Errorf("creating network %s: %w", name, result)
	}

	logger.Info().Msg("Network created")
	return n, nil
}

func (m *Manager) save(n Network) error {
	dir := m.Layout.NetworksDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Errorf("creating networks directory: %w", err)
	}

	data, err := yaml.Marshal(n)
	if err != nil {
		return errors.Errorf("marshaling network record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".net-*.yaml")
	if err != nil {
		return errors.Errorf("creating network record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Errorf("writing network record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Errorf("writing network record: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.Layout.NetworkPath(n.Name)); err != nil {
		return errors.Errorf("replacing network record: %w", err)
	}
	return nil
}

// Get loads the record of a network.
func (m *Manager) Get(name string) (Network, error) {
	if err := host.ValidateName(name); err != nil {
		return Network{}, err
	}

	data, err := os.ReadFile(m.Layout.NetworkPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Network{}, errors.Errorf("%w: %s", ErrNotFound, name)
		}
		return Network{}, errors.Errorf("reading network record: %w", err)
	}

	var n Network
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&n); err != nil {
		return Network{}, errors.Errorf("%w: network record %s: %w", host.ErrConfig, name, err)
	}
	if n.Name != name {
		return Network{}, errors.Errorf("%w: network record %s names %q", host.ErrConfig, name, n.Name)
	}
	if err := host.ValidateIfName(n.Bridge); err != nil {
		return Network{}, err
	}
	return n, nil
}

// List returns every network sorted by name. Unreadable records are logged
// and skipped.
func (m *Manager) List(ctx context.Context) ([]Network, error) {
	entries, err := os.ReadDir(m.Layout.NetworksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []Network{}, nil
		}
		return nil, errors.Errorf("reading networks directory: %w", err)
	}

	nets := make([]Network, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".yaml")
		if entry.IsDir() || !ok || strings.HasPrefix(name, ".") {
			continue
		}
		n, err := m.Get(name)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("network", name).Msg("Failed to load network")
			continue
		}
		nets = append(nets, n)
	}

	sort.Slice(nets, func(i, j int) bool { return nets[i].Name < nets[j].Name })
	return nets, nil
}

// Delete removes the bridge and the record. Deleting a network that does
// not exist succeeds.
func (m *Manager) Delete(ctx context.Context, name string) error {
	n, err := m.Get(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	zerolog.Ctx(ctx).Info().Str("network", name).Str("bridge", n.Bridge).Msg("Deleting network")

	if err := m.Bridges.DeleteBridge(ctx, n.Bridge); err != nil {
		return errors.Errorf("deleting network %s: %w", name, err)
	}
	if err := os.Remove(m.Layout.NetworkPath(name)); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("deleting network record: %w", err)
	}
	return nil
}

// Resolve returns a copy of cfg whose interfaces carry the bridge of the
// network they name. The caller's slice is not modified.
func (m *Manager) Resolve(cfg host.VMConfig) (host.VMConfig, error) {
	if len(cfg.Interfaces) == 0 {
		return cfg, nil
	}

	ifaces := make([]host.Interface, len(cfg.Interfaces))
	copy(ifaces, cfg.Interfaces)
	for i, iface := range ifaces {
		if iface.Network == "" {
			continue
		}
		n, err := m.Get(iface.Network)
		if err != nil {
			return cfg, errors.Errorf("interfaces[%d]: %w", i, err)
		}
		ifaces[i].Bridge = n.Bridge
	}
	cfg.Interfaces = ifaces
	return cfg, nil
}
