package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned for malformed or incomplete VM descriptors. Nothing is
// touched on disk when it is returned.
var ErrConfig = errors.Base("invalid VM configuration")

// DefaultDiskSize is used when a descriptor does not carry a size.
const DefaultDiskSize = "15G"

// maxIfNameLen is IFNAMSIZ minus the trailing NUL.
const maxIfNameLen = 15

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// VMConfig is the typed form of a VM descriptor.
type VMConfig struct {
	Name       string      `yaml:"name" json:"name"`
	Disk       string      `yaml:"disk,omitempty" json:"disk,omitempty"`
	Image      *ImageRef   `yaml:"image,omitempty" json:"image,omitempty"`
	Size       string      `yaml:"size,omitempty" json:"size,omitempty"`
	Params     Params      `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Interfaces []Interface `yaml:"interfaces,omitempty" json:"interfaces,omitempty"`
}

// ImageRef points at the read-only backing image of a copy-on-write disk.
type ImageRef struct {
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	File   string `yaml:"file" json:"file"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Params holds the hypervisor tunables. CPUs and Memory are passed through to
// QEMU as written; QEMU is the one that rejects bad values.
type Params struct {
	CPUs      string   `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	Memory    string   `yaml:"memory,omitempty" json:"memory,omitempty"`
	KVM       bool     `yaml:"kvm,omitempty" json:"kvm,omitempty"`
	VNC       string   `yaml:"vnc,omitempty" json:"vnc,omitempty"`
	Websocket string   `yaml:"websocket,omitempty" json:"websocket,omitempty"`
	Args      []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Interface is one virtual NIC. Index is informational, the tap name is
// derived from the position in VMConfig.Interfaces. Network names a network
// record whose bridge the tap joins; Bridge names a host bridge directly.
// At most one of them is set.
type Interface struct {
	MAC     string `yaml:"mac" json:"mac"`
	Index   int    `yaml:"index,omitempty" json:"index,omitempty"`
	Network string `yaml:"network,omitempty" json:"network,omitempty"`
	Bridge  string `yaml:"bridge,omitempty" json:"bridge,omitempty"`
}

// TapName returns the host interface name of the i-th NIC of a VM.
func TapName(vmName string, i int) string {
	return fmt.Sprintf("vm%s.%d", vmName, i)
}

// ParseConfig decodes a JSON or YAML descriptor. Unknown fields are rejected.
func ParseConfig(data []byte) (VMConfig, error) {
	var cfg VMConfig

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return cfg, errors.Errorf("%w: empty descriptor", ErrConfig)
	}

	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, errors.Errorf("%w: decoding json: %s", ErrConfig, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, errors.Errorf("%w: decoding yaml: %s", ErrConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ValidateName checks that a VM name can be used as a single path component.
func ValidateName(name string) error {
	if name == "" {
		return errors.Errorf("%w: a name is required", ErrConfig)
	}
	if !namePattern.MatchString(name) {
		return errors.Errorf("%w: name %q must match %s", ErrConfig, name, namePattern)
	}
	return nil
}

// ValidateIfName checks a host network interface name.
func ValidateIfName(name string) error {
	switch {
	case name == "":
		return errors.Errorf("%w: an interface name is required", ErrConfig)
	case len(name) > maxIfNameLen:
		return errors.Errorf("%w: interface name %q is longer than %d characters", ErrConfig, name, maxIfNameLen)
	case strings.ContainsAny(name, "/: \t\n") || name == "." || name == "..":
		return errors.Errorf("%w: interface name %q is not valid", ErrConfig, name)
	}
	return nil
}

// Validate reports every problem in the descriptor at once.
func (c VMConfig) Validate() error {
	var result *multierror.Error

	if err := ValidateName(c.Name); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Image != nil && c.Image.File == "" {
		result = multierror.Append(result, errors.New("image.file is required when an image is given"))
	}

	if c.Size != "" {
		if _, err := humanize.ParseBytes(c.Size); err != nil {
			result = multierror.Append(result, errors.Errorf("size %q: %w", c.Size, err))
		}
	}

	if c.Params.Websocket != "" && c.Params.VNC == "" {
		result = multierror.Append(result, errors.New("parameters.websocket requires parameters.vnc"))
	}

	seen := map[string]int{}
	for i, iface := range c.Interfaces {
		hw, err := net.ParseMAC(iface.MAC)
		if err != nil {
			result = multierror.Append(result, errors.Errorf("interfaces[%d].mac: %w", i, err))
			continue
		}
		key := strings.ToLower(hw.String())
		if prev, ok := seen[key]; ok {
			result = multierror.Append(result, errors.Errorf("interfaces[%d].mac duplicates interfaces[%d]", i, prev))
		}
		seen[key] = i
		if iface.Network != "" && iface.Bridge != "" {
			result = multierror.Append(result, errors.Errorf("interfaces[%d]: network and bridge are exclusive", i))
		}
		if iface.Network != "" && !namePattern.MatchString(iface.Network) {
			result = multierror.Append(result, errors.Errorf("interfaces[%d].network %q must match %s", i, iface.Network, namePattern))
		}
		if c.Name != "" && len(TapName(c.Name, i)) > maxIfNameLen {
			result = multierror.Append(result, errors.Errorf("interfaces[%d]: tap name %q is longer than %d characters", i, TapName(c.Name, i), maxIfNameLen))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		if errors.Is(err, ErrConfig) && len(result.Errors) == 1 {
			return result.Errors[0]
		}
		return errors.Errorf("%w: %s", ErrConfig, err)
	}

	return nil
}

// DiskPath returns the disk of the VM, falling back to the layout default.
func (c VMConfig) DiskPath(l Layout) string {
	if c.Disk != "" {
		return c.Disk
	}
	return l.DiskPath(c.Name)
}

// DiskSize returns the configured size or DefaultDiskSize.
func (c VMConfig) DiskSize() string {
	if c.Size != "" {
		return c.Size
	}
	return DefaultDiskSize
}
