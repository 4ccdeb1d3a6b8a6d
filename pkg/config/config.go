package config

import (
	"bytes"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
	"github.com/walteh/kvmctl/pkg/monitor"
	"github.com/walteh/kvmctl/pkg/qemu"
)

const (
	EnvConfig   = "KVMCTL_CONFIG"
	EnvRoot     = "KVMCTL_ROOT"
	EnvQEMU     = "KVMCTL_QEMU"
	EnvQEMUImg  = "KVMCTL_QEMU_IMG"
	EnvLogLevel = "KVMCTL_LOG_LEVEL"
)

var ErrInvalid = errors.Base("invalid settings")

// Settings are the host-wide knobs shared by every command.
type Settings struct {
	Root           string        `yaml:"root"`
	QEMUBinary     string        `yaml:"qemu"`
	QEMUImgBinary  string        `yaml:"qemu_img"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	MonitorTimeout time.Duration `yaml:"monitor_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	LogLevel       string        `yaml:"log_level"`
}

func Default() Settings {
	return Settings{
		Root:           host.DefaultRoot,
		QEMUBinary:     host.DefaultQEMUBinary(),
		QEMUImgBinary:  image.DefaultBinary,
		GracePeriod:    qemu.DefaultGracePeriod,
		MonitorTimeout: monitor.DefaultTimeout,
		DialTimeout:    monitor.DefaultDialTimeout,
		LogLevel:       zerolog.InfoLevel.String(),
	}
}

// Load applies, in order, the defaults, the settings file and the
// environment. path may be empty, in which case $KVMCTL_CONFIG is used if
// set. Flags are applied by the caller on top of the result.
func Load(path string) (Settings, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

func LoadWithEnv(path string, lookup func(string) (string, bool)) (Settings, error) {
	s := Default()

	if path == "" {
		path, _ = lookup(EnvConfig)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Errorf("reading settings file: %w", err)
		}
		if err := s.decode(data); err != nil {
			return Settings{}, errors.Errorf("parsing settings file %s: %w", path, err)
		}
	}

	for env, field := range map[string]*string{
		EnvRoot:     &s.Root,
		EnvQEMU:     &s.QEMUBinary,
		EnvQEMUImg:  &s.QEMUImgBinary,
		EnvLogLevel: &s.LogLevel,
	} {
		if v, ok := lookup(env); ok && v != "" {
			*field = v
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(s)
}

func (s Settings) Validate() error {
	var result *multierror.Error

	if s.Root == "" {
		result = multierror.Append(result, errors.New("root is required"))
	}
	if s.QEMUBinary == "" {
		result = multierror.Append(result, errors.New("qemu binary is required"))
	}
	if s.QEMUImgBinary == "" {
		result = multierror.Append(result, errors.New("qemu-img binary is required"))
	}
	for name, d := range map[string]time.Duration{
		"grace_period":    s.GracePeriod,
		"monitor_timeout": s.MonitorTimeout,
		"dial_timeout":    s.DialTimeout,
	} {
		if d <= 0 {
			result = multierror.Append(result, errors.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		result = multierror.Append(result, errors.Errorf("log_level: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}

func (s Settings) Layout() host.Layout {
	return host.NewLayout(s.Root)
}

func (s Settings) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func (s Settings) Dialer() monitor.Dialer {
	return monitor.Dialer{DialTimeout: s.DialTimeout, Timeout: s.MonitorTimeout}
}
