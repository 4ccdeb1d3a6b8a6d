package vm

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/qemu"
)

var (
	ErrNotFound = errors.Base("vm not found")
	ErrExists   = errors.Base("vm already exists")
)

// Record is the persisted state of one VM: its descriptor plus the last
// runtime handle the supervisor returned. The pid is kept verbatim and only
// interpreted through qemu.ParsePID.
type Record struct {
	Config host.VMConfig `yaml:"config" json:"config"`
	PID    string        `yaml:"pid,omitempty" json:"pid,omitempty"`
	Socket string        `yaml:"socket,omitempty" json:"socket,omitempty"`
}

func (r *Record) Name() string {
	return r.Config.Name
}

func (r *Record) Handle() qemu.RuntimeHandle {
	return qemu.RuntimeHandle{PID: qemu.ParsePID(r.PID), SocketPath: r.Socket}
}

func (r *Record) SetHandle(h qemu.RuntimeHandle) {
	if h.PID <= 0 {
		r.PID = ""
		r.Socket = ""
		return
	}
	r.PID = strconv.Itoa(h.PID)
	r.Socket = h.SocketPath
}

// Store keeps one vm.yaml per VM directory.
type Store struct {
	Layout host.Layout
}

func NewStore(layout host.Layout) *Store {
	return &Store{Layout: layout}
}

// Save writes the record atomically.
func (s *Store) Save(r *Record) error {
	name := r.Name()
	if err := host.ValidateName(name); err != nil {
		return err
	}

	dir := s.Layout.VMDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Errorf("creating VM directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Errorf("marshaling VM record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vm-*.yaml")
	if err != nil {
		return errors.Errorf("creating VM record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Errorf("writing VM record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Errorf("writing VM record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Layout.RecordPath(name)); err != nil {
		return errors.Errorf("replacing VM record: %w", err)
	}
	return nil
}

// Load reads the record for name. A VM without a record does not exist.
func (s *Store) Load(name string) (*Record, error) {
	if err := host.ValidateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Layout.RecordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, errors.Errorf("reading VM record: %w", err)
	}

	var r Record
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, errors.Errorf("%w: VM record %s: %w", host.ErrConfig, name, err)
	}
	if r.Config.Name != name {
		return nil, errors.Errorf("%w: VM record %s names %q", host.ErrConfig, name, r.Config.Name)
	}
	if err := r.Config.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Layout.RecordPath(name))
	return err == nil
}

// List loads every record under the VMs directory, sorted by name.
// Unreadable records are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	logger := zerolog.Ctx(ctx)

	entries, err := os.ReadDir(s.Layout.VMsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, errors.Errorf("reading VMs directory: %w", err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !s.Exists(entry.Name()) {
			continue
		}
		r, err := s.Load(entry.Name())
		if err != nil {
			logger.Warn().Err(err).Str("name", entry.Name()).Msg("Failed to load VM")
			continue
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name() < records[j].Name() })
	return records, nil
}

// Remove deletes the VM directory and everything in it.
func (s *Store) Remove(name string) error {
	if err := host.ValidateName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Layout.VMDir(name)); err != nil {
		return errors.Errorf("removing VM directory: %w", err)
	}
	return nil
}
