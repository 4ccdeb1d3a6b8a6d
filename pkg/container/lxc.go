package container

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
)

const DefaultTemplateDir = "/usr/share/lxc/templates"

var (
	ErrAlreadyExists = errors.Base("container already exists")
	ErrNotFound      = errors.Base("container does not exist")
)

// LXC manages system containers through the lxc-* command line tools.
type LXC struct {
	Runner      host.Runner
	TemplateDir string
}

func NewLXC(runner host.Runner) *LXC {
	if runner == nil {
		runner = host.ExecRunner{}
	}
	return &LXC{Runner: runner, TemplateDir: DefaultTemplateDir}
}

func (l *LXC) run(ctx context.Context, tool string, args ...string) (string, error) {
	out, err := l.Runner.Run(ctx, tool, args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, errors.Errorf("%s %s: %w: %s", tool, strings.Join(args, " "), err, output)
	}
	return output, nil
}

// state returns the lxc-info state line value, and false when the container
// is not defined.
func (l *LXC) state(ctx context.Context, name string) (string, bool) {
	out, err := l.Runner.Run(ctx, "lxc-info", "-n", name, "-s")
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "State" {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func (l *LXC) Defined(ctx context.Context, name string) bool {
	_, ok := l.state(ctx, name)
	return ok
}

// Create builds a container from the named template.
func (l *LXC) Create(ctx context.Context, name, template string) error {
	if err := host.ValidateName(name); err != nil {
		return err
	}
	if l.Defined(ctx, name) {
		return errors.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	zerolog.Ctx(ctx).Info().Str("container", name).Str("template", template).Msg("Creating container")

	if _, err := l.run(ctx, "lxc-create", "-n", name, "-t", template); err != nil {
		return errors.Errorf("creating container rootfs: %w", err)
	}
	return nil
}

// Destroy removes a defined container.
func (l *LXC) Destroy(ctx context.Context, name string) error {
	if !l.Defined(ctx, name) {
		return errors.Errorf("%w: %s", ErrNotFound, name)
	}

	zerolog.Ctx(ctx).Info().Str("container", name).Msg("Destroying container")

	if _, err := l.run(ctx, "lxc-destroy", "-n", name); err != nil {
		return errors.Errorf("destroying container: %w", err)
	}
	return nil
}

// Running reports whether a defined container is running.
func (l *LXC) Running(ctx context.Context, name string) (bool, error) {
	state, ok := l.state(ctx, name)
	if !ok {
		return false, errors.Errorf("%w: %s", ErrNotFound, name)
	}
	return state == "RUNNING", nil
}

func (l *LXC) templatePath(name string) string {
	return filepath.Join(l.TemplateDir, "lxc-"+name)
}

// InstallTemplate copies an executable template script so lxc-create can
// use it as "-t name".
func (l *LXC) InstallTemplate(ctx context.Context, name, file string) error {
	if err := host.ValidateName(name); err != nil {
		return err
	}

	src, err := os.Open(file)
	if err != nil {
		return errors.Errorf("opening template: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(l.templatePath(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return errors.Errorf("creating template: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Errorf("copying template: %w", err)
	}
	if err := dst.Close(); err != nil {
		return errors.Errorf("closing template: %w", err)
	}

	// OpenFile only applies the mode on create
	if err := os.Chmod(l.templatePath(name), 0755); err != nil {
		return errors.Errorf("making template executable: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("template", name).Str("path", l.templatePath(name)).Msg("Installed container template")
	return nil
}

// RemoveTemplate deletes an installed template. A missing template is not
// an error.
func (l *LXC) RemoveTemplate(ctx context.Context, name string) error {
	if err := os.Remove(l.templatePath(name)); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing template: %w", err)
	}
	return nil
}
