package image

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
)

const DefaultBinary = "qemu-img"

var ErrToolFailure = errors.Base("image tool failed")

// ToolError carries the arguments and combined output of a failed
// qemu-img invocation.
type ToolError struct {
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: qemu-img %s", ErrToolFailure, strings.Join(e.Args, " "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return ErrToolFailure
}

// Tool drives qemu-img.
type Tool struct {
	Binary string
	Runner host.Runner
}

func NewTool(binary string, runner host.Runner) *Tool {
	if binary == "" {
		binary = DefaultBinary
	}
	if runner == nil {
		runner = host.ExecRunner{}
	}
	return &Tool{Binary: binary, Runner: runner}
}

// run executes qemu-img. A non-empty marker must appear in the output for
// the call to count as successful.
func (t *Tool) run(ctx context.Context, marker string, args ...string) (string, error) {
	out, err := t.Runner.Run(ctx, t.Binary, args...)
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, errors.WithStack(&ToolError{Args: args, Output: output, Err: err})
	}
	if marker != "" && !strings.Contains(output, marker) {
		return output, errors.WithStack(&ToolError{Args: args, Output: output})
	}
	return output, nil
}

// Backing is an optional base image for copy-on-write disks.
type Backing struct {
	File   string
	Format string
}

// Create makes a qcow2 disk of the given size, optionally on top of a
// backing file. When the backing format is not given it is read from the
// backing file's header.
func (t *Tool) Create(ctx context.Context, path, size string, backing *Backing) error {
	if _, err := humanize.ParseBytes(size); err != nil {
		return errors.Errorf("invalid disk size %q: %w", size, err)
	}

	args := []string{"create", "-f", "qcow2"}
	if backing != nil && backing.File != "" {
		format := backing.Format
		if format == "" {
			info, err := Inspect(backing.File)
			if err != nil {
				return errors.Errorf("detecting backing format: %w", err)
			}
			format = info.Format
		}
		args = append(args, "-F", format, "-b", backing.File)
	}
	args = append(args, path, size)

	zerolog.Ctx(ctx).Info().Str("path", path).Str("size", size).Msg("Creating disk image")

	if _, err := t.run(ctx, "Formatting", args...); err != nil {
		return err
	}
	return nil
}

// Check runs a consistency check on path.
func (t *Tool) Check(ctx context.Context, path string) error {
	_, err := t.run(ctx, "No errors", "check", path)
	return err
}

// Delete removes an image file. A missing file is not an error.
func (t *Tool) Delete(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing image %s: %w", path, err)
	}
	zerolog.Ctx(ctx).Info().Str("path", path).Msg("Removed image")
	return nil
}

// Info describes an image file as read from its header.
type Info struct {
	Path        string `json:"path"`
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual_size"`
	FileSize    int64  `json:"file_size"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s: format %s, virtual size %s, on disk %s",
		i.Path, i.Format, humanize.IBytes(uint64(i.VirtualSize)), humanize.IBytes(uint64(i.FileSize)))
}

// Inspect reads the image header without invoking qemu-img.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, errors.Errorf("opening image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Info{}, errors.Errorf("stat image: %w", err)
	}

	img, err := qcow2reader.Open(f)
	if err != nil {
		return Info{}, errors.Errorf("reading image header: %w", err)
	}
	defer img.Close()

	if err := img.Readable(); err != nil {
		return Info{}, errors.Errorf("image %s is not readable: %w", path, err)
	}

	return Info{
		Path:        path,
		Format:      string(img.Type()),
		VirtualSize: img.Size(),
		FileSize:    fi.Size(),
	}, nil
}
