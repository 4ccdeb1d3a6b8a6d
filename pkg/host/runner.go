package host

import (
	"context"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes an external tool and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	zerolog.Ctx(ctx).Debug().Str("command", name+" "+strings.Join(args, " ")).Msg("Running command")

	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
