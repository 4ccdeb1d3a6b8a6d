package commands

import (
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/config"
	"github.com/walteh/kvmctl/pkg/vm"
)

// Version is set at build time.
var Version = "dev"

var (
	Settings config.Settings
	Manager  *vm.Manager
)

var rootFlags struct {
	config   string
	root     string
	qemu     string
	qemuImg  string
	logLevel string
	debug    bool
}

var rootCmd = &cobra.Command{
	Use:   "kvmctl",
	Short: "Manage QEMU/KVM virtual machines on this host",
	Long: `kvmctl creates, starts, stops and snapshots QEMU/KVM virtual machines.
Each VM lives in its own directory under the root with its disk, its
record and its monitor socket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(rootFlags.config)
		if err != nil {
			return errors.Errorf("loading settings: %w", err)
		}

		for _, o := range []struct {
			flag  string
			field *string
			value string
		}{
			{"root", &s.Root, rootFlags.root},
			{"qemu", &s.QEMUBinary, rootFlags.qemu},
			{"qemu-img", &s.QEMUImgBinary, rootFlags.qemuImg},
			{"log-level", &s.LogLevel, rootFlags.logLevel},
		} {
			if cmd.Flags().Changed(o.flag) {
				*o.field = o.value
			}
		}
		if rootFlags.debug {
			s.LogLevel = zerolog.DebugLevel.String()
		}
		if err := s.Validate(); err != nil {
			return err
		}

		ctx := zerolog.Ctx(cmd.Context()).With().
			Str("command", cmd.CommandPath()).
			Str("op", xid.New().String()).
			Logger().Level(s.Level()).WithContext(cmd.Context())
		cmd.SetContext(ctx)

		Settings = s
		Manager = vm.NewManager(s)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootFlags.config, "config", "", "settings file (default $"+config.EnvConfig+")")
	flags.StringVar(&rootFlags.root, "root", "", "directory holding VMs and images")
	flags.StringVar(&rootFlags.qemu, "qemu", "", "system emulator binary")
	flags.StringVar(&rootFlags.qemuImg, "qemu-img", "", "image tool binary")
	flags.StringVar(&rootFlags.logLevel, "log-level", "", "log level")
	flags.BoolVarP(&rootFlags.debug, "debug", "d", false, "enable debug logging")
	rootCmd.MarkFlagsMutuallyExclusive("debug", "log-level")
}

func RootCmd() *cobra.Command {
	return rootCmd
}
