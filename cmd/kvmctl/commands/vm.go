package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/qemu"
	"github.com/walteh/kvmctl/pkg/vm"
)

var vmGroup = &cobra.Group{
	ID:    "vm",
	Title: "VM Management",
}

var vmCmd = &cobra.Command{
	Use:     "vm",
	Short:   "Create, start and inspect virtual machines",
	GroupID: vmGroup.ID,
}

func init() {
	rootCmd.AddGroup(vmGroup)
	rootCmd.AddCommand(vmCmd)
	vmCmd.AddCommand(createVMCmd, deleteVMCmd, startVMCmd, stopVMCmd, statusVMCmd, infoVMCmd, listVMsCmd)

	statusVMCmd.Flags().String("pid", "", "probe a raw pid instead of a VM record")
	infoVMCmd.Flags().Bool("json", false, "print the full description as JSON")
}

var createVMCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create a VM from a YAML or JSON descriptor",
	Long: `Create registers a VM from its descriptor and builds its disk,
optionally on top of a backing image. Use "-" to read the descriptor
from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return errors.Errorf("reading VM descriptor: %w", err)
		}

		cfg, err := host.ParseConfig(data)
		if err != nil {
			return err
		}

		rec, err := Manager.Create(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", rec.Name())
		return nil
	},
}

var deleteVMCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a stopped VM with its disk and tap devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Manager.Delete(cmd.Context(), args[0])
	},
}

var startVMCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a VM in the background",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := Manager.Start(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pid %d\n", h.PID)
		return nil
	},
}

var stopVMCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Manager.Stop(cmd.Context(), args[0])
	},
}

var statusVMCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Report whether a VM's process is alive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var running bool
		if cmd.Flags().Changed("pid") {
			raw, _ := cmd.Flags().GetString("pid")
			running = Manager.Supervisor.Status(cmd.Context(), qemu.ParsePID(raw))
		} else {
			if len(args) != 1 {
				return errors.New("a VM name or --pid is required")
			}
			var err error
			if running, err = Manager.Status(cmd.Context(), args[0]); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running %t\n", running)
		return nil
	},
}

var infoVMCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Describe a VM including its guest run state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := Manager.Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "name\t%s\n", info.Name)
		fmt.Fprintf(w, "status\t%s\n", statusText(info.Status))
		if info.Running {
			fmt.Fprintf(w, "pid\t%d\n", info.PID)
			fmt.Fprintf(w, "socket\t%s\n", info.Socket)
			fmt.Fprintf(w, "state\t%s\n", info.State)
		}
		fmt.Fprintf(w, "disk\t%s\n", info.Disk)
		for i, iface := range info.Config.Interfaces {
			fmt.Fprintf(w, "tap\t%s %s %s\n", host.TapName(info.Name, i), iface.MAC, iface.Bridge)
		}
		return w.Flush()
	},
}

var listVMsCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs and whether they are running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := Manager.List(cmd.Context())
		if err != nil {
			return err
		}
		return printVMs(cmd.OutOrStdout(), infos)
	},
}

func printVMs(out io.Writer, infos []vm.Info) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPID\tDISK")
	for _, info := range infos {
		pid := "-"
		if info.Running {
			pid = fmt.Sprint(info.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, statusText(info.Status), pid, info.Disk)
	}
	return w.Flush()
}

func statusText(s host.Status) string {
	if s == host.StatusRunning {
		return color.GreenString(string(s))
	}
	return color.New(color.Faint).Sprint(string(s))
}
