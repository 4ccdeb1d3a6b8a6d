package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Short:   "Save, restore and remove VM snapshots",
	GroupID: vmGroup.ID,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(createSnapshotCmd, restoreSnapshotCmd, deleteSnapshotCmd, listSnapshotsCmd)
}

var createSnapshotCmd = &cobra.Command{
	Use:   "create <vm> <snapshot>",
	Short: "Save a snapshot of a running VM",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Manager.CreateSnapshot(cmd.Context(), args[0], args[1])
	},
}

var restoreSnapshotCmd = &cobra.Command{
	Use:   "restore <vm> <snapshot>",
	Short: "Restore a running VM to a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Manager.RestoreSnapshot(cmd.Context(), args[0], args[1])
	},
}

var deleteSnapshotCmd = &cobra.Command{
	Use:   "delete <vm> <snapshot>",
	Short: "Delete a snapshot",
	Long: `Delete removes a snapshot from the VM's disk file with qemu-img. Stop
the VM first: a running VM holds its disk open and only gets a warning.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Manager.DeleteSnapshot(cmd.Context(), args[0], args[1])
	},
}

var listSnapshotsCmd = &cobra.Command{
	Use:   "list <vm>",
	Short: "List the snapshots stored in a VM's disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := Manager.ListSnapshots(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTAG\tDATE")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Tag, s.Date)
		}
		return w.Flush()
	},
}
