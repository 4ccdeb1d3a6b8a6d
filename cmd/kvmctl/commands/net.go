package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var netGroup = &cobra.Group{
	ID:    "net",
	Title: "Network Management",
}

var netCmd = &cobra.Command{
	Use:     "net",
	Short:   "Create and remove the bridges VM interfaces join",
	GroupID: netGroup.ID,
}

var netFlags struct {
	bridge string
}

func init() {
	rootCmd.AddGroup(netGroup)
	rootCmd.AddCommand(netCmd)
	netCmd.AddCommand(createNetCmd, listNetsCmd, deleteNetCmd)

	createNetCmd.Flags().StringVarP(&netFlags.bridge, "bridge", "b", "", "host bridge name (default net<name>)")
}

var createNetCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a network and bring up its bridge",
	Long: `Create records a named network and brings up its host bridge. VM
interfaces join it with "network: <name>" in their descriptor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := Manager.Networks.Create(cmd.Context(), args[0], netFlags.bridge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (bridge %s)\n", n.Name, n.Bridge)
		return nil
	},
}

var listNetsCmd = &cobra.Command{
	Use:   "list",
	Short: "List networks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nets, err := Manager.Networks.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBRIDGE")
		for _, n := range nets {
			fmt.Fprintf(w, "%s\t%s\n", n.Name, n.Bridge)
		}
		return w.Flush()
	},
}

var deleteNetCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a network no VM uses, with its bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Manager.DeleteNetwork(cmd.Context(), args[0])
	},
}
