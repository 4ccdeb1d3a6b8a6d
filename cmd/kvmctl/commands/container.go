package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/walteh/kvmctl/pkg/container"
)

var ctGroup = &cobra.Group{
	ID:    "ct",
	Title: "Container Management",
}

var ctCmd = &cobra.Command{
	Use:     "ct",
	Short:   "Manage LXC system containers",
	GroupID: ctGroup.ID,
}

var ctTemplateCmd = &cobra.Command{
	Use:   "template",
	Short: "Install and remove LXC templates",
}

var ctFlags struct {
	template    string
	templateDir string
}

func init() {
	rootCmd.AddGroup(ctGroup)
	rootCmd.AddCommand(ctCmd)
	ctCmd.AddCommand(createCtCmd, destroyCtCmd, statusCtCmd, ctTemplateCmd)
	ctTemplateCmd.AddCommand(installTemplateCmd, removeTemplateCmd)

	ctCmd.PersistentFlags().StringVar(&ctFlags.templateDir, "template-dir", container.DefaultTemplateDir, "LXC template directory")
	createCtCmd.Flags().StringVarP(&ctFlags.template, "template", "t", "download", "template to create the container from")
}

func lxc() *container.LXC {
	l := container.NewLXC(nil)
	l.TemplateDir = ctFlags.templateDir
	return l
}

var createCtCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a container from a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := lxc().Create(cmd.Context(), args[0], ctFlags.template); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
		return nil
	},
}

var destroyCtCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lxc().Destroy(cmd.Context(), args[0])
	},
}

var statusCtCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Report whether a container is running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		running, err := lxc().Running(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "running %t\n", running)
		return nil
	},
}

var installTemplateCmd = &cobra.Command{
	Use:   "install <name> <file>",
	Short: "Install a template script",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lxc().InstallTemplate(cmd.Context(), args[0], args[1])
	},
}

var removeTemplateCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an installed template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lxc().RemoveTemplate(cmd.Context(), args[0])
	},
}
