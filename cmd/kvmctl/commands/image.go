package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
)

var imageGroup = &cobra.Group{
	ID:    "image",
	Title: "Image Management",
}

var imageCmd = &cobra.Command{
	Use:     "image",
	Short:   "Create and inspect disk images",
	GroupID: imageGroup.ID,
}

var imageFlags struct {
	size          string
	backing       string
	backingFormat string
	force         bool
}

func init() {
	rootCmd.AddGroup(imageGroup)
	rootCmd.AddCommand(imageCmd)
	imageCmd.AddCommand(createImageCmd, deleteImageCmd, checkImageCmd, infoImageCmd, pullImageCmd, listImagesCmd, removeImageCmd)

	pullImageCmd.Flags().BoolVarP(&imageFlags.force, "force", "f", false, "download even if the image is present")

	createImageCmd.Flags().StringVar(&imageFlags.size, "size", host.DefaultDiskSize, "virtual size")
	createImageCmd.Flags().StringVarP(&imageFlags.backing, "backing", "b", "", "backing file")
	createImageCmd.Flags().StringVarP(&imageFlags.backingFormat, "backing-format", "F", "", "backing file format, detected when empty")
}

func imageTool() *image.Tool {
	return image.NewTool(Settings.QEMUImgBinary, nil)
}

var createImageCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a qcow2 image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var backing *image.Backing
		if imageFlags.backing != "" {
			backing = &image.Backing{File: imageFlags.backing, Format: imageFlags.backingFormat}
		}
		if err := imageTool().Create(cmd.Context(), args[0], imageFlags.size, backing); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
		return nil
	},
}

var deleteImageCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete an image file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return imageTool().Delete(cmd.Context(), args[0])
	},
}

var checkImageCmd = &cobra.Command{
	Use:   "check <path>",
	Short: "Check an image for consistency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := imageTool().Check(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "no errors")
		return nil
	},
}

var infoImageCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Print an image's format and sizes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := image.Inspect(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info)
		return nil
	},
}

var pullImageCmd = &cobra.Command{
	Use:   "pull <name> <url>",
	Short: "Download a base image into the library",
	Long: `Pull stores a base image under the root's images directory. VM
descriptors refer to it with image.name.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := image.NewLibrary(Settings.Layout()).Pull(cmd.Context(), args[0], args[1], imageFlags.force)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info)
		return nil
	},
}

var listImagesCmd = &cobra.Command{
	Use:   "list",
	Short: "List base images in the library",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := image.NewLibrary(Settings.Layout()).List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tFORMAT\tVIRTUAL\tON DISK")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Path, info.Format,
				humanize.IBytes(uint64(info.VirtualSize)), humanize.IBytes(uint64(info.FileSize)))
		}
		return w.Flush()
	},
}

var removeImageCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a base image from the library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return image.NewLibrary(Settings.Layout()).Remove(cmd.Context(), args[0])
	},
}
