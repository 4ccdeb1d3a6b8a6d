package commands

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/walteh/kvmctl/pkg/lmcp"
	"github.com/walteh/kvmctl/pkg/mcp"
)

var mcpFlags struct {
	httpAddr  string
	logDir    string
	noLogFile bool
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpFlags.httpAddr, "http", "", "serve SSE on this address instead of stdio")
	mcpCmd.Flags().StringVar(&mcpFlags.logDir, "log-dir", "", "directory for the server log file")
	mcpCmd.Flags().BoolVar(&mcpFlags.noLogFile, "no-log-file", false, "do not write a log file (http mode only)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve VM and snapshot operations as MCP tools",
	Long: `mcp exposes vm_list, vm_status, vm_start, vm_stop, vm_info and the
snapshot operations to MCP clients over stdio, or over SSE with --http.
Calls for the same VM are serialized.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := lmcp.Opts{
			HTTPAddr:       mcpFlags.httpAddr,
			LogDir:         mcpFlags.logDir,
			DisableLogFile: mcpFlags.noLogFile,
			Level:          Settings.Level(),
		}
		return lmcp.Serve(cmd.Context(), opts, func(ctx context.Context) (*server.MCPServer, error) {
			return mcp.NewServer(Manager, Version).MCPServer(ctx)
		})
	},
}
