package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	errors "gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/image"
	"github.com/walteh/kvmctl/pkg/qemu"
	"github.com/walteh/kvmctl/pkg/vm"
)

var ErrBadArguments = errors.Base("bad tool arguments")

// Backend is the VM surface the tools expose.
type Backend interface {
	Status(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) (qemu.RuntimeHandle, error)
	Stop(ctx context.Context, name string) error
	Info(ctx context.Context, name string) (vm.Info, error)
	List(ctx context.Context) ([]vm.Info, error)
	CreateSnapshot(ctx context.Context, name, snap string) error
	RestoreSnapshot(ctx context.Context, name, snap string) error
	DeleteSnapshot(ctx context.Context, name, snap string) error
	ListSnapshots(ctx context.Context, name string) ([]image.Snapshot, error)
}

var _ Backend = (*vm.Manager)(nil)

// Tool pairs a tool definition with its handler.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

type Server struct {
	backend Backend
	version string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewServer(backend Backend, version string) *Server {
	return &Server{
		backend: backend,
		version: version,
		locks:   map[string]*sync.Mutex{},
	}
}

// lock serializes operations on one VM. Calls for different VMs run
// concurrently.
func (me *Server) lock(name string) func() {
	me.mu.Lock()
	l, ok := me.locks[name]
	if !ok {
		l = &sync.Mutex{}
		me.locks[name] = l
	}
	me.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// MCPServer registers every tool on a new protocol server.
func (me *Server) MCPServer(ctx context.Context) (*server.MCPServer, error) {
	tools, err := me.Tools()
	if err != nil {
		return nil, err
	}

	srv := server.NewMCPServer("kvmctl", me.version, server.WithToolCapabilities(false))
	for _, t := range tools {
		srv.AddTool(t.Tool, t.Handler)
	}

	zerolog.Ctx(ctx).Info().Int("tools", len(tools)).Msg("Registered MCP tools")
	return srv, nil
}

type vmHandler func(ctx context.Context, name string, req mcp.CallToolRequest) (string, error)

// Tools returns the tool set in registration order.
func (me *Server) Tools() ([]Tool, error) {
	defs := []struct {
		name, description string
		params            []Param
		fn                vmHandler
	}{
		{"vm_list", "List virtual machines and whether they are running.", nil, nil},
		{"vm_status", "Report whether a virtual machine's process is alive.", []Param{vmParam}, me.status},
		{"vm_start", "Start a virtual machine and return its pid.", []Param{vmParam}, me.start},
		{"vm_stop", "Stop a virtual machine.", []Param{vmParam}, me.stop},
		{"vm_info", "Describe a virtual machine including its guest run state.", []Param{vmParam}, me.info},
		{"snapshot_create", "Save a snapshot of a running virtual machine.", []Param{vmParam, snapshotParam}, me.snapshotCreate},
		{"snapshot_restore", "Restore a running virtual machine to a snapshot.", []Param{vmParam, snapshotParam}, me.snapshotRestore},
		{"snapshot_delete", "Delete a snapshot from the disk of a stopped virtual machine.", []Param{vmParam, snapshotParam}, me.snapshotDelete},
		{"snapshot_list", "List the snapshots stored in a virtual machine's disk.", []Param{vmParam}, me.snapshotList},
	}

	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		t, err := newTool(d.name, d.description, d.params...)
		if err != nil {
			return nil, err
		}
		h := me.list
		if d.fn != nil {
			h = me.perVM(d.name, d.fn)
		}
		tools = append(tools, Tool{Tool: t, Handler: h})
	}
	return tools, nil
}

// perVM resolves the vm argument, holds that VM's lock and turns failures
// into error results the client can read.
func (me *Server) perVM(tool string, fn vmHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		logger := zerolog.Ctx(ctx).With().Str("tool", tool).Logger()

		name, err := stringArg(req, "vm")
		if err != nil {
			return errorResult(err), nil
		}
		logger = logger.With().Str("vm", name).Logger()
		ctx = logger.WithContext(ctx)

		unlock := me.lock(name)
		defer unlock()

		out, err := fn(ctx, name, req)
		if err != nil {
			logger.Warn().Err(err).Msg("Tool call failed")
			return errorResult(err), nil
		}
		logger.Debug().Msg("Tool call succeeded")
		return mcp.NewToolResultText(out), nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(err.Error())},
		IsError: true,
	}
}

func (me *Server) list(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := me.backend.List(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := marshal(infos)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (me *Server) status(ctx context.Context, name string, _ mcp.CallToolRequest) (string, error) {
	running, err := me.backend.Status(ctx, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("running %t", running), nil
}

func (me *Server) start(ctx context.Context, name string, _ mcp.CallToolRequest) (string, error) {
	h, err := me.backend.Start(ctx, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pid %d", h.PID), nil
}

func (me *Server) stop(ctx context.Context, name string, _ mcp.CallToolRequest) (string, error) {
	if err := me.backend.Stop(ctx, name); err != nil {
		return "", err
	}
	return "stopped " + name, nil
}

func (me *Server) info(ctx context.Context, name string, _ mcp.CallToolRequest) (string, error) {
	info, err := me.backend.Info(ctx, name)
	if err != nil {
		return "", err
	}
	return marshal(info)
}

func (me *Server) snapshotCreate(ctx context.Context, name string, req mcp.CallToolRequest) (string, error) {
	snap, err := stringArg(req, "snapshot")
	if err != nil {
		return "", err
	}
	if err := me.backend.CreateSnapshot(ctx, name, snap); err != nil {
		return "", err
	}
	return "created snapshot " + snap, nil
}

func (me *Server) snapshotRestore(ctx context.Context, name string, req mcp.CallToolRequest) (string, error) {
	snap, err := stringArg(req, "snapshot")
	if err != nil {
		return "", err
	}
	if err := me.backend.RestoreSnapshot(ctx, name, snap); err != nil {
		return "", err
	}
	return "restored snapshot " + snap, nil
}

func (me *Server) snapshotDelete(ctx context.Context, name string, req mcp.CallToolRequest) (string, error) {
	snap, err := stringArg(req, "snapshot")
	if err != nil {
		return "", err
	}
	if err := me.backend.DeleteSnapshot(ctx, name, snap); err != nil {
		return "", err
	}
	return "deleted snapshot " + snap, nil
}

func (me *Server) snapshotList(ctx context.Context, name string, _ mcp.CallToolRequest) (string, error) {
	snaps, err := me.backend.ListSnapshots(ctx, name)
	if err != nil {
		return "", err
	}
	return marshal(snaps)
}

func marshal(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", errors.Errorf("marshalling result: %w", err)
	}
	return string(out), nil
}
