package mcp_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
	"github.com/walteh/kvmctl/pkg/mcp"
	"github.com/walteh/kvmctl/pkg/qemu"
	"github.com/walteh/kvmctl/pkg/snapshot"
	"github.com/walteh/kvmctl/pkg/vm"
)

func TestToolSchema(t *testing.T) {
	tests := []struct {
		name   string
		params []mcp.Param
		want   *jsonschema.Schema
	}{
		{
			name: "no params",
			want: &jsonschema.Schema{
				Title:       "vm_listParams",
				Description: "desc",
				Required:    []string{},
				Type:        "object",
				Properties:  orderedmap.New[string, *jsonschema.Schema](),
			},
		},
		{
			name: "required and optional",
			params: []mcp.Param{
				{Name: "vm", Description: "name", Required: true},
				{Name: "note", Description: "free text"},
			},
			want: &jsonschema.Schema{
				Title:       "vm_listParams",
				Description: "desc",
				Required:    []string{"vm"},
				Type:        "object",
				Properties: orderedmap.New[string, *jsonschema.Schema](orderedmap.WithInitialData(
					orderedmap.Pair[string, *jsonschema.Schema]{Key: "vm", Value: &jsonschema.Schema{Type: "string", Description: "name"}},
					orderedmap.Pair[string, *jsonschema.Schema]{Key: "note", Value: &jsonschema.Schema{Type: "string", Description: "free text"}},
				)),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mcp.ToolSchema("vm_list", "desc", tt.params...)
			require.Equal(t, tt.want, got)
		})
	}
}

type fakeBackend struct {
	running  map[string]bool
	snaps    []string
	inflight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (f *fakeBackend) enter() func() {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	time.Sleep(f.delay)
	return func() { f.inflight.Add(-1) }
}

func (f *fakeBackend) known(name string) error {
	if _, ok := f.running[name]; !ok {
		return errors.Errorf("%w: %s", vm.ErrNotFound, name)
	}
	return nil
}

func (f *fakeBackend) Status(_ context.Context, name string) (bool, error) {
	defer f.enter()()
	if err := f.known(name); err != nil {
		return false, err
	}
	return f.running[name], nil
}

func (f *fakeBackend) Start(_ context.Context, name string) (qemu.RuntimeHandle, error) {
	defer f.enter()()
	if err := f.known(name); err != nil {
		return qemu.RuntimeHandle{}, err
	}
	f.running[name] = true
	return qemu.RuntimeHandle{PID: 4242}, nil
}

func (f *fakeBackend) Stop(_ context.Context, name string) error {
	defer f.enter()()
	f.running[name] = false
	return f.known(name)
}

func (f *fakeBackend) Info(_ context.Context, name string) (vm.Info, error) {
	if err := f.known(name); err != nil {
		return vm.Info{}, err
	}
	return vm.Info{Name: name, Status: host.StatusOf(f.running[name]), Running: f.running[name]}, nil
}

func (f *fakeBackend) List(context.Context) ([]vm.Info, error) {
	return []vm.Info{{Name: "v1", Status: host.StatusOf(f.running["v1"])}}, nil
}

func (f *fakeBackend) CreateSnapshot(_ context.Context, name, snap string) error {
	if !f.running[name] {
		return errors.Errorf("%w: %s", snapshot.ErrVMNotRunning, name)
	}
	f.snaps = append(f.snaps, "create "+snap)
	return nil
}

func (f *fakeBackend) RestoreSnapshot(_ context.Context, _, snap string) error {
	f.snaps = append(f.snaps, "restore "+snap)
	return nil
}

func (f *fakeBackend) DeleteSnapshot(_ context.Context, _, snap string) error {
	f.snaps = append(f.snaps, "delete "+snap)
	return nil
}

func (f *fakeBackend) ListSnapshots(context.Context, string) ([]image.Snapshot, error) {
	return []image.Snapshot{{ID: "1", Tag: "s1"}}, nil
}

func testContext(t *testing.T) context.Context {
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
}

func handlers(t *testing.T, b mcp.Backend) map[string]mcp.Tool {
	tools, err := mcp.NewServer(b, "test").Tools()
	require.NoError(t, err)
	byName := map[string]mcp.Tool{}
	for _, tool := range tools {
		byName[tool.Tool.Name] = tool
	}
	return byName
}

func call(t *testing.T, tools map[string]mcp.Tool, name string, args map[string]interface{}) (string, bool) {
	tool, ok := tools[name]
	require.True(t, ok, "tool %s", name)

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := tool.Handler(testContext(t), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcpgo.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestToolsRawSchema(t *testing.T) {
	tools := handlers(t, &fakeBackend{})

	var sch struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(tools["snapshot_create"].Tool.RawInputSchema, &sch))
	assert.Equal(t, "object", sch.Type)
	assert.Equal(t, []string{"vm", "snapshot"}, sch.Required)
	assert.Len(t, sch.Properties, 2)
}

func TestToolLifecycle(t *testing.T) {
	b := &fakeBackend{running: map[string]bool{"v1": false}}
	tools := handlers(t, b)

	out, isErr := call(t, tools, "vm_status", map[string]interface{}{"vm": "v1"})
	assert.False(t, isErr)
	assert.Equal(t, "running false", out)

	out, isErr = call(t, tools, "snapshot_create", map[string]interface{}{"vm": "v1", "snapshot": "s1"})
	assert.True(t, isErr)
	assert.Contains(t, out, "not running")

	out, isErr = call(t, tools, "vm_start", map[string]interface{}{"vm": "v1"})
	assert.False(t, isErr)
	assert.Equal(t, "pid 4242", out)

	_, isErr = call(t, tools, "snapshot_create", map[string]interface{}{"vm": "v1", "snapshot": "s1"})
	assert.False(t, isErr)
	_, isErr = call(t, tools, "snapshot_restore", map[string]interface{}{"vm": "v1", "snapshot": "s1"})
	assert.False(t, isErr)
	_, isErr = call(t, tools, "snapshot_delete", map[string]interface{}{"vm": "v1", "snapshot": "s1"})
	assert.False(t, isErr)
	assert.Equal(t, []string{"create s1", "restore s1", "delete s1"}, b.snaps)

	out, isErr = call(t, tools, "snapshot_list", map[string]interface{}{"vm": "v1"})
	assert.False(t, isErr)
	assert.Contains(t, out, `"tag": "s1"`)

	out, isErr = call(t, tools, "vm_info", map[string]interface{}{"vm": "v1"})
	assert.False(t, isErr)
	assert.Contains(t, out, `"running": true`)

	out, isErr = call(t, tools, "vm_list", nil)
	assert.False(t, isErr)
	assert.Contains(t, out, `"name": "v1"`)

	out, isErr = call(t, tools, "vm_stop", map[string]interface{}{"vm": "v1"})
	assert.False(t, isErr)
	assert.Equal(t, "stopped v1", out)
}

func TestToolArgumentErrors(t *testing.T) {
	tools := handlers(t, &fakeBackend{running: map[string]bool{"v1": true}})

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
	}{
		{"missing vm", "vm_status", map[string]interface{}{}},
		{"vm not a string", "vm_start", map[string]interface{}{"vm": 3}},
		{"empty vm", "vm_stop", map[string]interface{}{"vm": ""}},
		{"missing snapshot", "snapshot_create", map[string]interface{}{"vm": "v1"}},
		{"unknown vm", "vm_info", map[string]interface{}{"vm": "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, isErr := call(t, tools, tt.tool, tt.args)
			assert.True(t, isErr)
			assert.NotEmpty(t, out)
		})
	}
}

func TestToolCallsSerializePerVM(t *testing.T) {
	b := &fakeBackend{running: map[string]bool{"v1": false}, delay: 20 * time.Millisecond}
	tools := handlers(t, b)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := mcpgo.CallToolRequest{}
			req.Params.Name = "vm_status"
			req.Params.Arguments = map[string]interface{}{"vm": "v1"}
			_, _ = tools["vm_status"].Handler(context.Background(), req)
		}()
	}
	wg.Wait()

	assert.False(t, b.overlap.Load(), "calls for one VM must not overlap")
}

func TestMCPServerRegisters(t *testing.T) {
	srv, err := mcp.NewServer(&fakeBackend{}, "test").MCPServer(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, srv)
}
