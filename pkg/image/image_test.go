package image_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
)

type call struct {
	name string
	args []string
}

func fakeRunner(calls *[]call, output string, err error) host.Runner {
	return host.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{name: name, args: args})
		return []byte(output), err
	})
}

func testContext(t *testing.T) context.Context {
	return zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
}

func TestCreate(t *testing.T) {
	var calls []call
	tool := image.NewTool("", fakeRunner(&calls, "Formatting '/d/disk.qcow2', fmt=qcow2 size=16106127360", nil))

	require.NoError(t, tool.Create(testContext(t), "/d/disk.qcow2", "15G", nil))
	require.Len(t, calls, 1)
	assert.Equal(t, "qemu-img", calls[0].name)
	assert.Equal(t, []string{"create", "-f", "qcow2", "/d/disk.qcow2", "15G"}, calls[0].args)
}

func TestCreateWithBacking(t *testing.T) {
	var calls []call
	tool := image.NewTool("/usr/bin/qemu-img", fakeRunner(&calls, "Formatting", nil))

	err := tool.Create(testContext(t), "/d/disk.qcow2", "20G", &image.Backing{File: "/i/base.image", Format: "qcow2"})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/qemu-img", calls[0].name)
	assert.Equal(t, []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", "/i/base.image", "/d/disk.qcow2", "20G"}, calls[0].args)
}

func TestCreateDetectsBackingFormat(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base.image")
	require.NoError(t, os.WriteFile(base, make([]byte, 64*1024), 0644))

	var calls []call
	tool := image.NewTool("", fakeRunner(&calls, "Formatting", nil))

	require.NoError(t, tool.Create(testContext(t), "/d/disk.qcow2", "1G", &image.Backing{File: base}))
	assert.Equal(t, []string{"create", "-f", "qcow2", "-F", "raw", "-b", base, "/d/disk.qcow2", "1G"}, calls[0].args)
}

func TestCreateRequiresMarker(t *testing.T) {
	var calls []call
	tool := image.NewTool("", fakeRunner(&calls, "qemu-img: /d/disk.qcow2: Could not create", nil))

	err := tool.Create(testContext(t), "/d/disk.qcow2", "15G", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, image.ErrToolFailure))

	var toolErr *image.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "qemu-img: /d/disk.qcow2: Could not create", toolErr.Output)
	assert.Equal(t, "create", toolErr.Args[0])
}

func TestCreateRejectsBadSize(t *testing.T) {
	var calls []call
	tool := image.NewTool("", fakeRunner(&calls, "Formatting", nil))

	require.Error(t, tool.Create(testContext(t), "/d/disk.qcow2", "huge", nil))
	assert.Empty(t, calls)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		wantErr bool
	}{
		{name: "clean", output: "No errors were found on the image.\n"},
		{name: "leaks", output: "Leaked cluster 12 refcount=1 reference=0\n1 leaked clusters were found", wantErr: true},
		{name: "exit status", output: "qemu-img: Could not open", err: errors.New("exit status 1"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []call
			tool := image.NewTool("", fakeRunner(&calls, tt.output, tt.err))

			err := tool.Check(testContext(t), "/d/disk.qcow2")
			assert.Equal(t, []string{"check", "/d/disk.qcow2"}, calls[0].args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, image.ErrToolFailure))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.image")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	tool := image.NewTool("", nil)
	require.NoError(t, tool.Delete(testContext(t), path))
	require.NoError(t, tool.Delete(testContext(t), path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInspectRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0644))

	info, err := image.Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, "raw", info.Format)
	assert.Equal(t, int64(1<<20), info.VirtualSize)
	assert.Equal(t, int64(1<<20), info.FileSize)
	assert.True(t, strings.Contains(info.String(), "1.0 MiB"))
}

func TestInspectMissing(t *testing.T) {
	_, err := image.Inspect(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestSnapshotCommands(t *testing.T) {
	var calls []call
	listing := `Snapshot list:
ID        TAG               VM SIZE                DATE     VM CLOCK     ICOUNT
1         snap1                 0 B 2024-03-01 10:00:00 00:00:00.000          0
2         before-upgrade    256 MiB 2024-03-02 11:30:00 00:12:01.220          0
`
	tool := image.NewTool("", fakeRunner(&calls, listing, nil))
	ctx := testContext(t)

	snaps, err := tool.SnapshotList(ctx, "/d/disk.qcow2")
	require.NoError(t, err)
	assert.Equal(t, []image.Snapshot{
		{ID: "1", Tag: "snap1", Date: "2024-03-01 10:00:00"},
		{ID: "2", Tag: "before-upgrade", Date: "2024-03-02 11:30:00"},
	}, snaps)

	require.NoError(t, tool.SnapshotDelete(ctx, "/d/disk.qcow2", "snap1"))

	assert.Equal(t, []string{"snapshot", "-l", "-U", "/d/disk.qcow2"}, calls[0].args)
	assert.Equal(t, []string{"snapshot", "-d", "snap1", "/d/disk.qcow2"}, calls[1].args)
}

func TestParseSnapshotListEmpty(t *testing.T) {
	assert.Empty(t, image.ParseSnapshotList(""))
	assert.Empty(t, image.ParseSnapshotList("Snapshot list:\nID        TAG    VM SIZE    DATE    VM CLOCK\n"))
}

func TestParseSnapshotListMonitorOutput(t *testing.T) {
	out := "List of snapshots present on all disks:\r\nID        TAG               VM SIZE                DATE     VM CLOCK     ICOUNT\r\n--        snap1             2.1 MiB 2024-03-01 10:00:00 00:00:03.101          0\r\n"
	snaps := image.ParseSnapshotList(out)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap1", snaps[0].Tag)
}
