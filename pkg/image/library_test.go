package image_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/kvmctl/pkg/host"
	"github.com/walteh/kvmctl/pkg/image"
)

func TestLibraryPullListRemove(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(make([]byte, 1<<20))
	}))
	defer srv.Close()

	lib := image.NewLibrary(host.NewLayout(t.TempDir()))
	ctx := testContext(t)

	info, err := lib.Pull(ctx, "base", srv.URL+"/base.img", false)
	require.NoError(t, err)
	assert.Equal(t, lib.Layout.ImagePath("base"), info.Path)
	assert.Equal(t, "raw", info.Format)
	assert.EqualValues(t, 1<<20, info.VirtualSize)

	_, err = lib.Pull(ctx, "base", srv.URL+"/base.img", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "present images are not downloaded again")

	_, err = lib.Pull(ctx, "base", srv.URL+"/base.img", true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())

	require.NoError(t, os.WriteFile(filepath.Join(lib.Layout.ImagesDir(), "notes.txt"), []byte("x"), 0644))

	infos, err := lib.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, info.Path, infos[0].Path)

	require.NoError(t, lib.Remove(ctx, "base"))
	err = lib.Remove(ctx, "base")
	assert.True(t, errors.Is(err, image.ErrImageNotFound))
}

func TestLibraryPullBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	lib := image.NewLibrary(host.NewLayout(t.TempDir()))
	_, err := lib.Pull(testContext(t), "base", srv.URL, false)
	require.Error(t, err)

	entries, err := os.ReadDir(lib.Layout.ImagesDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial download is left behind")
}

func TestLibraryListEmpty(t *testing.T) {
	lib := image.NewLibrary(host.NewLayout(t.TempDir()))
	infos, err := lib.List(testContext(t))
	require.NoError(t, err)
	assert.Empty(t, infos)
}
