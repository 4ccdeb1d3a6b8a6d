package image

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"moul.io/http2curl"

	"github.com/walteh/kvmctl/pkg/host"
)

var ErrImageNotFound = errors.Base("base image not found")

// Library keeps named base images under the layout's images directory.
// VMs reference them as backing files.
type Library struct {
	Layout host.Layout
	Client *http.Client
}

func NewLibrary(layout host.Layout) *Library {
	return &Library{Layout: layout, Client: http.DefaultClient}
}

// Pull downloads url into the library as name. An existing image is kept
// unless force is set. The download is written to a temporary file and only
// renamed into place once its header has been read back successfully.
func (l *Library) Pull(ctx context.Context, name, url string, force bool) (Info, error) {
	logger := zerolog.Ctx(ctx).With().Str("image", name).Logger()

	if err := host.ValidateName(name); err != nil {
		return Info{}, err
	}

	dest := l.Layout.ImagePath(name)
	if !force {
		if info, err := Inspect(dest); err == nil {
			logger.Info().Msg("Image already present")
			return info, nil
		}
	}

	if err := os.MkdirAll(l.Layout.ImagesDir(), 0755); err != nil {
		return Info{}, errors.Errorf("creating images directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, errors.Errorf("creating request: %w", err)
	}
	if curl, err := http2curl.GetCurlCommand(req); err == nil {
		logger.Debug().Str("curl", curl.String()).Msg("Downloading image")
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Info{}, errors.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, errors.Errorf("downloading image: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(l.Layout.ImagesDir(), "."+name+"-*.download")
	if err != nil {
		return Info{}, errors.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Info{}, errors.Errorf("saving image: %w", err)
	}

	if _, err := Inspect(tmp.Name()); err != nil {
		return Info{}, errors.Errorf("downloaded image is unusable: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Info{}, errors.Errorf("renaming image file: %w", err)
	}

	logger.Info().Str("size", humanize.IBytes(uint64(n))).Msg("Image downloaded")
	return Inspect(dest)
}

// List inspects every image in the library, sorted by path. Files whose
// header cannot be read are logged and skipped.
func (l *Library) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(l.Layout.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, errors.Errorf("reading images directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".image") {
			continue
		}
		path := filepath.Join(l.Layout.ImagesDir(), entry.Name())
		info, err := Inspect(path)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("Skipping unreadable image")
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Remove deletes a named image.
func (l *Library) Remove(ctx context.Context, name string) error {
	if err := host.ValidateName(name); err != nil {
		return err
	}
	path := l.Layout.ImagePath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.Errorf("%w: %s", ErrImageNotFound, name)
	}
	if err := os.Remove(path); err != nil {
		return errors.Errorf("deleting image: %w", err)
	}
	zerolog.Ctx(ctx).Info().Str("image", name).Msg("Image deleted")
	return nil
}
