package imagebuild

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Builder materializes a definition and returns the pullable image reference.
type Builder interface {
	Build(ctx context.Context, def Definition) (string, error)
}

// RegistryBuilder appends a single tools layer to the base image and pushes the
// result. The manifest is written last, so the tag resolves only to complete images.
type RegistryBuilder struct {
	nameOpts   []name.Option
	remoteOpts []remote.Option
}

type RegistryOption func(*RegistryBuilder)

// WithInsecure allows plain-HTTP registries.
func WithInsecure() RegistryOption {
	return func(b *RegistryBuilder) {
		b.nameOpts = append(b.nameOpts, name.Insecure)
	}
}

// WithTransport overrides the HTTP transport, mostly for tests.
func WithTransport(rt http.RoundTripper) RegistryOption {
	return func(b *RegistryBuilder) {
		b.remoteOpts = append(b.remoteOpts, remote.WithTransport(rt))
	}
}

func NewRegistryBuilder(opts ...RegistryOption) *RegistryBuilder {
	b := &RegistryBuilder{
		remoteOpts: []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RegistryBuilder) Build(ctx context.Context, def Definition) (string, error) {
	tag, err := name.NewTag(def.Tag, b.nameOpts...)
	if err != nil {
		return "", fmt.Errorf("invalid image tag %q: %w", def.Tag, err)
	}
	opts := append([]remote.Option{remote.WithContext(ctx)}, b.remoteOpts...)

	// Content-addressed tag: an existing one already holds these tools.
	if desc, err := remote.Head(tag, opts...); err == nil {
		return tag.Context().Digest(desc.Digest.String()).String(), nil
	} else if !isNotFound(err) {
		return "", fmt.Errorf("failed to check image %s: %w", tag, err)
	}

	baseRef, err := name.ParseReference(def.Base, b.nameOpts...)
	if err != nil {
		return "", fmt.Errorf("invalid base image %q: %w", def.Base, err)
	}
	base, err := remote.Image(baseRef, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to fetch base image %s: %w", baseRef, err)
	}

	layerTar, err := layerTarball(def.Files)
	if err != nil {
		return "", err
	}
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(layerTar)), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create tools layer: %w", err)
	}
	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return "", fmt.Errorf("failed to append tools layer: %w", err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return "", fmt.Errorf("failed to read image config: %w", err)
	}
	cfg := cf.Config
	cfg.Labels = mergeLabels(cfg.Labels, def.Labels)
	cfg.Env = mergeEnv(cfg.Env, def.Env)
	img, err = mutate.Config(img, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to set image config: %w", err)
	}

	if err := remote.Write(tag, img, opts...); err != nil {
		return "", fmt.Errorf("failed to push image %s: %w", tag, err)
	}
	d, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to compute image digest: %w", err)
	}
	return tag.Context().Digest(d.String()).String(), nil
}

func isNotFound(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == http.StatusNotFound
	}
	return false
}

// layerTarball writes files in path order with fixed metadata so equal
// definitions produce byte-identical layers.
func layerTarball(files []File) ([]byte, error) {
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	epoch := time.Unix(0, 0).UTC()
	dirs := map[string]bool{}

	for _, f := range sorted {
		rel := strings.TrimPrefix(path.Clean("/"+f.Path), "/")
		for _, dir := range parents(rel) {
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			}); err != nil {
				return nil, fmt.Errorf("failed to write layer: %w", err)
			}
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     rel,
			Mode:     mode,
			Size:     int64(len(f.Content)),
			ModTime:  epoch,
			Format:   tar.FormatPAX,
		}); err != nil {
			return nil, fmt.Errorf("failed to write layer: %w", err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to write layer: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to write layer: %w", err)
	}
	return buf.Bytes(), nil
}

func parents(rel string) []string {
	var out []string
	dir := path.Dir(rel)
	for dir != "." && dir != "/" {
		out = append([]string{dir}, out...)
		dir = path.Dir(dir)
	}
	return out
}

func mergeLabels(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// mergeEnv lets extra override base entries with the same key.
func mergeEnv(base, extra []string) []string {
	keys := map[string]bool{}
	for _, kv := range extra {
		k, _, _ := strings.Cut(kv, "=")
		keys[k] = true
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if !keys[k] {
			out = append(out, kv)
		}
	}
	return append(out, extra...)
}
