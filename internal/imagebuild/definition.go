// Package imagebuild turns a tool tree into an immutable sandbox image.
package imagebuild

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fslongjin/sandboxd/internal/tooltree"
	"github.com/fslongjin/sandboxd/pkg/model"
)

const (
	LabelToolsHash = "io.sandboxd.tools.hash"
	LabelBaseImage = "io.sandboxd.base.image"

	EnvToolsDir      = "SANDBOX_TOOLS_DIR"
	EnvToolsManifest = "SANDBOX_TOOLS_MANIFEST"
)

// BaseTemplate describes the shared base sandbox image.
type BaseTemplate struct {
	Image        string
	ToolsDir     string
	ManifestPath string
	Labels       map[string]string
	Env          []string
}

// File is one regular file added on top of the base image.
type File struct {
	Path    string
	Mode    int64
	Content []byte
}

// Definition is everything the builder needs; it holds no reference to the
// tools root on disk.
type Definition struct {
	Base   string
	Tag    string
	Hash   string
	Files  []File
	Labels map[string]string
	Env    []string
}

// Manifest is written next to the tools so the sandbox agent can resolve actions.
type Manifest struct {
	Hash     string                 `json:"hash"`
	ToolsDir string                 `json:"tools_dir"`
	Tools    []model.ToolDescriptor `json:"tools"`
}

// Synthesize layers the tree onto the base template. It is a pure function
// of its inputs; base is never modified.
func Synthesize(base BaseTemplate, repository string, tree *tooltree.Tree) (Definition, error) {
	if base.Image == "" {
		return Definition{}, model.NewConfigurationError("base image is required")
	}
	if repository == "" {
		return Definition{}, model.NewConfigurationError("image repository is required")
	}
	if tree.Empty() {
		return Definition{}, model.NewToolError(nil, "tool selection is empty")
	}
	toolsDir := base.ToolsDir
	if toolsDir == "" {
		toolsDir = "/opt/sandbox/tools"
	}
	manifestPath := base.ManifestPath
	if manifestPath == "" {
		manifestPath = path.Join(path.Dir(toolsDir), "tools.json")
	}

	digest, err := tooltree.Hash(tree)
	if err != nil {
		return Definition{}, model.NewToolError(err, "failed to hash tool tree")
	}

	var files []File
	for _, mf := range tree.Modules() {
		files = append(files, File{
			Path:    path.Join(toolsDir, mf.Path),
			Mode:    0o644,
			Content: mf.Module.Render(),
		})
	}
	manifest, err := json.MarshalIndent(Manifest{
		Hash:     digest.String(),
		ToolsDir: toolsDir,
		Tools:    tree.Functions(),
	}, "", "  ")
	if err != nil {
		return Definition{}, fmt.Errorf("failed to encode tool manifest: %w", err)
	}
	files = append(files, File{Path: manifestPath, Mode: 0o644, Content: manifest})
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	labels := make(map[string]string, len(base.Labels)+2)
	for k, v := range base.Labels {
		labels[k] = v
	}
	labels[LabelToolsHash] = digest.String()
	labels[LabelBaseImage] = base.Image

	env := make([]string, 0, len(base.Env)+2)
	env = append(env, base.Env...)
	env = append(env, EnvToolsDir+"="+toolsDir, EnvToolsManifest+"="+manifestPath)

	return Definition{
		Base:   base.Image,
		Tag:    fmt.Sprintf("%s:tools-%s", strings.TrimSuffix(repository, "/"), digest.Short()),
		Hash:   digest.String(),
		Files:  files,
		Labels: labels,
		Env:    env,
	}, nil
}
