package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fslongjin/sandboxd/pkg/model"
)

// Manifest is the tool manifest baked into the sandbox image.
type Manifest struct {
	Hash     string                 `json:"hash"`
	ToolsDir string                 `json:"tools_dir"`
	Tools    []model.ToolDescriptor `json:"tools"`
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse tool manifest: %w", err)
	}
	if m.ToolsDir == "" {
		m.ToolsDir = filepath.Join(filepath.Dir(path), "tools")
	}
	return &m, nil
}

// Resolve maps an action name to the module file that defines it. Names
// may be bare ("add") or qualified by module ("calc.py:add").
func (m *Manifest) Resolve(name string) (model.ToolDescriptor, string, bool) {
	for _, t := range m.Tools {
		if t.Name == name || t.Module+":"+t.Name == name {
			return t, filepath.Join(m.ToolsDir, filepath.FromSlash(t.Module)), true
		}
	}
	return model.ToolDescriptor{}, "", false
}
