// Package tooltree assembles the pruned tool source tree baked into a sandbox image.
package tooltree

import (
	"path"
	"sort"
	"strings"

	"github.com/fslongjin/sandboxd/pkg/model"
)

// Function is one top-level tool function with its literal source.
type Function struct {
	Name      string `cbor:"name"`
	Signature string `cbor:"signature"`
	Source    string `cbor:"source"`
}

// Module is a retained tool module.
type Module struct {
	Name      string     `cbor:"name"`
	Preamble  string     `cbor:"preamble,omitempty"`
	Functions []Function `cbor:"functions"`
}

// Dir is a directory with at least one retained descendant.
type Dir struct {
	Name    string    `cbor:"name"`
	Dirs    []*Dir    `cbor:"dirs,omitempty"`
	Modules []*Module `cbor:"modules,omitempty"`
}

// Tree is the pruned tool hierarchy rooted at the tools root.
type Tree struct {
	Root *Dir
}

// ModuleFile is a module with its slash separated path relative to the root.
type ModuleFile struct {
	Path   string
	Module *Module
}

func (t *Tree) Empty() bool {
	return t == nil || t.Root == nil || (len(t.Root.Dirs) == 0 && len(t.Root.Modules) == 0)
}

// Modules lists every retained module ordered by path.
func (t *Tree) Modules() []ModuleFile {
	if t.Empty() {
		return nil
	}
	var out []ModuleFile
	var walk func(prefix string, d *Dir)
	walk = func(prefix string, d *Dir) {
		for _, m := range d.Modules {
			out = append(out, ModuleFile{Path: path.Join(prefix, m.Name), Module: m})
		}
		for _, sub := range d.Dirs {
			walk(path.Join(prefix, sub.Name), sub)
		}
	}
	walk("", t.Root)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Functions describes every retained function.
func (t *Tree) Functions() []model.ToolDescriptor {
	var out []model.ToolDescriptor
	for _, mf := range t.Modules() {
		for _, fn := range mf.Module.Functions {
			out = append(out, model.ToolDescriptor{Name: fn.Name, Module: mf.Path, Signature: fn.Signature})
		}
	}
	return out
}

// Render produces the source text of a pruned module.
func (m *Module) Render() []byte {
	parts := make([]string, 0, len(m.Functions)+1)
	if p := strings.TrimRight(m.Preamble, "\n"); p != "" {
		parts = append(parts, p)
	}
	for _, fn := range m.Functions {
		parts = append(parts, strings.TrimRight(fn.Source, "\n"))
	}
	return []byte(strings.Join(parts, "\n\n\n") + "\n")
}

func (d *Dir) subdir(name string) *Dir {
	for _, sub := range d.Dirs {
		if sub.Name == name {
			return sub
		}
	}
	sub := &Dir{Name: name}
	d.Dirs = append(d.Dirs, sub)
	return sub
}

// add inserts a module at a slash separated relative path.
func (t *Tree) add(rel string, m *Module) {
	if t.Root == nil {
		t.Root = &Dir{}
	}
	dir := t.Root
	parts := strings.Split(rel, "/")
	for _, p := range parts[:len(parts)-1] {
		dir = dir.subdir(p)
	}
	m.Name = parts[len(parts)-1]
	dir.Modules = append(dir.Modules, m)
}
