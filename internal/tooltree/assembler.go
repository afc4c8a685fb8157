package tooltree

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fslongjin/sandboxd/pkg/model"
)

const moduleExt = ".py"

// FunctionRef names one function of one module, e.g. "web/search.py:fetch".
type FunctionRef struct {
	Module string
	Name   string
}

func (r FunctionRef) String() string { return r.Module + ":" + r.Name }

// Selection is the caller's tool request. An empty selection means every tool.
type Selection struct {
	Paths     []string
	Functions []FunctionRef
}

func (s Selection) Empty() bool { return len(s.Paths) == 0 && len(s.Functions) == 0 }

// ParseSelection turns tool references into a selection. "mod.py:fn" is a
// function reference, anything else a file or directory path.
func ParseSelection(tools []string) (Selection, error) {
	var sel Selection
	for _, raw := range tools {
		ref := strings.TrimSpace(raw)
		if ref == "" {
			return Selection{}, model.NewConfigurationError("empty tool reference")
		}
		if mod, fn, ok := strings.Cut(ref, ":"); ok {
			if mod == "" || fn == "" {
				return Selection{}, model.NewConfigurationError("invalid function reference %q", ref)
			}
			sel.Functions = append(sel.Functions, FunctionRef{Module: mod, Name: fn})
			continue
		}
		sel.Paths = append(sel.Paths, ref)
	}
	return sel, nil
}

// Assembler prunes the tools root down to a selection.
type Assembler struct {
	root string
}

func NewAssembler(root string) *Assembler {
	return &Assembler{root: root}
}

func (a *Assembler) Root() string { return a.root }

type scanned struct {
	path     string
	preamble string
	funcs    []Function
}

// Assemble returns the tree of modules holding at least one selected function.
func (a *Assembler) Assemble(sel Selection) (*Tree, error) {
	modules, err := a.scan()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*scanned, len(modules))
	for _, m := range modules {
		byPath[m.path] = m
	}

	// nil inner map means every function of the module.
	retained := map[string]map[string]bool{}
	if sel.Empty() {
		for _, m := range modules {
			retained[m.path] = nil
		}
	}
	for _, p := range sel.Paths {
		rel, err := a.relative(p)
		if err != nil {
			return nil, err
		}
		matched := false
		for _, m := range modules {
			if rel != "." && m.path != rel && !strings.HasPrefix(m.path, rel+"/") {
				continue
			}
			if len(m.funcs) == 0 {
				continue
			}
			retained[m.path] = nil
			matched = true
		}
		if !matched {
			return nil, model.NewToolError(nil, "tool path %q does not resolve to any function", p)
		}
	}
	for _, ref := range sel.Functions {
		rel, err := a.relative(ref.Module)
		if err != nil {
			return nil, err
		}
		m, ok := byPath[rel]
		if !ok || !hasFunction(m, ref.Name) {
			return nil, model.NewToolError(nil, "tool function %q does not resolve to any function", ref.String())
		}
		set, seen := retained[rel]
		if seen && set == nil {
			continue
		}
		if set == nil {
			set = map[string]bool{}
			retained[rel] = set
		}
		set[ref.Name] = true
	}

	tree := &Tree{Root: &Dir{}}
	for _, m := range modules {
		set, ok := retained[m.path]
		if !ok {
			continue
		}
		var keep []Function
		for _, fn := range m.funcs {
			if set == nil || set[fn.Name] {
				keep = append(keep, fn)
			}
		}
		if len(keep) == 0 {
			continue
		}
		tree.add(m.path, &Module{Preamble: m.preamble, Functions: keep})
	}
	return tree, nil
}

// Catalog lists every function under the root.
func (a *Assembler) Catalog() ([]model.ToolDescriptor, error) {
	tree, err := a.Assemble(Selection{})
	if err != nil {
		return nil, err
	}
	return tree.Functions(), nil
}

func (a *Assembler) scan() ([]*scanned, error) {
	var out []*scanned
	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != a.root && (strings.HasPrefix(name, ".") || name == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(name) != moduleExt {
			return nil
		}
		src, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		preamble, funcs, err := ScanModule(src)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		out = append(out, &scanned{path: filepath.ToSlash(rel), preamble: preamble, funcs: funcs})
		return nil
	})
	if err != nil {
		return nil, model.NewToolError(err, "failed to scan tools root %s", a.root)
	}
	return out, nil
}

// relative maps a reference to a slash path under the root, rejecting escapes.
func (a *Assembler) relative(ref string) (string, error) {
	p := filepath.FromSlash(ref)
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return "", model.NewToolError(err, "tool path %q is outside the tools root", ref)
		}
		p = rel
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", model.NewToolError(nil, "tool path %q is outside the tools root", ref)
	}
	return strings.TrimSuffix(clean, "/"), nil
}

func hasFunction(m *scanned, name string) bool {
	for _, fn := range m.funcs {
		if fn.Name == name {
			return true
		}
	}
	return false
}
