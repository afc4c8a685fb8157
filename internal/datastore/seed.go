package datastore

import (
	"fmt"
	"os"

	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/pkg/model"
	"gopkg.in/yaml.v3"
)

// Population is the initial database population file loaded at group start.
//
//	vector:
//	  - namespace: docs
//	    documents:
//	      - {id: d1, content: "...", embedding: [0.1, 0.2]}
//	graph:
//	  - namespace: kg
//	    nodes: [{id: a, label: person}]
//	    edges: [{source: a, target: b, relation: knows}]
type Population struct {
	Vector []VectorSeed `yaml:"vector"`
	Graph  []GraphSeed  `yaml:"graph"`
}

type VectorSeed struct {
	Namespace string           `yaml:"namespace"`
	Documents []VectorDocument `yaml:"documents"`
}

type GraphSeed struct {
	Namespace string            `yaml:"namespace"`
	Nodes     []store.GraphNode `yaml:"nodes"`
	Edges     []store.GraphEdge `yaml:"edges"`
}

// LoadPopulation reads and checks a population file.
func LoadPopulation(path string) (*Population, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewConfigurationError("failed to read population file %s: %v", path, err)
	}
	var p Population
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, model.NewConfigurationError("failed to parse population file %s: %v", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Population) Validate() error {
	for i, v := range p.Vector {
		if v.Namespace == "" {
			return model.NewConfigurationError("vector seed %d has no namespace", i)
		}
	}
	for i, g := range p.Graph {
		if g.Namespace == "" {
			return model.NewConfigurationError("graph seed %d has no namespace", i)
		}
	}
	return nil
}

// CheckGranted rejects seeds for namespaces that no grant in access names.
func (p *Population) CheckGranted(access []model.DatabaseAccess) error {
	granted := func(t model.DatabaseType, ns string) bool {
		for _, g := range access {
			if g.DatabaseType != t {
				continue
			}
			for _, n := range g.Namespaces {
				if n == ns {
					return true
				}
			}
		}
		return false
	}
	for _, v := range p.Vector {
		if !granted(model.DatabaseVector, v.Namespace) {
			return model.NewConfigurationError("population seeds vector namespace %q outside database_access", v.Namespace)
		}
	}
	for _, g := range p.Graph {
		if !granted(model.DatabaseGraph, g.Namespace) {
			return model.NewConfigurationError("population seeds graph namespace %q outside database_access", g.Namespace)
		}
	}
	return nil
}

func (p *Population) String() string {
	docs, nodes, edges := 0, 0, 0
	for _, v := range p.Vector {
		docs += len(v.Documents)
	}
	for _, g := range p.Graph {
		nodes += len(g.Nodes)
		edges += len(g.Edges)
	}
	return fmt.Sprintf("%d vector docs, %d nodes, %d edges", docs, nodes, edges)
}
