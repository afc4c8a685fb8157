package datastore

import (
	"context"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
)

// Service owns the shared datastores of a sandbox group.
type Service struct {
	Vector *VectorStore
	Graph  *GraphEngine
}

func NewService(vector *VectorStore, graph *GraphEngine) *Service {
	return &Service{Vector: vector, Graph: graph}
}

// InitGroup creates the granted vector namespaces and loads the population
// file, if any. Seeds may only target namespaces named in access.
func (s *Service) InitGroup(ctx context.Context, access []model.DatabaseAccess, populationPath string) error {
	logger := logx.LoggerWithRequestID(ctx).With("component", "datastore")

	for _, ns := range Namespaces(access, model.DatabaseVector) {
		if err := s.Vector.Ensure(ns); err != nil {
			return err
		}
	}
	if populationPath == "" {
		return nil
	}

	pop, err := LoadPopulation(populationPath)
	if err != nil {
		return err
	}
	if err := pop.CheckGranted(access); err != nil {
		return err
	}
	for _, seed := range pop.Vector {
		if err := s.Vector.Upsert(ctx, seed.Namespace, seed.Documents); err != nil {
			return err
		}
	}
	for _, seed := range pop.Graph {
		if err := s.Graph.UpsertNodes(ctx, seed.Namespace, seed.Nodes); err != nil {
			return err
		}
		if err := s.Graph.UpsertEdges(ctx, seed.Namespace, seed.Edges); err != nil {
			return err
		}
	}
	logger.Info("datastores populated", "path", populationPath, "loaded", pop.String())
	return nil
}
