package imagebuild

import (
	"context"
	"time"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/tooltree"
	"github.com/fslongjin/sandboxd/pkg/model"
	"golang.org/x/sync/singleflight"
)

const defaultBuildTimeout = 10 * time.Minute

// CacheStore persists built artifact references across restarts.
type CacheStore interface {
	GetImage(ctx context.Context, key string) (string, bool, error)
	PutImage(ctx context.Context, key, hash, ref string, builtAt time.Time) error
}

// Service deduplicates builds: at most one build per (base, tool hash) runs at
// a time across all callers, and a finished artifact is reused.
type Service struct {
	base       BaseTemplate
	repository string
	builder    Builder
	cache      CacheStore
	metrics    *metrics.Metrics
	timeout    time.Duration

	group singleflight.Group
}

type ServiceOptions struct {
	Base         BaseTemplate
	Repository   string
	Builder      Builder
	Cache        CacheStore
	Metrics      *metrics.Metrics
	BuildTimeout time.Duration
}

func NewService(opts ServiceOptions) *Service {
	timeout := opts.BuildTimeout
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	return &Service{
		base:       opts.Base,
		repository: opts.Repository,
		builder:    opts.Builder,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		timeout:    timeout,
	}
}

// Ensure returns the image reference for the tree, building it if needed.
// A caller that gives up does not cancel a build other callers wait on.
func (s *Service) Ensure(ctx context.Context, tree *tooltree.Tree) (string, error) {
	def, err := Synthesize(s.base, s.repository, tree)
	if err != nil {
		return "", err
	}
	key := def.Base + "|" + def.Hash
	logger := logx.LoggerWithRequestID(ctx).With("component", "image_service", "tools_hash", def.Hash)

	ch := s.group.DoChan(key, func() (interface{}, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.build(buildCtx, key, def)
	})

	select {
	case <-ctx.Done():
		return "", model.NewToolError(ctx.Err(), "image build for tools %s abandoned", def.Hash)
	case res := <-ch:
		if res.Err != nil {
			logger.Warn("image build failed", "error", res.Err)
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Service) build(ctx context.Context, key string, def Definition) (string, error) {
	logger := logx.LoggerWithRequestID(ctx).With("component", "image_service", "tools_hash", def.Hash)

	if s.cache != nil {
		ref, ok, err := s.cache.GetImage(ctx, key)
		if err != nil {
			logger.Warn("image cache lookup failed", "error", err)
		} else if ok {
			s.metrics.Build("cached", 0)
			return ref, nil
		}
	}

	start := time.Now()
	ref, err := s.builder.Build(ctx, def)
	if err != nil {
		s.metrics.Build("failed", time.Since(start))
		return "", model.NewToolError(err, "failed to build image %s", def.Tag)
	}
	s.metrics.Build("built", time.Since(start))
	logger.Info("image ready", "image", ref, "took_ms", time.Since(start).Milliseconds())

	if s.cache != nil {
		if err := s.cache.PutImage(ctx, key, def.Hash, ref, time.Now().UTC()); err != nil {
			logger.Warn("failed to record image in cache", "error", err)
		}
	}
	return ref, nil
}
