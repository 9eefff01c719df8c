package session

import (
	"log/slog"

	"govstream/internal/adapter/stream"
	"govstream/internal/domain"
	"govstream/internal/infra/config"
)

// Feature names.
const (
	FeatureWarmup     = "warmup"
	FeatureRefinement = "refinement"
)

// Feature pairs an endpoint resolver with the mapper that reads its payloads.
// Framing, dispatch and the state machine are shared by every feature.
type Feature struct {
	Name     string
	Resolver domain.EndpointResolver
	Mapper   domain.EventMapper
}

// Warmup is the model warm-up feature streaming from path.
func Warmup(path string) Feature {
	if path == "" {
		path = config.Defaults().Features.WarmupPath
	}
	return Feature{Name: FeatureWarmup, Resolver: stream.PathTemplate(path), Mapper: stream.WarmupMapper}
}

// Refinement is the AI refinement feature streaming from path.
func Refinement(path string) Feature {
	if path == "" {
		path = config.Defaults().Features.RefinementPath
	}
	return Feature{Name: FeatureRefinement, Resolver: stream.PathTemplate(path), Mapper: stream.RefinementMapper}
}

// NewWarmup creates the warm-up controller from configuration.
func NewWarmup(cfg *config.Config, fetcher domain.Fetcher, logger *slog.Logger) *Controller {
	return NewController(Warmup(cfg.Features.WarmupPath), fetcher, cfg.Stream.BaseURL, cfg.Stream.MaxFrameSize, logger)
}

// NewRefinement creates the refinement controller from configuration.
func NewRefinement(cfg *config.Config, fetcher domain.Fetcher, logger *slog.Logger) *Controller {
	return NewController(Refinement(cfg.Features.RefinementPath), fetcher, cfg.Stream.BaseURL, cfg.Stream.MaxFrameSize, logger)
}
