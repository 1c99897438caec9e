package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-weightscope/internal/arrow_client"
	"github.com/23skdu/longbow-weightscope/internal/gguf"
	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/model"
	"github.com/23skdu/longbow-weightscope/internal/ollama"
)

const flightPrefix = "flight:"

// modelSpec is one positional argument: an optional name override plus the
// location of the model.
type modelSpec struct {
	Name     string
	Location string
}

// parseSpec splits "name=location". A '=' inside a path is kept.
func parseSpec(arg string) (modelSpec, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return modelSpec{}, fmt.Errorf("empty model spec")
	}
	if name, loc, ok := strings.Cut(arg, "="); ok && name != "" && !strings.ContainsAny(name, `/\`) {
		if loc == "" {
			return modelSpec{}, fmt.Errorf("model spec %q has no location", arg)
		}
		return modelSpec{Name: name, Location: loc}, nil
	}
	return modelSpec{Location: arg}, nil
}

type sourceKind int

const (
	kindGGUF sourceKind = iota
	kindArrow
	kindFlight
	kindOllama
)

func (s modelSpec) kind() sourceKind {
	if strings.HasPrefix(s.Location, flightPrefix) {
		return kindFlight
	}
	switch strings.ToLower(filepath.Ext(s.Location)) {
	case ".gguf":
		return kindGGUF
	case ".arrow", ".ipc", ".feather":
		return kindArrow
	}
	return kindOllama
}

// sources resolves model specs to loaders. The flight client is connected
// lazily on the first flight spec and must be closed by the caller.
type sources struct {
	flightAddr string
	log        *logger.Logger

	flight   *arrow_client.FlightClient
	resolver *ollama.Resolver
}

func (s *sources) open(ctx context.Context, spec modelSpec) (model.Source, error) {
	switch spec.kind() {
	case kindGGUF:
		return gguf.NewSource(spec.Location, spec.Name, s.log), nil
	case kindArrow:
		return arrow_client.FileSource{Path: spec.Location, Name: spec.Name}, nil
	case kindFlight:
		if s.flight == nil {
			fc := arrow_client.NewFlightClient(s.flightAddr, s.log)
			if err := fc.Connect(ctx); err != nil {
				return nil, err
			}
			s.flight = fc
		}
		name := strings.TrimPrefix(spec.Location, flightPrefix)
		return renamed{arrow_client.FlightSource{Client: s.flight, Name: name}, spec.Name}, nil
	default:
		if s.resolver == nil {
			r, err := ollama.NewResolver(s.log)
			if err != nil {
				return nil, fmt.Errorf("ollama models dir: %w", err)
			}
			s.resolver = r
		}
		src, err := s.resolver.Source(spec.Location)
		if err != nil {
			return nil, err
		}
		if spec.Name != "" {
			src.Name = spec.Name
		}
		return src, nil
	}
}

func (s *sources) Close() error {
	if s.flight != nil {
		return s.flight.Close()
	}
	return nil
}

// renamed overrides the name of a loaded model.
type renamed struct {
	model.Source
	name string
}

func (r renamed) Load(ctx context.Context) (*model.Model, error) {
	m, err := r.Source.Load(ctx)
	if err != nil {
		return nil, err
	}
	if r.name != "" {
		m.Name = r.name
	}
	return m, nil
}

// loadModels loads every spec in order.
func loadModels(ctx context.Context, srcs *sources, args []string) ([]*model.Model, error) {
	models := make([]*model.Model, 0, len(args))
	for _, arg := range args {
		spec, err := parseSpec(arg)
		if err != nil {
			return nil, err
		}
		src, err := srcs.open(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", arg, err)
		}
		m, err := src.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", arg, err)
		}
		srcs.log.Info("model loaded", "model", m.Name, "tensors", len(m.Parameters), "parameters", m.NumParameters())
		models = append(models, m)
	}
	return models, nil
}
