// Package store coordinates the weight-analysis pipeline: serialize, plot,
// analyse and persist a batch of models.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/23skdu/longbow-weightscope/internal/config"
	"github.com/23skdu/longbow-weightscope/internal/docstore"
	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/model"
	"github.com/23skdu/longbow-weightscope/internal/plotter"
	"github.com/23skdu/longbow-weightscope/internal/serializer"
	"github.com/23skdu/longbow-weightscope/internal/stats"
)

var (
	// ErrAlreadyInitialized is returned by New once the process store exists.
	ErrAlreadyInitialized = errors.New("store already initialized, use GetOrCreate")
	// ErrSinkUnreachable wraps the ping failure at construction.
	ErrSinkUnreachable = errors.New("cannot reach persistence sink")
	// ErrEmptyBatch is returned by ProcessBatch for an empty model list.
	ErrEmptyBatch = errors.New("batch contains no models")
)

type Flattener interface {
	Flatten(m *model.Model) ([][]float64, serializer.Metadata, error)
}

type Plotter interface {
	Plot(modelName string, samples [][]float64, md serializer.Metadata) error
}

type Analyser interface {
	Process(modelName string, in stats.Input) (*stats.Report, error)
}

type Sink interface {
	Ping(ctx context.Context) error
	Insert(ctx context.Context, doc docstore.Document) error
	Close(ctx context.Context) error
}

var (
	instanceMu sync.Mutex
	instance   *Store
)

// Store owns the sink connection and the pipeline components. There is at
// most one per process.
type Store struct {
	cfg       config.Config
	log       *logger.Logger
	flattener Flattener
	plotter   Plotter
	analyser  Analyser
	sink      Sink
	now       func() time.Time

	batchMu sync.Mutex
	last    *BatchResult
}

type Option func(*Store)

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithFlattener(f Flattener) Option {
	return func(s *Store) { s.flattener = f }
}

func WithPlotter(p Plotter) Option {
	return func(s *Store) { s.plotter = p }
}

func WithAnalyser(a Analyser) Option {
	return func(s *Store) { s.analyser = a }
}

func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithClock replaces the timestamp source of persisted documents.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs the process store. It fails with ErrAlreadyInitialized if
// one already exists.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Store, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return nil, ErrAlreadyInitialized
	}
	s, err := build(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	instance = s
	return s, nil
}

// GetOrCreate returns the process store, constructing it on first use. Later
// calls ignore their arguments.
func GetOrCreate(ctx context.Context, cfg config.Config, opts ...Option) (*Store, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}
	s, err := build(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	instance = s
	return s, nil
}

func build(ctx context.Context, cfg config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Store{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.New(os.Stderr, cfg.Verbose, cfg.LogFormat)
	}
	if s.flattener == nil {
		s.flattener = serializer.New(s.log)
	}
	if s.analyser == nil {
		s.analyser = stats.NewAnalyser(s.log)
	}
	if s.plotter == nil {
		p, err := plotter.New(cfg.PlotDir, cfg.CreatePlotDir, s.log)
		if err != nil {
			return nil, err
		}
		s.plotter = p
	}
	if s.sink == nil {
		sink, err := docstore.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSinkUnreachable, err)
		}
		s.sink = sink
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := s.sink.Ping(pingCtx); err != nil {
		_ = s.sink.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrSinkUnreachable, err)
	}
	s.log.Info("store ready", "database", cfg.Database, "collection", cfg.Collection, "plots", cfg.PlotDir)
	return s, nil
}

func (s *Store) Config() config.Config {
	return s.cfg
}

// Sink exposes the persistence sink, e.g. to read documents back.
func (s *Store) Sink() Sink {
	return s.sink
}

// Close releases the sink connection. The store stays the process store.
func (s *Store) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}

// LastResult returns the outcome of the most recent ProcessBatch call.
func (s *Store) LastResult() *BatchResult {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return s.last
}

// resetForTest drops the process store so tests can build a fresh one.
func resetForTest() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}
