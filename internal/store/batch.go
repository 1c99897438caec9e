package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-weightscope/internal/config"
	"github.com/23skdu/longbow-weightscope/internal/docstore"
	"github.com/23skdu/longbow-weightscope/internal/metrics"
	"github.com/23skdu/longbow-weightscope/internal/model"
	"github.com/23skdu/longbow-weightscope/internal/serializer"
	"github.com/23skdu/longbow-weightscope/internal/stats"
)

const (
	StageSerialize = "serialize"
	StagePlot      = "plot"
	StageAnalyse   = "analyse"
	StagePersist   = "persist"
)

// SkippedModel names a model dropped from a batch under the skip policy.
type SkippedModel struct {
	Model string `json:"model"`
	Stage string `json:"stage"`
	Err   error  `json:"-"`
}

// BatchError is returned when at least one model was skipped.
type BatchError struct {
	Skipped []SkippedModel
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Skipped))
	for i, sk := range e.Skipped {
		parts[i] = fmt.Sprintf("%s (%s: %v)", sk.Model, sk.Stage, sk.Err)
	}
	return fmt.Sprintf("%d model(s) skipped: %s", len(e.Skipped), strings.Join(parts, "; "))
}

// BatchResult summarises one ProcessBatch call.
type BatchResult struct {
	RunID     string         `json:"run_id"`
	Started   time.Time      `json:"started"`
	Duration  time.Duration  `json:"duration"`
	Persisted []string       `json:"persisted"`
	Skipped   []SkippedModel `json:"skipped,omitempty"`
}

type job struct {
	model   *model.Model
	samples [][]float64
	md      serializer.Metadata
	report  *stats.Report

	failed bool
}

func (j *job) name() string {
	if j.model == nil {
		return "<nil>"
	}
	return j.model.Name
}

// ProcessBatch runs the four stages in order. Every stage finishes for all
// models before the next one starts.
func (s *Store) ProcessBatch(ctx context.Context, models []*model.Model) error {
	if len(models) == 0 {
		return ErrEmptyBatch
	}
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	res := &BatchResult{RunID: uuid.NewString(), Started: s.now().UTC()}
	metrics.RecordBatch(len(models))

	jobs := make([]*job, len(models))
	for i, m := range models {
		jobs[i] = &job{model: m}
	}

	run := batchRun{store: s, result: res}
	err := run.execute(ctx, jobs)

	res.Duration = s.now().Sub(res.Started)
	s.last = res

	if err != nil {
		return err
	}
	if len(res.Skipped) > 0 {
		return &BatchError{Skipped: res.Skipped}
	}
	return nil
}

type batchRun struct {
	store  *Store
	result *BatchResult
	mu     sync.Mutex
}

func (r *batchRun) execute(ctx context.Context, jobs []*job) error {
	s := r.store
	n := len(jobs)

	s.log.Header(fmt.Sprintf("%d models are being processed now!", n))
	count := 0
	if err := r.stage(ctx, StageSerialize, jobs, false, func(_ context.Context, j *job) error {
		samples, md, err := s.flattener.Flatten(j.model)
		if err != nil {
			return err
		}
		j.samples, j.md = samples, md
		count++
		s.log.Info(fmt.Sprintf("%d model serializations have been finished...", count), "model", j.name())
		return nil
	}); err != nil {
		return err
	}
	s.log.Info(fmt.Sprintf("%d models have been processed now...", n))

	s.log.Header("Plotting will start now!")
	if err := r.stage(ctx, StagePlot, jobs, true, func(_ context.Context, j *job) error {
		return s.plotter.Plot(j.model.Name, j.samples, j.md)
	}); err != nil {
		return err
	}

	s.log.Header("Statistics will be computed now!")
	if err := r.stage(ctx, StageAnalyse, jobs, true, func(_ context.Context, j *job) error {
		rep, err := s.analyser.Process(j.model.Name, stats.Input{Metadata: j.md, Samples: j.samples})
		if err != nil {
			return err
		}
		j.report = rep
		return nil
	}); err != nil {
		return err
	}

	s.log.Header("Results will be stored now!")
	return r.stage(ctx, StagePersist, jobs, false, func(ctx context.Context, j *job) error {
		doc := docstore.FromReport(j.report, s.now(), r.result.RunID)
		if err := s.sink.Insert(ctx, doc); err != nil {
			return err
		}
		metrics.RecordDocumentPersisted()
		metrics.RecordModelOutcome("persisted")
		r.result.Persisted = append(r.result.Persisted, j.model.Name)
		s.log.Info("document persisted", "model", j.model.Name, "run_id", r.result.RunID)
		return nil
	})
}

// stage applies fn to every live job. With parallel set and more than one
// worker configured, jobs run concurrently up to the worker limit; the call
// still returns only once all of them are done.
func (r *batchRun) stage(ctx context.Context, name string, jobs []*job, parallel bool, fn func(context.Context, *job) error) error {
	start := time.Now()
	defer func() {
		metrics.RecordStageDuration(name, time.Since(start))
	}()

	live := make([]*job, 0, len(jobs))
	for _, j := range jobs {
		if !j.failed {
			live = append(live, j)
		}
	}

	workers := r.store.cfg.Workers
	if !parallel || workers <= 1 || len(live) <= 1 {
		for _, j := range live {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, j); err != nil {
				if ferr := r.fail(name, j, err); ferr != nil {
					return ferr
				}
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, j := range live {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(gctx, j); err != nil {
				return r.fail(name, j, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// fail applies the failure policy. Under abort it returns the error that
// stops the batch; under skip it records the model and returns nil.
func (r *batchRun) fail(stage string, j *job, err error) error {
	s := r.store
	metrics.RecordModelOutcome("failed")
	if s.cfg.FailurePolicy == config.FailAbort {
		s.log.Error("batch aborted", "model", j.name(), "stage", stage, "error", err.Error())
		return fmt.Errorf("%s %s: %w", stage, j.name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	j.failed = true
	r.result.Skipped = append(r.result.Skipped, SkippedModel{Model: j.name(), Stage: stage, Err: err})
	s.log.Error("model skipped", "model", j.name(), "stage", stage, "error", err.Error())
	return nil
}
