package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-weightscope/internal/config"
	"github.com/23skdu/longbow-weightscope/internal/docstore"
	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/model"
	"github.com/23skdu/longbow-weightscope/internal/plotter"
	"github.com/23skdu/longbow-weightscope/internal/serializer"
	"github.com/23skdu/longbow-weightscope/internal/stats"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.MongoURI = "memory://"
	cfg.PlotDir = t.TempDir()
	cfg.Verbose = false
	return cfg
}

func quiet() *logger.Logger {
	return logger.New(nil, false, "json")
}

func newStore(t *testing.T, cfg config.Config, opts ...Option) *Store {
	t.Helper()
	resetForTest()
	t.Cleanup(resetForTest)
	s, err := New(context.Background(), cfg, append([]Option{WithLogger(quiet())}, opts...)...)
	require.NoError(t, err)
	return s
}

func tinyModel(name string) *model.Model {
	return &model.Model{
		Name: name,
		Parameters: []model.ParameterTensor{
			{Name: "dense/kernel:0", Shape: []int{2, 3}, DType: "float32", Data: []float64{1, 2, 3, 4, 5, 6}},
			{Name: "dense/bias:0", Shape: []int{3}, DType: "float32", Data: []float64{0, 0.5, -0.5}},
		},
	}
}

// recorder logs every stage call in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	failOn map[string]bool
}

func (r *recorder) add(stage, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stage+":"+name)
	if r.failOn[stage+":"+name] {
		return fmt.Errorf("%s failed for %s", stage, name)
	}
	return nil
}

func (r *recorder) stageOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		for j := 0; j < len(e); j++ {
			if e[j] == ':' {
				out[i] = e[:j]
				break
			}
		}
	}
	return out
}

type recFlattener struct {
	rec   *recorder
	inner *serializer.Serializer
}

func (f recFlattener) Flatten(m *model.Model) ([][]float64, serializer.Metadata, error) {
	if err := f.rec.add(StageSerialize, m.Name); err != nil {
		return nil, serializer.Metadata{}, err
	}
	return f.inner.Flatten(m)
}

type recPlotter struct{ rec *recorder }

func (p recPlotter) Plot(name string, _ [][]float64, _ serializer.Metadata) error {
	time.Sleep(time.Millisecond)
	return p.rec.add(StagePlot, name)
}

type recAnalyser struct {
	rec   *recorder
	inner *stats.Analyser
}

func (a recAnalyser) Process(name string, in stats.Input) (*stats.Report, error) {
	if err := a.rec.add(StageAnalyse, name); err != nil {
		return nil, err
	}
	return a.inner.Process(name, in)
}

type recSink struct {
	*docstore.Memory
	rec     *recorder
	pingErr error
}

func (s *recSink) Ping(ctx context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.Memory.Ping(ctx)
}

func (s *recSink) Insert(ctx context.Context, doc docstore.Document) error {
	if err := s.rec.add(StagePersist, doc.ModelName); err != nil {
		return err
	}
	return s.Memory.Insert(ctx, doc)
}

func recordingOptions(rec *recorder, sink *recSink) []Option {
	return []Option{
		WithFlattener(recFlattener{rec: rec, inner: serializer.New(quiet())}),
		WithPlotter(recPlotter{rec: rec}),
		WithAnalyser(recAnalyser{rec: rec, inner: stats.NewAnalyser(quiet())}),
		WithSink(sink),
	}
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := GetOrCreate(ctx, cfg, WithLogger(quiet()))
	require.NoError(t, err)

	other := testConfig(t)
	other.Database = "Elsewhere"
	for i := 0; i < 3; i++ {
		s, err := GetOrCreate(ctx, other)
		require.NoError(t, err)
		assert.Same(t, first, s)
	}
	assert.Equal(t, "NNModels", first.Config().Database, "later arguments must be ignored")
}

func TestNewAfterInitializationFails(t *testing.T) {
	s := newStore(t, testConfig(t))

	_, err := New(context.Background(), testConfig(t))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	got, err := GetOrCreate(context.Background(), testConfig(t))
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)
	cfg := testConfig(t)

	var wg sync.WaitGroup
	stores := make([]*Store, 8)
	for i := range stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := GetOrCreate(context.Background(), cfg, WithLogger(quiet()))
			assert.NoError(t, err)
			stores[i] = s
		}()
	}
	wg.Wait()
	for _, s := range stores[1:] {
		assert.Same(t, stores[0], s)
	}
}

func TestUnreachableSink(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)
	sink := &recSink{Memory: docstore.NewMemory(), rec: &recorder{}, pingErr: errors.New("connection refused")}

	_, err := New(context.Background(), testConfig(t), WithLogger(quiet()), WithSink(sink))
	require.ErrorIs(t, err, ErrSinkUnreachable)

	// failed construction leaves the store uninitialized
	s, err := New(context.Background(), testConfig(t), WithLogger(quiet()))
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestMissingPlotDir(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)
	cfg := testConfig(t)
	cfg.PlotDir = filepath.Join(cfg.PlotDir, "absent")

	_, err := New(context.Background(), cfg, WithLogger(quiet()))
	assert.ErrorIs(t, err, plotter.ErrPlotDirMissing)
}

func TestProcessBatchEmpty(t *testing.T) {
	s := newStore(t, testConfig(t))
	assert.ErrorIs(t, s.ProcessBatch(context.Background(), nil), ErrEmptyBatch)
}

func assertStageBarriers(t *testing.T, order []string, models int) {
	t.Helper()
	want := []string{StageSerialize, StagePlot, StageAnalyse, StagePersist}
	require.Len(t, order, len(want)*models)
	for i, stage := range order {
		assert.Equal(t, want[i/models], stage, "event %d", i)
	}
}

func TestProcessBatchStageOrdering(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			rec := &recorder{}
			sink := &recSink{Memory: docstore.NewMemory(), rec: rec}
			cfg := testConfig(t)
			cfg.Workers = workers
			s := newStore(t, cfg, recordingOptions(rec, sink)...)

			models := []*model.Model{tinyModel("a"), tinyModel("b"), tinyModel("c")}
			require.NoError(t, s.ProcessBatch(context.Background(), models))

			assertStageBarriers(t, rec.stageOrder(), 3)
			assert.Equal(t, 3, sink.Len())

			res := s.LastResult()
			require.NotNil(t, res)
			assert.Equal(t, []string{"a", "b", "c"}, res.Persisted)
			assert.NotEmpty(t, res.RunID)
			for _, name := range res.Persisted {
				doc, err := sink.Latest(context.Background(), name)
				require.NoError(t, err)
				assert.Equal(t, res.RunID, doc.RunID)
				assert.Len(t, doc.Records(), 2)
			}
		})
	}
}

func TestProcessBatchAbortsOnFirstFailure(t *testing.T) {
	rec := &recorder{failOn: map[string]bool{"serialize:b": true}}
	sink := &recSink{Memory: docstore.NewMemory(), rec: rec}
	s := newStore(t, testConfig(t), recordingOptions(rec, sink)...)

	err := s.ProcessBatch(context.Background(), []*model.Model{tinyModel("a"), tinyModel("b"), tinyModel("c")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialize b")

	assert.Equal(t, []string{"serialize:a", "serialize:b"}, rec.events)
	assert.Equal(t, 0, sink.Len())
}

func TestProcessBatchRejectsInvalidModel(t *testing.T) {
	s := newStore(t, testConfig(t))

	bad := &model.Model{Name: "bad"}
	err := s.ProcessBatch(context.Background(), []*model.Model{tinyModel("ok"), bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidModel)
}

func TestProcessBatchSkipPolicy(t *testing.T) {
	rec := &recorder{failOn: map[string]bool{"analyse:b": true}}
	sink := &recSink{Memory: docstore.NewMemory(), rec: rec}
	cfg := testConfig(t)
	cfg.FailurePolicy = config.FailSkip
	s := newStore(t, cfg, recordingOptions(rec, sink)...)

	err := s.ProcessBatch(context.Background(), []*model.Model{tinyModel("a"), tinyModel("b"), tinyModel("c")})

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Len(t, batchErr.Skipped, 1)
	assert.Equal(t, "b", batchErr.Skipped[0].Model)
	assert.Equal(t, StageAnalyse, batchErr.Skipped[0].Stage)

	assert.Equal(t, 2, sink.Len())
	_, err = sink.Latest(context.Background(), "b")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, []string{"a", "c"}, s.LastResult().Persisted)
}

func TestProcessBatchEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2
	start := time.Now().UTC().Truncate(time.Millisecond)
	s := newStore(t, cfg)

	require.NoError(t, s.ProcessBatch(context.Background(), []*model.Model{tinyModel("mlp")}))

	for _, name := range []string{"mlp_dense_kernel_0_2x3_float32.png", "mlp_dense_bias_0_3_float32.png"} {
		_, err := os.Stat(filepath.Join(cfg.PlotDir, name))
		assert.NoError(t, err, name)
	}

	mem, ok := s.Sink().(*docstore.Memory)
	require.True(t, ok)
	doc, err := mem.Latest(context.Background(), "mlp")
	require.NoError(t, err)
	assert.Equal(t, s.LastResult().RunID, doc.RunID)
	assert.False(t, doc.Timestamp.Before(start))
	assert.Equal(t, []string{"dense/kernel:0", "dense/bias:0"}, doc.Weights.Names)
	assert.InDelta(t, 3.5, doc.Weights.Means[0], 1e-12)
	assert.InDelta(t, 0, doc.Weights.Means[1], 1e-12)
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
	last time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = c.t
	c.t = c.t.Add(c.step)
	return c.last
}

func TestProcessBatchDurationUsesClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{t: start, step: time.Hour}
	s := newStore(t, testConfig(t), WithClock(clock.now))

	require.NoError(t, s.ProcessBatch(context.Background(), []*model.Model{tinyModel("a"), tinyModel("b")}))

	res := s.LastResult()
	require.NotNil(t, res)
	assert.Equal(t, start, res.Started)
	assert.Equal(t, clock.last.Sub(start), res.Duration)
	assert.GreaterOrEqual(t, res.Duration, 2*time.Hour)

	doc, err := s.Sink().(*docstore.Memory).Latest(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, doc.Timestamp.After(start))
}
