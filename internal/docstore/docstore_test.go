package docstore

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-weightscope/internal/config"
	"github.com/23skdu/longbow-weightscope/internal/stats"
)

func sampleReport() *stats.Report {
	return &stats.Report{
		ModelName: "mlp",
		Names:     []string{"dense/kernel:0", "dense/bias:0"},
		Shapes:    [][]int{{2, 3}, {3}},
		DTypes:    []string{"float32", "float32"},
		Records: []stats.Record{
			stats.Describe([]float64{0, 0, 0, 1, 2, 4, 4, 4}),
			stats.Describe([]float64{0.25, 0.25, 0.25}),
		},
	}
}

func TestFromReportColumns(t *testing.T) {
	r := sampleReport()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	doc := FromReport(r, ts, "run-1")

	assert.Equal(t, "mlp", doc.ModelName)
	assert.Equal(t, "run-1", doc.RunID)
	assert.Equal(t, time.UTC, doc.Timestamp.Location())
	assert.True(t, doc.Timestamp.Equal(ts))
	assert.Equal(t, r.Names, doc.Weights.Names)
	assert.Len(t, doc.Weights.Means, 2)
	assert.Equal(t, []float64{0.5, 3.5}, doc.Weights.Modes[0])
	assert.Equal(t, 0.0, doc.Weights.Variances[1])
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink := NewMemory()
	require.NoError(t, sink.Ping(ctx))

	start := time.Now().UTC().Truncate(time.Millisecond)
	r := sampleReport()
	require.NoError(t, sink.Insert(ctx, FromReport(r, time.Now(), "run-1")))
	end := time.Now().UTC()

	got, err := sink.Latest(ctx, "mlp")
	require.NoError(t, err)

	assert.False(t, got.Timestamp.Before(start), "timestamp %v before %v", got.Timestamp, start)
	assert.False(t, got.Timestamp.After(end), "timestamp %v after %v", got.Timestamp, end)
	assert.Equal(t, r.Names, got.Weights.Names)
	assert.Equal(t, r.Shapes, got.Weights.Shapes)
	assert.Equal(t, r.DTypes, got.Weights.DTypes)

	recs := got.Records()
	require.Len(t, recs, len(r.Records))
	for i, want := range r.Records {
		have := recs[i]
		assert.Equal(t, want.Min, have.Min)
		assert.Equal(t, want.Max, have.Max)
		assert.Equal(t, want.Mean, have.Mean)
		assert.Equal(t, want.Quantile25, have.Quantile25)
		assert.Equal(t, want.Median, have.Median)
		assert.Equal(t, want.Quantile75, have.Quantile75)
		assert.Equal(t, want.IQR, have.IQR)
		assert.Equal(t, want.Modes, have.Modes)
		assert.Equal(t, want.Variance, have.Variance)
		assert.Equal(t, want.MAD, have.MAD)
		assertSameFloat(t, want.Skewness, have.Skewness)
		assertSameFloat(t, want.Kurtosis, have.Kurtosis)
	}
}

func assertSameFloat(t *testing.T, want, have float64) {
	t.Helper()
	if math.IsNaN(want) {
		assert.True(t, math.IsNaN(have), "expected NaN, got %v", have)
		return
	}
	assert.Equal(t, want, have)
}

func TestMemoryLatestPicksNewest(t *testing.T) {
	ctx := context.Background()
	sink := NewMemory()

	r := sampleReport()
	require.NoError(t, sink.Insert(ctx, FromReport(r, time.Now(), "first")))
	require.NoError(t, sink.Insert(ctx, FromReport(r, time.Now(), "second")))
	assert.Equal(t, 2, sink.Len())

	got, err := sink.Latest(ctx, "mlp")
	require.NoError(t, err)
	assert.Equal(t, "second", got.RunID)

	_, err = sink.Latest(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	sink := NewMemory()
	require.NoError(t, sink.Close(ctx))

	assert.Error(t, sink.Ping(ctx))
	assert.Error(t, sink.Insert(ctx, FromReport(sampleReport(), time.Now(), "")))
}

func TestOpenMemory(t *testing.T) {
	cfg := config.Default()
	cfg.MongoURI = "memory://"

	sink, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	_, ok := sink.(*Memory)
	assert.True(t, ok, "expected *Memory, got %T", sink)
}
