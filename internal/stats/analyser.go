// Package stats computes the per-tensor descriptive statistics of a
// flattened model.
package stats

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/metrics"
	"github.com/23skdu/longbow-weightscope/internal/serializer"
)

// madScale makes the median absolute deviation of a normal sample match its
// standard deviation (about 1.4826).
var madScale = 1 / distuv.UnitNormal.Quantile(0.75)

// Input is the serializer output for one model.
type Input struct {
	Metadata serializer.Metadata
	Samples  [][]float64
}

// Record is the statistics bundle of one tensor. Fields are NaN when the
// sample does not define them.
type Record struct {
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Mean       float64   `json:"mean"`
	Quantile25 float64   `json:"quantile25"`
	Median     float64   `json:"median"`
	Quantile75 float64   `json:"quantile75"`
	IQR        float64   `json:"iqr"`
	Modes      []float64 `json:"modes"`
	Variance   float64   `json:"variance"`
	Skewness   float64   `json:"skewness"`
	Kurtosis   float64   `json:"kurtosis"`
	MAD        float64   `json:"mad"`

	NaNCount int `json:"nan_count,omitempty"`
	InfCount int `json:"inf_count,omitempty"`
}

// Report is the analysis of one model; Records[i] describes Names[i].
type Report struct {
	ModelName string   `json:"model_name"`
	Names     []string `json:"names"`
	Shapes    [][]int  `json:"shapes"`
	DTypes    []string `json:"dtypes"`
	Records   []Record `json:"records"`
}

func (r *Report) Len() int {
	return len(r.Records)
}

type Analyser struct {
	log *logger.Logger
}

func NewAnalyser(log *logger.Logger) *Analyser {
	if log == nil {
		log = logger.Log
	}
	return &Analyser{log: log}
}

// Process computes one Record per sample. Degenerate samples produce NaN
// fields instead of an error.
func (a *Analyser) Process(modelName string, in Input) (*Report, error) {
	if err := in.Metadata.Validate(); err != nil {
		return nil, err
	}
	if len(in.Samples) != in.Metadata.Len() {
		return nil, fmt.Errorf("analyse %s: %d samples but %d metadata entries",
			modelName, len(in.Samples), in.Metadata.Len())
	}

	r := &Report{
		ModelName: modelName,
		Names:     append([]string(nil), in.Metadata.Names...),
		Shapes:    make([][]int, len(in.Metadata.Shapes)),
		DTypes:    append([]string(nil), in.Metadata.DTypes...),
		Records:   make([]Record, len(in.Samples)),
	}
	for i, s := range in.Metadata.Shapes {
		r.Shapes[i] = append([]int(nil), s...)
	}

	var nanTotal, infTotal int
	for i, sample := range in.Samples {
		rec := Describe(sample)
		if rec.NaNCount > 0 || rec.InfCount > 0 {
			a.log.Warn("non-finite values in tensor",
				"model", modelName, "tensor", r.Names[i], "nan", rec.NaNCount, "inf", rec.InfCount)
		}
		nanTotal += rec.NaNCount
		infTotal += rec.InfCount
		r.Records[i] = rec
	}
	metrics.RecordNonFinite(modelName, nanTotal, infTotal)
	a.log.Debug("analysis complete", "model", modelName, "tensors", len(r.Records))
	return r, nil
}

// Describe computes the statistics of a single sample.
func Describe(x []float64) Record {
	var rec Record
	for _, v := range x {
		switch {
		case math.IsNaN(v):
			rec.NaNCount++
		case math.IsInf(v, 0):
			rec.InfCount++
		}
	}
	if len(x) == 0 || rec.NaNCount > 0 || rec.InfCount > 0 {
		u := undefinedRecord()
		u.NaNCount, u.InfCount = rec.NaNCount, rec.InfCount
		return u
	}

	sorted := sortedCopy(x)
	rec.Min = floats.Min(x)
	rec.Max = floats.Max(x)
	rec.Mean = stat.Mean(x, nil)
	rec.Quantile25 = Quantile(sorted, 0.25)
	rec.Median = Quantile(sorted, 0.5)
	rec.Quantile75 = Quantile(sorted, 0.75)
	rec.IQR = rec.Quantile75 - rec.Quantile25

	m2 := stat.Moment(2, x, nil)
	m3 := stat.Moment(3, x, nil)
	m4 := stat.Moment(4, x, nil)
	rec.Variance = m2
	if rec.Min == rec.Max {
		// the mean of a constant sample may carry rounding error
		rec.Variance = 0
	}
	if rec.Variance == 0 {
		rec.Skewness = math.NaN()
		rec.Kurtosis = math.NaN()
	} else {
		rec.Skewness = m3 / math.Pow(m2, 1.5)
		rec.Kurtosis = m4/(m2*m2) - 3
	}

	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - rec.Median)
	}
	sort.Float64s(dev)
	rec.MAD = Quantile(dev, 0.5) * madScale

	rec.Modes = histogramSorted(x, sorted).Modes()
	return rec
}

func undefinedRecord() Record {
	nan := math.NaN()
	return Record{
		Min: nan, Max: nan, Mean: nan,
		Quantile25: nan, Median: nan, Quantile75: nan, IQR: nan,
		Modes:    []float64{nan},
		Variance: nan, Skewness: nan, Kurtosis: nan, MAD: nan,
	}
}
