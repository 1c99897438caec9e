// Package docstore persists one summary document per analysed model.
package docstore

import (
	"time"

	"github.com/23skdu/longbow-weightscope/internal/stats"
)

// Weights holds the index-aligned per-tensor statistics of a model.
type Weights struct {
	Names      []string    `bson:"names" json:"names"`
	Shapes     [][]int     `bson:"shapes" json:"shapes"`
	DTypes     []string    `bson:"dtypes" json:"dtypes"`
	Minima     []float64   `bson:"minima" json:"minima"`
	Maxima     []float64   `bson:"maxima" json:"maxima"`
	Means      []float64   `bson:"means" json:"means"`
	Quantile25 []float64   `bson:"quantile25" json:"quantile25"`
	Medians    []float64   `bson:"medians" json:"medians"`
	Quantile75 []float64   `bson:"quantile75" json:"quantile75"`
	IQRs       []float64   `bson:"iqrs" json:"iqrs"`
	Modes      [][]float64 `bson:"modes" json:"modes"`
	Variances  []float64   `bson:"variances" json:"variances"`
	Skewness   []float64   `bson:"skewness" json:"skewness"`
	Kurtosis   []float64   `bson:"kurtosis" json:"kurtosis"`
	MADs       []float64   `bson:"mads" json:"mads"`
}

// Document is what one model contributes to the collection per run.
type Document struct {
	ModelName string    `bson:"model_name" json:"model_name"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	RunID     string    `bson:"run_id,omitempty" json:"run_id,omitempty"`
	Weights   Weights   `bson:"weights" json:"weights"`
}

// FromReport lays the report out column-wise, stamped with ts in UTC.
func FromReport(r *stats.Report, ts time.Time, runID string) Document {
	n := len(r.Records)
	w := Weights{
		Names:      append([]string(nil), r.Names...),
		Shapes:     make([][]int, len(r.Shapes)),
		DTypes:     append([]string(nil), r.DTypes...),
		Minima:     make([]float64, n),
		Maxima:     make([]float64, n),
		Means:      make([]float64, n),
		Quantile25: make([]float64, n),
		Medians:    make([]float64, n),
		Quantile75: make([]float64, n),
		IQRs:       make([]float64, n),
		Modes:      make([][]float64, n),
		Variances:  make([]float64, n),
		Skewness:   make([]float64, n),
		Kurtosis:   make([]float64, n),
		MADs:       make([]float64, n),
	}
	for i, s := range r.Shapes {
		w.Shapes[i] = append([]int{}, s...)
	}
	for i, rec := range r.Records {
		w.Minima[i] = rec.Min
		w.Maxima[i] = rec.Max
		w.Means[i] = rec.Mean
		w.Quantile25[i] = rec.Quantile25
		w.Medians[i] = rec.Median
		w.Quantile75[i] = rec.Quantile75
		w.IQRs[i] = rec.IQR
		w.Modes[i] = append([]float64{}, rec.Modes...)
		w.Variances[i] = rec.Variance
		w.Skewness[i] = rec.Skewness
		w.Kurtosis[i] = rec.Kurtosis
		w.MADs[i] = rec.MAD
	}
	return Document{
		ModelName: r.ModelName,
		Timestamp: ts.UTC(),
		RunID:     runID,
		Weights:   w,
	}
}

// Records rebuilds the per-tensor records from the columns.
func (d Document) Records() []stats.Record {
	w := d.Weights
	recs := make([]stats.Record, len(w.Minima))
	for i := range recs {
		recs[i] = stats.Record{
			Min:        w.Minima[i],
			Max:        w.Maxima[i],
			Mean:       w.Means[i],
			Quantile25: w.Quantile25[i],
			Median:     w.Medians[i],
			Quantile75: w.Quantile75[i],
			IQR:        w.IQRs[i],
			Modes:      w.Modes[i],
			Variance:   w.Variances[i],
			Skewness:   w.Skewness[i],
			Kurtosis:   w.Kurtosis[i],
			MAD:        w.MADs[i],
		}
	}
	return recs
}
