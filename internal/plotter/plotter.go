// Package plotter renders one weight histogram per tensor with gonum/plot.
package plotter

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/metrics"
	"github.com/23skdu/longbow-weightscope/internal/serializer"
	"github.com/23skdu/longbow-weightscope/internal/stats"
)

// ErrPlotDirMissing is returned when the target directory does not exist
// and creating it was not allowed.
var ErrPlotDirMissing = errors.New("plot directory does not exist")

const (
	imageWidth  = 6 * vg.Inch
	imageHeight = 4 * vg.Inch
)

type Plotter struct {
	dir string
	log *logger.Logger
}

// New resolves the directory policy up front: a missing dir is created only
// when createIfMissing is set.
func New(dir string, createIfMissing bool, log *logger.Logger) (*Plotter, error) {
	if log == nil {
		log = logger.Log
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("plot path %s is not a directory", dir)
		}
	case errors.Is(err, os.ErrNotExist):
		if !createIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrPlotDirMissing, dir)
		}
		log.Warn(fmt.Sprintf("The folder %s does not exist, creating it", dir))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create plot dir: %w", err)
		}
	default:
		return nil, fmt.Errorf("stat plot dir: %w", err)
	}
	return &Plotter{dir: dir, log: log}, nil
}

func (p *Plotter) Dir() string {
	return p.dir
}

// Plot writes one PNG per sample. Non-finite values are left out of the
// image; a sample with no finite value produces no file.
func (p *Plotter) Plot(modelName string, samples [][]float64, md serializer.Metadata) error {
	if err := md.Validate(); err != nil {
		return err
	}
	if len(samples) != md.Len() {
		return fmt.Errorf("plot %s: %d samples but %d metadata entries", modelName, len(samples), md.Len())
	}

	for i, sample := range samples {
		name := md.Names[i]
		finite := finiteValues(sample)
		if dropped := len(sample) - len(finite); dropped > 0 {
			p.log.Warn("dropping non-finite values from histogram", "model", modelName, "tensor", name, "dropped", dropped)
		}
		if len(finite) == 0 {
			p.log.Warn("no finite values to plot", "model", modelName, "tensor", name)
			continue
		}

		path := filepath.Join(p.dir, FileName(modelName, name, md.Shapes[i], md.DTypes[i]))
		if err := render(name, finite, path); err != nil {
			return fmt.Errorf("plot %s/%s: %w", modelName, name, err)
		}
		metrics.RecordPlotWritten()
		p.log.Debug("histogram written", "path", path)
	}
	return nil
}

func render(title string, values plotter.Values, path string) error {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pl := plot.New()
	pl.Title.Text = title
	pl.X.Label.Text = "Weights"
	pl.Y.Label.Text = "Frequency"

	h, err := plotter.NewHist(values, stats.AutoBins(sorted))
	if err != nil {
		return err
	}
	pl.Add(h)
	return pl.Save(imageWidth, imageHeight, path)
}

func finiteValues(x []float64) plotter.Values {
	out := make(plotter.Values, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

var nameReplacer = strings.NewReplacer("/", "_", ":", "_", `\`, "_")

// SanitizeName replaces the path-like separators "/", ":" and `\` with "_".
func SanitizeName(name string) string {
	return nameReplacer.Replace(name)
}

// FileName builds "{model}_{tensor}_{shape}_{dtype}.png" with the shape
// rendered as "2x3" ("scalar" for rank 0). Every name segment is sanitized
// so the result is a single path element.
func FileName(modelName, tensorName string, shape []int, dtype string) string {
	return fmt.Sprintf("%s_%s_%s_%s.png",
		SanitizeName(modelName), SanitizeName(tensorName), shapeSegment(shape), SanitizeName(dtype))
}

func shapeSegment(shape []int) string {
	if len(shape) == 0 {
		return "scalar"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}
