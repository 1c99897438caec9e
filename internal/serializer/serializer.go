// Package serializer flattens the parameter tensors of a model into 1-D
// samples and extracts their metadata.
package serializer

import (
	"fmt"

	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/metrics"
	"github.com/23skdu/longbow-weightscope/internal/model"
)

// Metadata holds three parallel sequences; index i describes sample i.
type Metadata struct {
	Names  []string
	Shapes [][]int
	DTypes []string
}

func (m Metadata) Len() int {
	return len(m.Names)
}

// Validate checks that the three sequences have equal length.
func (m Metadata) Validate() error {
	if len(m.Shapes) != len(m.Names) || len(m.DTypes) != len(m.Names) {
		return fmt.Errorf("metadata length mismatch: names=%d shapes=%d dtypes=%d",
			len(m.Names), len(m.Shapes), len(m.DTypes))
	}
	return nil
}

type Serializer struct {
	log *logger.Logger
}

func New(log *logger.Logger) *Serializer {
	if log == nil {
		log = logger.Log
	}
	return &Serializer{log: log}
}

// Flatten copies every tensor of m, in order, into a fresh row-major sample
// and records its name, shape and dtype at the same index.
func (s *Serializer) Flatten(m *model.Model) ([][]float64, Metadata, error) {
	if err := m.Validate(); err != nil {
		return nil, Metadata{}, err
	}

	n := len(m.Parameters)
	samples := make([][]float64, 0, n)
	md := Metadata{
		Names:  make([]string, 0, n),
		Shapes: make([][]int, 0, n),
		DTypes: make([]string, 0, n),
	}

	for _, p := range m.Parameters {
		s.log.Info(fmt.Sprintf("%s of shape %s and type %s is flattened now...", p.Name, p.ShapeString(), p.DType),
			"model", m.Name, "elements", len(p.Data))

		sample := make([]float64, len(p.Data))
		copy(sample, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)

		samples = append(samples, sample)
		md.Names = append(md.Names, p.Name)
		md.Shapes = append(md.Shapes, shape)
		md.DTypes = append(md.DTypes, p.DType)
		metrics.RecordTensorFlattened(len(sample))
	}

	return samples, md, nil
}
