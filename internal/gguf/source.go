package gguf

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/model"
)

// Source loads every decodable tensor of a GGUF file as a model.
type Source struct {
	Path string
	// Name overrides the model name taken from general.name.
	Name string

	log *logger.Logger
}

func NewSource(path, name string, log *logger.Logger) *Source {
	if log == nil {
		log = logger.Log
	}
	return &Source{Path: path, Name: name, log: log}
}

// Load decodes tensors in file order. Tensors whose encoding cannot be
// decoded are skipped with a warning.
func (s *Source) Load(ctx context.Context) (*model.Model, error) {
	f, err := LoadFile(s.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	m := &model.Model{Name: s.Name}
	if m.Name == "" {
		m.Name = ModelName(f, s.Path)
	}
	s.log.Info("loading gguf", "path", s.Path, "summary", Summarize(f, s.Path).String())

	for _, t := range f.Tensors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values, err := Dequantize(t)
		var unsupported ErrUnsupportedType
		if errors.As(err, &unsupported) {
			s.log.Warn("skipping tensor", "tensor", t.Name, "type", t.Type.String())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Path, err)
		}

		data := make([]float64, len(values))
		for i, v := range values {
			data[i] = float64(v)
		}
		m.Parameters = append(m.Parameters, model.ParameterTensor{
			Name:  t.Name,
			Shape: t.Shape(),
			DType: t.Type.DType(),
			Data:  data,
		})
	}
	return m, nil
}
