// Package model defines the read-only view of a trained model that the
// analysis pipeline consumes: a name plus an ordered list of named, shaped,
// typed parameter tensors.
package model

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidModel  = errors.New("invalid model")
	ErrInvalidTensor = errors.New("invalid parameter tensor")
)

// ParameterTensor is one learned array of a model. Data holds the values in
// row-major order; Shape is its exact dimensionality.
type ParameterTensor struct {
	Name  string
	Shape []int
	DType string
	Data  []float64
}

// NumElements returns the product of the shape dimensions.
func (t ParameterTensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ShapeString renders the shape as "[2 3]". Scalars render as "[]".
func (t ParameterTensor) ShapeString() string {
	return FormatShape(t.Shape)
}

// Validate checks the tensor against the parameter-tensor contract.
func (t ParameterTensor) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTensor)
	}
	if len(t.Data) == 0 {
		return fmt.Errorf("%w: %s has no values", ErrInvalidTensor, t.Name)
	}
	for i, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: %s dimension %d is %d (must be positive)", ErrInvalidTensor, t.Name, i, d)
		}
	}
	if n := t.NumElements(); n != len(t.Data) {
		return fmt.Errorf("%w: %s shape %s holds %d values, got %d", ErrInvalidTensor, t.Name, t.ShapeString(), n, len(t.Data))
	}
	return nil
}

// Model is a named, ordered collection of parameter tensors. It is owned by
// the caller and must not be mutated while a batch is running.
type Model struct {
	Name       string
	Parameters []ParameterTensor
}

// Validate fails fast when the model does not satisfy the tensor contract.
func (m *Model) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil model", ErrInvalidModel)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidModel)
	}
	if len(m.Parameters) == 0 {
		return fmt.Errorf("%w: %s has no parameters", ErrInvalidModel, m.Name)
	}
	for i := range m.Parameters {
		if err := m.Parameters[i].Validate(); err != nil {
			return fmt.Errorf("model %s parameter %d: %w", m.Name, i, err)
		}
	}
	return nil
}

// NumParameters returns the total element count over all tensors.
func (m *Model) NumParameters() int64 {
	var total int64
	for _, p := range m.Parameters {
		total += int64(len(p.Data))
	}
	return total
}

// Source supplies a model from some external representation (GGUF file,
// Arrow table, Flight endpoint).
type Source interface {
	Load(ctx context.Context) (*Model, error)
}

// FormatShape renders dims as "[2 3]".
func FormatShape(shape []int) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, d := range shape {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(d))
	}
	sb.WriteByte(']')
	return sb.String()
}
