// Package arrow_client moves parameter tensors in and out of Arrow: IPC
// files on disk and Flight streams over gRPC.
package arrow_client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-weightscope/internal/model"
)

const (
	colName   = "name"
	colShape  = "shape"
	colDType  = "dtype"
	colValues = "values"

	metaModelName = "model_name"
)

// TensorSchema is one row per tensor. The model name rides in the schema
// metadata.
func TensorSchema(modelName string) *arrow.Schema {
	md := arrow.NewMetadata([]string{metaModelName}, []string{modelName})
	return arrow.NewSchema([]arrow.Field{
		{Name: colName, Type: arrow.BinaryTypes.String},
		{Name: colShape, Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: colDType, Type: arrow.BinaryTypes.String},
		{Name: colValues, Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, &md)
}

// ModelToRecord encodes every tensor of m as one row. The caller releases
// the record.
func ModelToRecord(mem memory.Allocator, m *model.Model) (arrow.Record, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, TensorSchema(m.Name))
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	dtypes := b.Field(2).(*array.StringBuilder)
	values := b.Field(3).(*array.ListBuilder)
	vals := values.ValueBuilder().(*array.Float64Builder)

	for _, p := range m.Parameters {
		names.Append(p.Name)
		shapes.Append(true)
		for _, d := range p.Shape {
			dims.Append(int64(d))
		}
		dtypes.Append(p.DType)
		values.Append(true)
		vals.AppendValues(p.Data, nil)
	}
	return b.NewRecord(), nil
}

// ModelName reads the model name from schema metadata.
func ModelName(schema *arrow.Schema) string {
	md := schema.Metadata()
	if i := md.FindKey(metaModelName); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

// appendRecord decodes the rows of rec onto m, copying out of Arrow memory.
func appendRecord(m *model.Model, rec arrow.Record) error {
	schema := rec.Schema()
	idx := func(name string) (int, error) {
		fields := schema.FieldIndices(name)
		if len(fields) == 0 {
			return 0, fmt.Errorf("arrow record: missing column %q", name)
		}
		return fields[0], nil
	}
	var cols [4]int
	for i, name := range []string{colName, colShape, colDType, colValues} {
		c, err := idx(name)
		if err != nil {
			return err
		}
		cols[i] = c
	}

	names, ok1 := rec.Column(cols[0]).(*array.String)
	shapes, ok2 := rec.Column(cols[1]).(*array.List)
	dtypes, ok3 := rec.Column(cols[2]).(*array.String)
	values, ok4 := rec.Column(cols[3]).(*array.List)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("arrow record: unexpected column types in %s", schema)
	}
	dims, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return fmt.Errorf("arrow record: shape must be list<int64>")
	}
	vals, ok := values.ListValues().(*array.Float64)
	if !ok {
		return fmt.Errorf("arrow record: values must be list<float64>")
	}

	for row := 0; row < int(rec.NumRows()); row++ {
		start, end := shapes.ValueOffsets(row)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(dims.Value(int(j))))
		}
		start, end = values.ValueOffsets(row)
		data := make([]float64, end-start)
		copy(data, vals.Float64Values()[start:end])

		m.Parameters = append(m.Parameters, model.ParameterTensor{
			Name:  names.Value(row),
			Shape: shape,
			DType: dtypes.Value(row),
			Data:  data,
		})
	}
	return nil
}
