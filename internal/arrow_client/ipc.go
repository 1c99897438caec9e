package arrow_client

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-weightscope/internal/model"
)

// WriteFile stores m as an Arrow IPC file.
func WriteFile(path string, m *model.Model) error {
	rec, err := ModelToRecord(memory.DefaultAllocator, m)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// FileSource reads a model from an Arrow IPC file written by WriteFile.
type FileSource struct {
	Path string
	Name string
}

func (s FileSource) Load(ctx context.Context) (*model.Model, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("arrow reader %s: %w", s.Path, err)
	}
	defer func() {
		_ = r.Close()
	}()

	m := &model.Model{Name: s.Name}
	if m.Name == "" {
		m.Name = ModelName(r.Schema())
	}
	for i := 0; i < r.NumRecords(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("arrow record %d: %w", i, err)
		}
		if err := appendRecord(m, rec); err != nil {
			return nil, err
		}
	}
	return m, nil
}
