package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/23skdu/longbow-weightscope/internal/config"
)

// ErrNotFound is returned by Latest when no document exists for a model.
var ErrNotFound = errors.New("document not found")

// Sink is a collection of summary documents.
type Sink interface {
	Ping(ctx context.Context) error
	Insert(ctx context.Context, doc Document) error
	Latest(ctx context.Context, modelName string) (Document, error)
	Close(ctx context.Context) error
}

// Open picks the in-process sink for memory:// URIs and MongoDB otherwise.
func Open(ctx context.Context, cfg config.Config) (Sink, error) {
	if cfg.IsMemorySink() {
		return NewMemory(), nil
	}
	return Connect(ctx, cfg.MongoURI, cfg.Database, cfg.Collection, cfg.ConnectTimeout)
}

// Memory keeps documents as encoded BSON so reads go through the same codec
// as the real collection.
type Memory struct {
	mu     sync.Mutex
	docs   [][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory sink closed")
	}
	return nil
}

func (m *Memory) Insert(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory sink closed")
	}
	m.docs = append(m.docs, raw)
	return nil
}

func (m *Memory) Latest(ctx context.Context, modelName string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.docs) - 1; i >= 0; i-- {
		var doc Document
		if err := bson.Unmarshal(m.docs[i], &doc); err != nil {
			return Document{}, fmt.Errorf("decode document: %w", err)
		}
		if doc.ModelName == modelName {
			return doc, nil
		}
	}
	return Document{}, fmt.Errorf("%w: %s", ErrNotFound, modelName)
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
