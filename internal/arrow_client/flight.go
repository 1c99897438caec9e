package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-weightscope/internal/logger"
	"github.com/23skdu/longbow-weightscope/internal/model"
)

const DefaultPort = 3000

// FlightClient fetches and publishes models over Arrow Flight. The ticket
// of a DoGet is the model name; a DoPut carries it as the descriptor path.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

func NewFlightClient(addr string, log *logger.Logger) *FlightClient {
	if log == nil {
		log = logger.Log
	}
	return &FlightClient{addr: addr, timeout: 30 * time.Second, log: log}
}

func (fc *FlightClient) Addr() string {
	return fc.addr
}

// Connect establishes connection to the Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// FetchModel streams every tensor of the named model.
func (fc *FlightClient) FetchModel(ctx context.Context, name string) (*model.Model, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("DoGet %s: %w", name, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("DoGet %s: %w", name, err)
	}
	defer rdr.Release()

	m := &model.Model{Name: ModelName(rdr.Schema())}
	if m.Name == "" {
		m.Name = name
	}
	for rdr.Next() {
		if err := appendRecord(m, rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("DoGet %s: %w", name, err)
	}
	fc.log.Debug("model fetched over flight", "model", m.Name, "tensors", len(m.Parameters), "addr", fc.addr)
	return m, nil
}

// PutModel uploads m as a single record batch.
func (fc *FlightClient) PutModel(ctx context.Context, m *model.Model) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	rec, err := ModelToRecord(memory.DefaultAllocator, m)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to create DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{m.Name}})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("DoPut %s: %w", m.Name, err)
		}
	}
}

// FlightSource loads one named model through a connected client.
type FlightSource struct {
	Client *FlightClient
	Name   string
}

func (s FlightSource) Load(ctx context.Context) (*model.Model, error) {
	return s.Client.FetchModel(ctx, s.Name)
}
