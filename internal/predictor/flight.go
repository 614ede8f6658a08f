package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

const (
	// Flight protocol port
	PortPredict = 3000

	ColumnProbability = "probability"
	ColumnLogit       = "logit"

	ActionVocabSize = "vocab_size"
)

// Ticket is the DoGet payload: the token context to predict from.
type Ticket struct {
	Tokens []int `json:"tokens"`
}

// FlightClient fetches distributions from a remote predictor over Arrow Flight.
// The response is a single float32 column named "probability", or "logit" in
// which case it is normalized with Softmax at the configured temperature.
type FlightClient struct {
	addr        string
	timeout     time.Duration
	temperature float32

	mu     sync.Mutex
	client flight.Client
}

func NewFlightClient(addr string, timeout time.Duration, temperature float32) *FlightClient {
	return &FlightClient{
		addr:        addr,
		timeout:     timeout,
		temperature: temperature,
	}
}

// Connect establishes the connection. Predict connects lazily if needed.
func (fc *FlightClient) Connect(ctx context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.connectLocked(ctx)
}

func (fc *FlightClient) connectLocked(ctx context.Context) error {
	if fc.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("Connected to predictor", "addr", fc.addr)
	return nil
}

func (fc *FlightClient) conn(ctx context.Context) (flight.Client, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if err := fc.connectLocked(ctx); err != nil {
		return nil, err
	}
	return fc.client, nil
}

// Close disconnects from the Flight server
func (fc *FlightClient) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

func (fc *FlightClient) Predict(ctx context.Context, tokens []int) ([]float32, error) {
	client, err := fc.conn(ctx)
	if err != nil {
		return nil, err
	}
	if fc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fc.timeout)
		defer cancel()
	}

	body, err := json.Marshal(Ticket{Tokens: tokens})
	if err != nil {
		return nil, fmt.Errorf("encode ticket: %w", err)
	}
	stream, err := client.DoGet(ctx, &flight.Ticket{Ticket: body})
	if err != nil {
		return nil, fromStatus(err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fromStatus(err)
	}
	defer rdr.Release()

	fields := rdr.Schema().Fields()
	if len(fields) == 0 || fields[0].Type.ID() != arrow.FLOAT32 {
		return nil, fmt.Errorf("unexpected predictor schema: %s", rdr.Schema())
	}
	column := fields[0].Name
	if column != ColumnProbability && column != ColumnLogit {
		return nil, fmt.Errorf("unexpected predictor column %q", column)
	}

	var dist []float32
	for rdr.Next() {
		col := rdr.Record().Column(0).(*array.Float32)
		dist = append(dist, col.Float32Values()...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fromStatus(err)
	}

	if column == ColumnLogit {
		return FromLogits(logitColumn(dist), fc.temperature).Predict(ctx, tokens)
	}
	return dist, nil
}

// logitColumn is the logit column of one DoGet response.
type logitColumn []float32

func (l logitColumn) Logits(context.Context, []int) ([]float32, error) { return l, nil }

// VocabSize asks the server for its vocabulary size.
func (fc *FlightClient) VocabSize(ctx context.Context) (int, error) {
	client, err := fc.conn(ctx)
	if err != nil {
		return 0, err
	}
	stream, err := client.DoAction(ctx, &flight.Action{Type: ActionVocabSize})
	if err != nil {
		return 0, fromStatus(err)
	}
	res, err := stream.Recv()
	if err != nil {
		return 0, fromStatus(err)
	}
	n, err := strconv.Atoi(string(res.Body))
	if err != nil {
		return 0, fmt.Errorf("invalid vocab size %q: %w", res.Body, err)
	}
	return n, nil
}

// fromStatus maps gRPC deadline and cancellation codes back onto context errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

// flightService serves a Predictor over DoGet.
type flightService struct {
	flight.BaseFlightServer
	predictor Predictor
	vocab     int
	column    string
	mem       memory.Allocator
}

// NewFlightServer wraps p in a Flight server with a gRPC health service.
// Call Init and Serve on the result.
func NewFlightServer(p Predictor, vocab int) flight.Server {
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(&flightService{
		predictor: p,
		vocab:     vocab,
		column:    ColumnProbability,
		mem:       memory.NewGoAllocator(),
	})
	healthpb.RegisterHealthServer(srv, health.NewServer())
	return srv
}

func (s *flightService) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var req Ticket
	if err := json.Unmarshal(tkt.GetTicket(), &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}

	start := time.Now()
	dist, err := s.predictor.Predict(stream.Context(), req.Tokens)
	if err != nil {
		logger.Log.Warn("Prediction failed", "context_len", len(req.Tokens), "error", err)
		return toStatus(err)
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: s.column, Type: arrow.PrimitiveTypes.Float32},
	}, nil)

	b := array.NewFloat32Builder(s.mem)
	defer b.Release()
	b.AppendValues(dist, nil)
	arr := b.NewArray()
	defer arr.Release()

	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(dist)))
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "write record: %v", err)
	}

	logger.Log.Debug("Served prediction", "context_len", len(req.Tokens), "elapsed", time.Since(start))
	return nil
}

func (s *flightService) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	return stream.Send(&flight.ActionType{
		Type:        ActionVocabSize,
		Description: "vocabulary size of the served predictor",
	})
}

func (s *flightService) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.GetType() {
	case ActionVocabSize:
		return stream.Send(&flight.Result{Body: []byte(strconv.Itoa(s.vocab))})
	default:
		return status.Errorf(codes.Unimplemented, "unknown action %q", action.GetType())
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, ErrContextTooLong), errors.Is(err, ErrOutOfVocab):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
