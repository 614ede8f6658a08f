package predictor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, srv flight.Server) string {
	t.Helper()
	require.NoError(t, srv.Init("127.0.0.1:0"))
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)
	return srv.Addr().String()
}

func TestFlightRoundTrip(t *testing.T) {
	b, err := NewBigram(5, 0.5)
	require.NoError(t, err)
	require.NoError(t, b.Observe([]int{0, 1, 2, 3, 4, 0, 1}))

	addr := serve(t, NewFlightServer(b, b.VocabSize()))
	client := NewFlightClient(addr, 5*time.Second, 1)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	want, err := b.Predict(ctx, []int{4, 0})
	require.NoError(t, err)
	got, err := client.Predict(ctx, []int{4, 0})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	n, err := client.VocabSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestFlightLogitColumn(t *testing.T) {
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(&flightService{
		predictor: Func(func(context.Context, []int) ([]float32, error) {
			return []float32{0, 0}, nil
		}),
		vocab:  2,
		column: ColumnLogit,
		mem:    memory.NewGoAllocator(),
	})
	client := NewFlightClient(serve(t, srv), 5*time.Second, 1)
	defer client.Close()

	dist, err := client.Predict(context.Background(), []int{0})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, dist[0], 1e-6)
	assert.InDelta(t, 0.5, dist[1], 1e-6)
}

func TestFlightLogitTemperature(t *testing.T) {
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(&flightService{
		predictor: Func(func(context.Context, []int) ([]float32, error) {
			return []float32{1, 0}, nil
		}),
		vocab:  2,
		column: ColumnLogit,
		mem:    memory.NewGoAllocator(),
	})
	client := NewFlightClient(serve(t, srv), 5*time.Second, 0.5)
	defer client.Close()

	dist, err := client.Predict(context.Background(), []int{0})
	require.NoError(t, err)
	want, err := FromLogits(logitColumn{1, 0}, 0.5).Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, dist, 1e-6)
	assert.InDelta(t, math.Exp(2)/(math.Exp(2)+1), dist[0], 1e-5)
}

func TestFlightPredictorError(t *testing.T) {
	p := Limit(Func(func(context.Context, []int) ([]float32, error) {
		return []float32{1}, nil
	}), 1)
	client := NewFlightClient(serve(t, NewFlightServer(p, 1)), 5*time.Second, 1)
	defer client.Close()

	_, err := client.Predict(context.Background(), []int{0, 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrContextTooLong.Error())
}

func TestFlightClientTimeout(t *testing.T) {
	slow := Func(func(ctx context.Context, _ []int) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := NewFlightClient(serve(t, NewFlightServer(slow, 1)), 50*time.Millisecond, 1)
	defer client.Close()

	_, err := client.Predict(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
