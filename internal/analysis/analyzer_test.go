package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-surprisal/internal/codec"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/rank"
)

type stubCodec struct{ vocab int }

func (c stubCodec) Encode(string) ([]int, error) { return nil, nil }
func (c stubCodec) Decode(ids []int) string      { return fmt.Sprint(ids) }
func (c stubCodec) DecodeToken(id int) string    { return fmt.Sprintf("t%d", id) }
func (c stubCodec) VocabSize() int               { return c.vocab }

// stubPredictor returns dist for every call unless fail overrides it, and
// records the contexts it was asked about.
type stubPredictor struct {
	dist []float32
	fail func(tokens []int) ([]float32, error)

	mu       sync.Mutex
	contexts [][]int
}

func (p *stubPredictor) Predict(_ context.Context, tokens []int) ([]float32, error) {
	p.mu.Lock()
	p.contexts = append(p.contexts, append([]int(nil), tokens...))
	p.mu.Unlock()
	if p.fail != nil {
		if dist, err := p.fail(tokens); dist != nil || err != nil {
			return dist, err
		}
	}
	return append([]float32(nil), p.dist...), nil
}

var scenarioDist = []float32{0.1, 0.5, 0.3, 0.1}

func newAnalyzer(p Predictor, opts ...Option) *Analyzer {
	return New(p, stubCodec{vocab: 4}, opts...)
}

func cfg(prefix int) config.Analysis {
	return config.Analysis{InitialTokensCount: prefix}
}

func TestAnalyzeInitialPrefix(t *testing.T) {
	p := &stubPredictor{dist: scenarioDist}
	a := newAnalyzer(p)

	results, err := a.Analyze(context.Background(), TokenSequence{0, 1, 3, 2, 1}, cfg(3))
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		assert.Equal(t, i, r.Position)
		assert.Equal(t, fmt.Sprintf("t%d", r.TokenID), r.TokenText)
		if i < 3 {
			assert.True(t, r.IsInitial, "position %d", i)
			assert.Nil(t, r.Prediction, "position %d", i)
			assert.False(t, r.Predicted())
		} else {
			assert.False(t, r.IsInitial, "position %d", i)
			require.NotNil(t, r.Prediction, "position %d", i)
		}
	}

	assert.Equal(t, 1, results[3].Prediction.Rank)
	assert.InDelta(t, 0.3, results[3].Prediction.Probability, 1e-6)
	assert.InDelta(t, 0.5, results[3].Prediction.CumulativeProbability, 1e-6)

	assert.Equal(t, 0, results[4].Prediction.Rank)
	assert.InDelta(t, 0.0, results[4].Prediction.CumulativeProbability, 1e-9)

	assert.Equal(t, [][]int{{0, 1, 3}, {0, 1, 3, 2}}, p.contexts, "predictor sees exactly the preceding tokens")
}

func TestAnalyzePredictorFailureContinues(t *testing.T) {
	p := &stubPredictor{
		dist: scenarioDist,
		fail: func(tokens []int) ([]float32, error) {
			if len(tokens) == 4 {
				return nil, errors.New("backend unavailable")
			}
			return nil, nil
		},
	}
	a := newAnalyzer(p)

	results, err := a.Analyze(context.Background(), TokenSequence{0, 1, 3, 2, 1}, cfg(3))
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.False(t, results[4].IsInitial)
	assert.Nil(t, results[4].Prediction)
	require.NotNil(t, results[3].Prediction)
	assert.Equal(t, 1, results[3].Prediction.Rank)

	out := a.LastOutcome()
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 5, out.Tokens)
}

func TestAnalyzeRecoversFromBadPredictions(t *testing.T) {
	tests := []struct {
		name string
		fail func(tokens []int) ([]float32, error)
	}{
		{"panic", func(tokens []int) ([]float32, error) {
			if len(tokens) == 3 {
				panic("model exploded")
			}
			return nil, nil
		}},
		{"nan", func(tokens []int) ([]float32, error) {
			if len(tokens) == 3 {
				return []float32{float32(math.NaN()), 0.5, 0.3, 0.1}, nil
			}
			return nil, nil
		}},
		{"negative", func(tokens []int) ([]float32, error) {
			if len(tokens) == 3 {
				return []float32{-0.1, 0.6, 0.4, 0.1}, nil
			}
			return nil, nil
		}},
		{"timeout", func(tokens []int) ([]float32, error) {
			if len(tokens) == 3 {
				return nil, context.DeadlineExceeded
			}
			return nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAnalyzer(&stubPredictor{dist: scenarioDist, fail: tt.fail})
			results, err := a.Analyze(context.Background(), TokenSequence{0, 1, 3, 2, 1}, cfg(3))
			require.NoError(t, err)
			require.Len(t, results, 5)
			assert.Nil(t, results[3].Prediction)
			assert.NotNil(t, results[4].Prediction)
		})
	}
}

func TestNewInferenceErrorReasons(t *testing.T) {
	assert.Equal(t, "panic", newInferenceError(1, &panicError{value: "x"}).Reason)
	assert.Equal(t, "malformed", newInferenceError(1, rank.Validate(nil)).Reason)
	assert.Equal(t, "timeout", newInferenceError(1, fmt.Errorf("call: %w", context.DeadlineExceeded)).Reason)
	ie := newInferenceError(2, errors.New("boom"))
	assert.Equal(t, "error", ie.Reason)
	assert.Contains(t, ie.Error(), "position 2")
}

func TestAnalyzeEmptyInput(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})
	results, err := a.Analyze(context.Background(), nil, cfg(3))
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, results)
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, StateFailed, a.LastOutcome().State)
}

func TestAnalyzeInvalidConfig(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})
	_, err := a.Analyze(context.Background(), TokenSequence{1, 2}, config.Analysis{InitialTokensCount: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAnalyzeMaxLength(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})
	results, err := a.Analyze(context.Background(), TokenSequence{0, 1, 2, 3, 0, 1}, config.Analysis{MaxLength: 4, InitialTokensCount: 1})
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestAnalyzePrefixLongerThanSequence(t *testing.T) {
	p := &stubPredictor{dist: scenarioDist}
	a := newAnalyzer(p)
	results, err := a.Analyze(context.Background(), TokenSequence{0, 1}, cfg(10))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.IsInitial)
	}
	assert.Empty(t, p.contexts)
}

func TestAnalyzeZeroPrefixPredictsFromEmptyContext(t *testing.T) {
	p := &stubPredictor{dist: scenarioDist}
	a := newAnalyzer(p)
	results, err := a.Analyze(context.Background(), TokenSequence{1, 2}, cfg(0))
	require.NoError(t, err)
	require.NotNil(t, results[0].Prediction)
	require.Len(t, p.contexts, 2)
	assert.Empty(t, p.contexts[0])
	assert.Equal(t, []int{1}, p.contexts[1])
}

func TestAnalyzeInvalidTokenID(t *testing.T) {
	t.Run("negative id", func(t *testing.T) {
		a := newAnalyzer(&stubPredictor{dist: scenarioDist})
		results, err := a.Analyze(context.Background(), TokenSequence{0, -1, 2}, cfg(1))
		assert.ErrorIs(t, err, rank.ErrInvalidTokenID)
		assert.Empty(t, results)
	})

	t.Run("id outside distribution", func(t *testing.T) {
		a := newAnalyzer(&stubPredictor{dist: []float32{0.5, 0.5}})
		results, err := a.Analyze(context.Background(), TokenSequence{0, 1, 3}, cfg(1))
		assert.ErrorIs(t, err, rank.ErrInvalidTokenID)
		assert.Len(t, results, 2, "results before the failing position are returned")
		assert.Equal(t, StateFailed, a.LastOutcome().State)
	})
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})
	seq := TokenSequence{3, 1, 0, 2, 2, 1, 0}

	first, err := a.Analyze(context.Background(), seq, cfg(2))
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), seq, cfg(2))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnalyzeDoesNotRetainInput(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})
	seq := TokenSequence{0, 1, 2, 3}
	results, err := a.Analyze(context.Background(), seq, cfg(1))
	require.NoError(t, err)
	seq[2] = 0
	assert.Equal(t, 2, results[2].TokenID)
}

func TestAnalyzeRejectsConcurrentCall(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	yield := func(ctx context.Context) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return ctx.Err()
	}

	a := newAnalyzer(&stubPredictor{dist: scenarioDist}, WithYielder(yield))
	seq := TokenSequence{0, 1, 3, 2, 1}

	type outcome struct {
		results []Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := a.Analyze(context.Background(), seq, cfg(3))
		done <- outcome{r, err}
	}()

	<-entered
	assert.Equal(t, StateRunning, a.State())

	results, err := a.Analyze(context.Background(), seq, cfg(3))
	assert.ErrorIs(t, err, ErrConcurrentAnalysis)
	assert.Nil(t, results)

	close(release)
	first := <-done
	require.NoError(t, first.err)
	assert.Len(t, first.results, 5)
	assert.Equal(t, StateIdle, a.State())

	_, err = a.Analyze(context.Background(), seq, cfg(3))
	assert.NoError(t, err, "analyzer accepts a new run once idle")
}

func TestAnalyzeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &stubPredictor{
		dist: scenarioDist,
		fail: func(tokens []int) ([]float32, error) {
			if len(tokens) == 3 {
				cancel()
			}
			return nil, nil
		},
	}
	a := newAnalyzer(p)

	results, err := a.Analyze(ctx, TokenSequence{0, 1, 3, 2, 1}, cfg(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 4, "partial results up to the cancellation point")

	out := a.LastOutcome()
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateIdle, a.State())
	assert.NotEmpty(t, out.RunID)
}

func TestAnalyzeCancelledDuringPrediction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &stubPredictor{
		dist: scenarioDist,
		fail: func(tokens []int) ([]float32, error) {
			if len(tokens) == 4 {
				cancel()
				return nil, context.Canceled
			}
			return nil, nil
		},
	}
	results, err := newAnalyzer(p).Analyze(ctx, TokenSequence{0, 1, 3, 2, 1}, cfg(3))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, results, 4)
}

func TestAnalyzeProgress(t *testing.T) {
	var tick time.Duration
	clock := func() time.Time {
		tick += time.Millisecond
		return time.Unix(0, 0).Add(tick)
	}
	a := newAnalyzer(&stubPredictor{dist: scenarioDist}, WithClock(clock))

	var events []Progress
	seq := TokenSequence{0, 1, 3, 2, 1}
	_, err := a.Analyze(context.Background(), seq, cfg(3), func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, ev := range events {
		assert.Equal(t, i+1, ev.Current)
		assert.Equal(t, 5, ev.Total)
		assert.InDelta(t, float64(i+1)*20, ev.Percentage, 1e-9)
		assert.Equal(t, fmt.Sprintf("t%d", seq[i]), ev.CurrentToken)
		require.NotNil(t, ev.EstimatedTimeRemaining)
		assert.GreaterOrEqual(t, *ev.EstimatedTimeRemaining, time.Duration(0))
	}
	assert.Equal(t, time.Duration(0), *events[4].EstimatedTimeRemaining)
}

func TestAnalyzeSubscriberPanicIsolated(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})

	var seen, after int
	results, err := a.Analyze(context.Background(), TokenSequence{0, 1, 3, 2, 1}, cfg(3),
		func(Progress) { seen++ },
		func(Progress) { panic("bad subscriber") },
		nil,
		func(Progress) { after++ },
	)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	assert.Equal(t, 5, seen)
	assert.Equal(t, 5, after)
}

func TestAnalyzeSubscribersArePerCall(t *testing.T) {
	a := newAnalyzer(&stubPredictor{dist: scenarioDist})

	var first int
	_, err := a.Analyze(context.Background(), TokenSequence{0, 1}, cfg(0), func(Progress) { first++ })
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), TokenSequence{0, 1}, cfg(0))
	require.NoError(t, err)
	assert.Equal(t, 2, first)
}

func TestAnalyzeText(t *testing.T) {
	p := &stubPredictor{dist: make([]float32, 256)}
	for i := range p.dist {
		p.dist[i] = 1.0 / 256
	}
	a := New(p, codec.NewBytes())

	results, err := a.AnalyzeText(context.Background(), "hey", cfg(1))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "h", results[0].TokenText)
	assert.Equal(t, int('y'), results[2].TokenID)
	// uniform: rank is the number of lower ids
	assert.Equal(t, int('e'), results[1].Prediction.Rank)

	_, err = a.AnalyzeText(context.Background(), "", cfg(1))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestResultJSON(t *testing.T) {
	results := []Result{
		{Position: 0, TokenID: 7, TokenText: "a", IsInitial: true},
		{Position: 1, TokenID: 9, TokenText: "b", Prediction: &Prediction{Rank: 2, Probability: 0.25, CumulativeProbability: 0.5}},
		{Position: 2, TokenID: 1, TokenText: "c"},
	}

	data, err := json.Marshal(results)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"position":0,"token_id":7,"token_text":"a","is_initial":true,"rank":null,"probability":null,"cumulative_probability":null},
		{"position":1,"token_id":9,"token_text":"b","is_initial":false,"rank":2,"probability":0.25,"cumulative_probability":0.5},
		{"position":2,"token_id":1,"token_text":"c","is_initial":false,"rank":null,"probability":null,"cumulative_probability":null}
	]`, string(data))

	var back []Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, results, back)
}

func TestResultJSONRejectsPartialPrediction(t *testing.T) {
	var r Result
	err := json.Unmarshal([]byte(`{"position":1,"rank":3,"probability":null,"cumulative_probability":0.2}`), &r)
	assert.ErrorIs(t, err, errPartialPrediction)
}

func TestProgressJSON(t *testing.T) {
	eta := 1500 * time.Millisecond
	data, err := json.Marshal(Progress{Current: 1, Total: 4, Percentage: 25, CurrentToken: "x", EstimatedTimeRemaining: &eta})
	require.NoError(t, err)
	assert.JSONEq(t, `{"current":1,"total":4,"percentage":25,"current_token":"x","estimated_time_remaining":1.5}`, string(data))

	data, err = json.Marshal(Progress{Current: 1, Total: 1, Percentage: 100})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "estimated_time_remaining")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
