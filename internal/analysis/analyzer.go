package analysis

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-surprisal/internal/codec"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
	"github.com/23skdu/longbow-surprisal/internal/rank"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome summarizes the most recent finished run.
type Outcome struct {
	RunID      string
	State      State
	Err        error
	Tokens     int
	Failed     int
	Duration   time.Duration
	FinishedAt time.Time
}

// Yielder is the suspension point between two tokens. Returning an error stops the run.
type Yielder func(ctx context.Context) error

// CooperativeYield checks for cancellation and lets other goroutines run.
func CooperativeYield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

type Option func(*Analyzer)

func WithYielder(y Yielder) Option {
	return func(a *Analyzer) { a.yield = y }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer scans token sequences one position at a time. It runs at most one
// analysis at once; the predictor always sees a single growing context.
type Analyzer struct {
	predictor Predictor
	codec     TokenCodec
	yield     Yielder
	now       func() time.Time
	log       *logger.Logger

	running atomic.Bool
	state   atomic.Int32

	mu   sync.Mutex
	last Outcome
}

func New(p Predictor, c TokenCodec, opts ...Option) *Analyzer {
	a := &Analyzer{
		predictor: p,
		codec:     c,
		yield:     CooperativeYield,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Log.With("component", "analyzer")
	}
	return a
}

func (a *Analyzer) State() State {
	return State(a.state.Load())
}

func (a *Analyzer) LastOutcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Codec returns the codec used to decode tokens.
func (a *Analyzer) Codec() TokenCodec {
	return a.codec
}

// AnalyzeText normalizes and encodes text with the analyzer's codec, then analyzes it.
func (a *Analyzer) AnalyzeText(ctx context.Context, text string, cfg config.Analysis, subscribers ...ProgressFunc) ([]Result, error) {
	ids, err := a.codec.Encode(codec.Normalize(text))
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return a.Analyze(ctx, ids, cfg, subscribers...)
}

// Analyze returns one Result per position of seq (after MaxLength truncation).
// The first InitialTokensCount positions are passed through without prediction.
// Predictor failures yield results without a prediction; only an empty input,
// a concurrent call, an invalid configuration, a token id outside the predicted
// distribution or cancellation fail the call. On cancellation the results
// produced so far are returned along with the error.
func (a *Analyzer) Analyze(ctx context.Context, seq TokenSequence, cfg config.Analysis, subscribers ...ProgressFunc) ([]Result, error) {
	if !a.running.CompareAndSwap(false, true) {
		metrics.RecordRejectedRun()
		return nil, ErrConcurrentAnalysis
	}
	defer a.running.Store(false)

	runID := uuid.NewString()
	log := a.log.With("run_id", runID)
	a.state.Store(int32(StateRunning))
	metrics.AnalysisInFlight.Inc()
	defer metrics.AnalysisInFlight.Dec()

	start := a.now()
	log.Debug("analysis started", "tokens", len(seq), "initial_tokens", cfg.InitialTokensCount, "max_length", cfg.MaxLength)

	results, failed, err := a.scan(ctx, log, seq, cfg, subscribers)

	a.finish(log, Outcome{
		RunID:      runID,
		Err:        err,
		Tokens:     len(results),
		Failed:     failed,
		Duration:   a.now().Sub(start),
		FinishedAt: a.now(),
	})
	return results, err
}

func (a *Analyzer) finish(log *logger.Logger, out Outcome) {
	outcome := "completed"
	out.State = StateCompleted
	if out.Err != nil {
		out.State = StateFailed
		outcome = "failed"
		if errors.Is(out.Err, ErrCancelled) {
			outcome = "cancelled"
		}
	}
	a.state.Store(int32(out.State))

	a.mu.Lock()
	a.last = out
	a.mu.Unlock()

	metrics.RecordRun(outcome, out.Duration)
	if out.Err != nil {
		log.Warn("analysis failed", "error", out.Err, "tokens", out.Tokens)
	} else {
		log.Info("analysis completed", "tokens", out.Tokens, "failed_predictions", out.Failed, "duration", out.Duration.String())
	}

	a.state.Store(int32(StateIdle))
}

func (a *Analyzer) scan(ctx context.Context, log *logger.Logger, seq TokenSequence, cfg config.Analysis, subscribers []ProgressFunc) ([]Result, int, error) {
	if err := cfg.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(seq) == 0 {
		return nil, 0, ErrEmptyInput
	}
	if cfg.MaxLength > 0 && len(seq) > cfg.MaxLength {
		seq = seq[:cfg.MaxLength]
	}
	for pos, id := range seq {
		if id < 0 {
			return nil, 0, fmt.Errorf("%w: negative id %d at position %d", rank.ErrInvalidTokenID, id, pos)
		}
	}
	seq = append(TokenSequence(nil), seq...)

	prefix := min(cfg.InitialTokensCount, len(seq))
	results := make([]Result, 0, len(seq))
	tracker := newProgressTracker(len(seq), a.now)
	failed := 0

	for pos, id := range seq {
		if err := a.yield(ctx); err != nil {
			return results, failed, cancelled(err)
		}

		res := Result{
			Position:  pos,
			TokenID:   id,
			TokenText: a.codec.DecodeToken(id),
			IsInitial: pos < prefix,
		}

		if res.IsInitial {
			metrics.RecordInitialToken()
		} else {
			pred, err := a.predict(ctx, seq[:pos:pos], id, pos)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return results, failed, cancelled(ctxErr)
				}
				var ie *InferenceError
				if !errors.As(err, &ie) {
					return results, failed, err
				}
				failed++
				metrics.RecordPredictionFailure(ie.Reason)
				log.Warn("prediction failed, continuing", "position", pos, "reason", ie.Reason, "error", ie.Err)
			}
			res.Prediction = pred
		}

		results = append(results, res)
		a.notify(log, subscribers, tracker.advance(pos, res.TokenText))
	}

	return results, failed, nil
}

func (a *Analyzer) predict(ctx context.Context, history []int, target, pos int) (*Prediction, error) {
	start := a.now()
	dist, err := a.callPredictor(ctx, history)
	if err != nil {
		return nil, newInferenceError(pos, err)
	}
	if err := rank.Validate(dist); err != nil {
		return nil, newInferenceError(pos, err)
	}

	score, err := rank.ScoreOf(dist, target)
	if err != nil {
		return nil, fmt.Errorf("position %d: distribution of %d entries: %w", pos, len(dist), err)
	}

	metrics.RecordPrediction(score.Rank, score.CumulativeProbability, len(history), a.now().Sub(start))
	return &Prediction{
		Rank:                  score.Rank,
		Probability:           score.Probability,
		CumulativeProbability: score.CumulativeProbability,
	}, nil
}

func (a *Analyzer) callPredictor(ctx context.Context, history []int) (dist []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			dist, err = nil, &panicError{value: r}
		}
	}()
	return a.predictor.Predict(ctx, history)
}

// notify delivers p to every subscriber; a panicking subscriber does not stop
// delivery to the others or the scan.
func (a *Analyzer) notify(log *logger.Logger, subscribers []ProgressFunc, p Progress) {
	for i, sub := range subscribers {
		if sub == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.RecordSubscriberPanic()
					log.Error("progress subscriber panicked", "subscriber", i, "panic", fmt.Sprint(r))
				}
			}()
			sub(p)
		}()
	}
}
