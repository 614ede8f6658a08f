// Package predictor provides next-token distribution sources: adapters over
// raw logits, a count-based bigram model, guards, and a remote predictor
// reached over Arrow Flight.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Predictor maps a context to a full-vocabulary distribution that sums to ~1.
type Predictor interface {
	Predict(ctx context.Context, tokens []int) ([]float32, error)
}

// Func adapts a function to Predictor.
type Func func(ctx context.Context, tokens []int) ([]float32, error)

func (f Func) Predict(ctx context.Context, tokens []int) ([]float32, error) {
	return f(ctx, tokens)
}

var (
	ErrContextTooLong = errors.New("context exceeds supported length")
	ErrOutOfVocab     = errors.New("token id outside vocabulary")
)

// Softmax converts logits into probabilities at the given temperature.
// A non-positive temperature is treated as 1.
func Softmax(logits []float32, temperature float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	temp := float64(temperature)
	if temp <= 0 {
		temp = 1
	}

	maxVal := math.Inf(-1)
	for _, v := range logits {
		if s := float64(v) / temp; s > maxVal {
			maxVal = s
		}
	}

	exps := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		exps[i] = math.Exp(float64(v)/temp - maxVal)
		sum += exps[i]
	}

	probs := make([]float32, len(logits))
	for i := range exps {
		probs[i] = float32(exps[i] / sum)
	}
	return probs
}

// LogitModel produces raw next-token logits.
type LogitModel interface {
	Logits(ctx context.Context, tokens []int) ([]float32, error)
}

// FromLogits normalizes a LogitModel's output with Softmax.
func FromLogits(m LogitModel, temperature float32) Predictor {
	return Func(func(ctx context.Context, tokens []int) ([]float32, error) {
		logits, err := m.Logits(ctx, tokens)
		if err != nil {
			return nil, err
		}
		return Softmax(logits, temperature), nil
	})
}

// Limit rejects contexts longer than maxContext with ErrContextTooLong.
// A non-positive maxContext returns p unchanged.
func Limit(p Predictor, maxContext int) Predictor {
	if maxContext <= 0 {
		return p
	}
	return Func(func(ctx context.Context, tokens []int) ([]float32, error) {
		if len(tokens) > maxContext {
			return nil, fmt.Errorf("%w: %d > %d", ErrContextTooLong, len(tokens), maxContext)
		}
		return p.Predict(ctx, tokens)
	})
}

// Timeout bounds each prediction. A non-positive d returns p unchanged.
func Timeout(p Predictor, d time.Duration) Predictor {
	if d <= 0 {
		return p
	}
	return Func(func(ctx context.Context, tokens []int) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Predict(ctx, tokens)
	})
}
