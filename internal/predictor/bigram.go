package predictor

import (
	"context"
	"fmt"
	"sync"
)

// Bigram is an add-alpha smoothed bigram model over token ids. It predicts
// from the last context token only and is deterministic, which makes it a
// useful offline stand-in for a real model.
type Bigram struct {
	vocab int
	alpha float64

	mu       sync.RWMutex
	unigram  []float64
	total    float64
	next     map[int]map[int]float64
	rowTotal map[int]float64
}

func NewBigram(vocab int, alpha float64) (*Bigram, error) {
	if vocab <= 0 {
		return nil, fmt.Errorf("invalid vocab size: %d (must be positive)", vocab)
	}
	if alpha <= 0 {
		return nil, fmt.Errorf("invalid smoothing: %f (must be positive)", alpha)
	}
	return &Bigram{
		vocab:    vocab,
		alpha:    alpha,
		unigram:  make([]float64, vocab),
		next:     make(map[int]map[int]float64),
		rowTotal: make(map[int]float64),
	}, nil
}

func (b *Bigram) VocabSize() int { return b.vocab }

// Observe adds the unigram and bigram counts of one token sequence.
func (b *Bigram) Observe(ids []int) error {
	for i, id := range ids {
		if id < 0 || id >= b.vocab {
			return fmt.Errorf("%w: %d at position %d", ErrOutOfVocab, id, i)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, id := range ids {
		b.unigram[id]++
		b.total++
		if i == 0 {
			continue
		}
		prev := ids[i-1]
		row := b.next[prev]
		if row == nil {
			row = make(map[int]float64)
			b.next[prev] = row
		}
		row[id]++
		b.rowTotal[prev]++
	}
	return nil
}

// Predict returns P(x | last token), or the unigram distribution for an empty context.
func (b *Bigram) Predict(ctx context.Context, tokens []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	dist := make([]float32, b.vocab)
	denom := b.alpha * float64(b.vocab)

	if len(tokens) == 0 {
		denom += b.total
		for i := range dist {
			dist[i] = float32((b.unigram[i] + b.alpha) / denom)
		}
		return dist, nil
	}

	prev := tokens[len(tokens)-1]
	if prev < 0 || prev >= b.vocab {
		return nil, fmt.Errorf("%w: %d", ErrOutOfVocab, prev)
	}
	row := b.next[prev]
	denom += b.rowTotal[prev]
	for i := range dist {
		dist[i] = float32((row[i] + b.alpha) / denom)
	}
	return dist, nil
}
