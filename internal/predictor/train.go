package predictor

import (
	"fmt"
	"strings"
)

// Encoder is the slice of a codec needed to train from text.
type Encoder interface {
	Encode(text string) ([]int, error)
	VocabSize() int
}

// TrainBigram builds a bigram model over enc's vocabulary from corpus.
// Each non-empty line is observed as its own sequence.
func TrainBigram(corpus string, enc Encoder, alpha float64) (*Bigram, error) {
	b, err := NewBigram(enc.VocabSize(), alpha)
	if err != nil {
		return nil, err
	}
	for n, line := range strings.Split(corpus, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ids, err := enc.Encode(line)
		if err != nil {
			return nil, fmt.Errorf("encode line %d: %w", n+1, err)
		}
		if err := b.Observe(ids); err != nil {
			return nil, fmt.Errorf("observe line %d: %w", n+1, err)
		}
	}
	return b, nil
}
