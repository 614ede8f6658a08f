package main

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/predictor"
	"github.com/23skdu/longbow-surprisal/internal/rank"
)

type candidate struct {
	TokenID     int     `json:"token_id"`
	TokenText   string  `json:"token_text"`
	Probability float64 `json:"probability"`
}

type positionTop struct {
	Position   int         `json:"position"`
	Candidates []candidate `json:"candidates"`
}

// topRecorder keeps the k most likely tokens of every valid distribution that
// passes through it. The context length is the position being predicted.
type topRecorder struct {
	next predictor.Predictor
	k    int

	mu    sync.Mutex
	byPos map[int][]rank.Candidate
}

func newTopRecorder(next predictor.Predictor, k int) *topRecorder {
	return &topRecorder{next: next, k: k, byPos: make(map[int][]rank.Candidate)}
}

func (r *topRecorder) Predict(ctx context.Context, tokens []int) ([]float32, error) {
	dist, err := r.next.Predict(ctx, tokens)
	if err != nil || rank.Validate(dist) != nil {
		return dist, err
	}
	top := rank.Top(dist, r.k)

	r.mu.Lock()
	r.byPos[len(tokens)] = top
	r.mu.Unlock()
	return dist, nil
}

// listing returns the recorded candidates of every predicted result in order.
func (r *topRecorder) listing(results []analysis.Result, dec analysis.TokenCodec) []positionTop {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []positionTop
	for _, res := range results {
		if !res.Predicted() {
			continue
		}
		recorded, ok := r.byPos[res.Position]
		if !ok {
			continue
		}
		cands := make([]candidate, len(recorded))
		for i, c := range recorded {
			cands[i] = candidate{TokenID: c.TokenID, TokenText: dec.DecodeToken(c.TokenID), Probability: c.Probability}
		}
		out = append(out, positionTop{Position: res.Position, Candidates: cands})
	}
	return out
}
