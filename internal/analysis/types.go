package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// TokenSequence is an ordered list of non-negative token ids.
type TokenSequence []int

// Predictor maps a context to a full-vocabulary next-token distribution.
type Predictor interface {
	Predict(ctx context.Context, tokens []int) ([]float32, error)
}

// TokenCodec converts between text and token ids. DecodeToken is used for
// display only and must not fail; implementations return a placeholder instead.
type TokenCodec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	DecodeToken(id int) string
	VocabSize() int
}

// Prediction holds the measurements of one predicted token. A Result either has
// all of them or none.
type Prediction struct {
	Rank                  int
	Probability           float64
	CumulativeProbability float64
}

// Result is the analysis of the token at Position.
type Result struct {
	Position   int
	TokenID    int
	TokenText  string
	IsInitial  bool
	Prediction *Prediction
}

// Predicted reports whether the result carries a rank.
func (r Result) Predicted() bool {
	return !r.IsInitial && r.Prediction != nil
}

type resultJSON struct {
	Position              int      `json:"position"`
	TokenID               int      `json:"token_id"`
	TokenText             string   `json:"token_text"`
	IsInitial             bool     `json:"is_initial"`
	Rank                  *int     `json:"rank"`
	Probability           *float64 `json:"probability"`
	CumulativeProbability *float64 `json:"cumulative_probability"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Position:  r.Position,
		TokenID:   r.TokenID,
		TokenText: r.TokenText,
		IsInitial: r.IsInitial,
	}
	if p := r.Prediction; p != nil {
		rk, prob, cum := p.Rank, p.Probability, p.CumulativeProbability
		out.Rank, out.Probability, out.CumulativeProbability = &rk, &prob, &cum
	}
	return json.Marshal(out)
}

var errPartialPrediction = errors.New("rank, probability and cumulative_probability must be null together")

func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{
		Position:  in.Position,
		TokenID:   in.TokenID,
		TokenText: in.TokenText,
		IsInitial: in.IsInitial,
	}
	switch {
	case in.Rank == nil && in.Probability == nil && in.CumulativeProbability == nil:
	case in.Rank != nil && in.Probability != nil && in.CumulativeProbability != nil:
		r.Prediction = &Prediction{
			Rank:                  *in.Rank,
			Probability:           *in.Probability,
			CumulativeProbability: *in.CumulativeProbability,
		}
	default:
		return errPartialPrediction
	}
	return nil
}

// Progress is delivered to subscribers after every position.
type Progress struct {
	Current      int
	Total        int
	Percentage   float64
	CurrentToken string
	// EstimatedTimeRemaining is nil until at least one token has been timed.
	EstimatedTimeRemaining *time.Duration
}

func (p Progress) MarshalJSON() ([]byte, error) {
	out := struct {
		Current                int      `json:"current"`
		Total                  int      `json:"total"`
		Percentage             float64  `json:"percentage"`
		CurrentToken           string   `json:"current_token"`
		EstimatedTimeRemaining *float64 `json:"estimated_time_remaining,omitempty"`
	}{
		Current:      p.Current,
		Total:        p.Total,
		Percentage:   p.Percentage,
		CurrentToken: p.CurrentToken,
	}
	if p.EstimatedTimeRemaining != nil {
		secs := p.EstimatedTimeRemaining.Seconds()
		out.EstimatedTimeRemaining = &secs
	}
	return json.Marshal(out)
}

// ProgressFunc receives progress for a single run.
type ProgressFunc func(Progress)
