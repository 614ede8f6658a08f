// Package rank locates a token inside a next-token probability distribution.
//
// A distribution is indexed by token id. Tokens are ordered by descending
// probability; equal probabilities keep ascending id order, which is what a
// stable sort over the original index order produces. The functions here do
// not renormalize their input.
package rank

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidTokenID means the target id does not index the distribution.
	ErrInvalidTokenID = errors.New("invalid token id")
	// ErrMalformedDistribution means the distribution holds NaN, Inf or negative values.
	ErrMalformedDistribution = errors.New("malformed distribution")
)

// Score is the position of one token within a distribution.
type Score struct {
	Rank                  int
	Probability           float64
	CumulativeProbability float64
}

// Rank returns the zero-based position of target in the descending order of dist.
func Rank(dist []float32, target int) (int, error) {
	s, err := ScoreOf(dist, target)
	if err != nil {
		return 0, err
	}
	return s.Rank, nil
}

// CumulativeProbability sums the probabilities of the first rank entries of the
// descending order, i.e. the mass of every token judged more likely than the
// token at rank. Ranks past the end sum the whole distribution.
func CumulativeProbability(dist []float32, rank int) float64 {
	if rank <= 0 {
		return 0
	}
	order := Order(dist)
	if rank > len(order) {
		rank = len(order)
	}
	var sum float64
	for _, id := range order[:rank] {
		sum += float64(dist[id])
	}
	return clamp01(sum)
}

// ScoreOf computes rank, probability and cumulative probability of target in a
// single pass. The result agrees with Rank and CumulativeProbability.
func ScoreOf(dist []float32, target int) (Score, error) {
	if target < 0 || target >= len(dist) {
		return Score{}, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidTokenID, target, len(dist))
	}

	p := dist[target]
	var (
		ahead int
		mass  float64
	)
	for id, q := range dist {
		if q > p || (q == p && id < target) {
			ahead++
			mass += float64(q)
		}
	}

	return Score{
		Rank:                  ahead,
		Probability:           float64(p),
		CumulativeProbability: clamp01(mass),
	}, nil
}

// Order returns token ids sorted by descending probability, ties by ascending id.
func Order(dist []float32) []int {
	order := make([]int, len(dist))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dist[order[a]] > dist[order[b]]
	})
	return order
}

// Top returns the k most likely token ids with their probabilities.
func Top(dist []float32, k int) []Candidate {
	order := Order(dist)
	if k > len(order) {
		k = len(order)
	}
	if k <= 0 {
		return nil
	}
	out := make([]Candidate, k)
	for i, id := range order[:k] {
		out[i] = Candidate{TokenID: id, Probability: float64(dist[id])}
	}
	return out
}

// Candidate is one entry of a Top listing.
type Candidate struct {
	TokenID     int
	Probability float64
}

// Validate rejects empty distributions and NaN, Inf or negative probabilities.
func Validate(dist []float32) error {
	if len(dist) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedDistribution)
	}
	for i, v := range dist {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrMalformedDistribution, i)
		}
		if v < 0 {
			return fmt.Errorf("%w: negative value %g at %d", ErrMalformedDistribution, v, i)
		}
	}
	return nil
}

// float32 accumulation can overshoot 1 by a rounding error.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
