// Package stats reduces analysis results to summary statistics.
package stats

import (
	"sort"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
)

// Statistics summarizes the predicted results of one run. Every field is zero
// when no result carries a prediction.
type Statistics struct {
	TotalTokens                  int     `json:"total_tokens"`
	PredictedTokens              int     `json:"predicted_tokens"`
	Top1Accuracy                 float64 `json:"top1_accuracy"`
	Top5Accuracy                 float64 `json:"top5_accuracy"`
	Top10Accuracy                float64 `json:"top10_accuracy"`
	AverageRank                  float64 `json:"average_rank"`
	MedianRank                   float64 `json:"median_rank"`
	AverageCumulativeProbability float64 `json:"average_cumulative_probability"`
	MedianCumulativeProbability  float64 `json:"median_cumulative_probability"`
}

// Aggregate computes Statistics over results that are not initial and carry a rank.
func Aggregate(results []analysis.Result) Statistics {
	var ranks, cums []float64
	top1, top5, top10 := 0, 0, 0
	for _, r := range results {
		if !r.Predicted() {
			continue
		}
		rk := r.Prediction.Rank
		ranks = append(ranks, float64(rk))
		cums = append(cums, r.Prediction.CumulativeProbability)
		if rk < 1 {
			top1++
		}
		if rk < 5 {
			top5++
		}
		if rk < 10 {
			top10++
		}
	}

	n := len(ranks)
	if n == 0 {
		return Statistics{}
	}
	total := float64(n)
	return Statistics{
		TotalTokens:                  len(results),
		PredictedTokens:              n,
		Top1Accuracy:                 float64(top1) / total,
		Top5Accuracy:                 float64(top5) / total,
		Top10Accuracy:                float64(top10) / total,
		AverageRank:                  Mean(ranks),
		MedianRank:                   Median(ranks),
		AverageCumulativeProbability: Mean(cums),
		MedianCumulativeProbability:  Median(cums),
	}
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Median of an even count is the mean of the two middle values. values is not modified.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
