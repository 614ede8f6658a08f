package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/export"
	"github.com/23skdu/longbow-surprisal/internal/stats"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatArrow = "arrow"
)

type report struct {
	Results    []analysis.Result `json:"results"`
	Statistics stats.Statistics  `json:"statistics"`
	Top        []positionTop     `json:"top,omitempty"`
}

// render writes rep in the given format. The Arrow stream carries results and
// statistics only.
func render(w io.Writer, format string, rep report) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case formatArrow:
		return export.WriteStream(w, rep.Results, rep.Statistics)
	default:
		return renderTable(w, rep)
	}
}

func renderTable(w io.Writer, rep report) error {
	top := make(map[int]string, len(rep.Top))
	for _, pt := range rep.Top {
		parts := make([]string, len(pt.Candidates))
		for i, c := range pt.Candidates {
			parts[i] = strconv.Quote(c.TokenText) + " " + strconv.FormatFloat(c.Probability, 'f', 3, 64)
		}
		top[pt.Position] = strings.Join(parts, ", ")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "POS\tID\tTOKEN\tRANK\tPROB\tCUM\t"
	if len(top) > 0 {
		header += "TOP\t"
	}
	fmt.Fprintln(tw, header)
	for _, r := range rep.Results {
		rank, prob, cum := "-", "-", "-"
		if r.Prediction != nil {
			rank = strconv.Itoa(r.Prediction.Rank)
			prob = strconv.FormatFloat(r.Prediction.Probability, 'f', 4, 64)
			cum = strconv.FormatFloat(r.Prediction.CumulativeProbability, 'f', 4, 64)
		} else if !r.IsInitial {
			rank = "err"
		}
		line := fmt.Sprintf("%d\t%d\t%s\t%s\t%s\t%s\t",
			r.Position, r.TokenID, strconv.Quote(r.TokenText), rank, prob, cum)
		if len(top) > 0 {
			line += top[r.Position] + "\t"
		}
		fmt.Fprintln(tw, line)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	st := rep.Statistics
	_, err := fmt.Fprintf(w, "\ntokens %d, predicted %d\n"+
		"top-1 %.1f%%  top-5 %.1f%%  top-10 %.1f%%\n"+
		"rank mean %.2f median %.1f\n"+
		"cumulative mean %.4f median %.4f\n",
		st.TotalTokens, st.PredictedTokens,
		st.Top1Accuracy*100, st.Top5Accuracy*100, st.Top10Accuracy*100,
		st.AverageRank, st.MedianRank,
		st.AverageCumulativeProbability, st.MedianCumulativeProbability)
	return err
}
