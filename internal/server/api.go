package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/export"
	"github.com/23skdu/longbow-surprisal/internal/rank"
	"github.com/23skdu/longbow-surprisal/internal/stats"
)

// Request bodies larger than this are rejected.
const maxBodyBytes = 8 << 20

// AnalyzeRequest carries either raw text or pre-tokenized ids. Tokens win
// when both are set.
type AnalyzeRequest struct {
	Text               string `json:"text,omitempty"`
	Tokens             []int  `json:"tokens,omitempty"`
	InitialTokensCount *int   `json:"initial_tokens_count,omitempty"`
	MaxLength          *int   `json:"max_length,omitempty"`
}

func (r AnalyzeRequest) config(base config.Analysis) config.Analysis {
	cfg := base
	if r.InitialTokensCount != nil {
		cfg.InitialTokensCount = *r.InitialTokensCount
	}
	if r.MaxLength != nil {
		cfg.MaxLength = *r.MaxLength
	}
	return cfg
}

type AnalyzeResponse struct {
	RequestID  string            `json:"request_id,omitempty"`
	Results    []analysis.Result `json:"results"`
	Statistics stats.Statistics  `json:"statistics"`
}

type StatisticsRequest struct {
	Results []analysis.Result `json:"results"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// classify maps analysis errors onto an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, analysis.ErrEmptyInput):
		return http.StatusBadRequest, "EMPTY_INPUT"
	case errors.Is(err, analysis.ErrInvalidConfig):
		return http.StatusBadRequest, "INVALID_CONFIG"
	case errors.Is(err, analysis.ErrConcurrentAnalysis):
		return http.StatusConflict, "ANALYSIS_IN_PROGRESS"
	case errors.Is(err, rank.ErrInvalidTokenID):
		return http.StatusUnprocessableEntity, "INVALID_TOKEN_ID"
	case errors.Is(err, analysis.ErrCancelled):
		return http.StatusServiceUnavailable, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func (s *Server) run(ctx context.Context, req AnalyzeRequest, subscribers ...analysis.ProgressFunc) ([]analysis.Result, error) {
	cfg := req.config(s.cfg.Analysis)
	if req.Tokens != nil {
		return s.analyzer.Analyze(ctx, req.Tokens, cfg, subscribers...)
	}
	return s.analyzer.AnalyzeText(ctx, req.Text, cfg, subscribers...)
}

// AnalyzeHandler runs one analysis. Clients that accept
// application/vnd.apache.arrow.stream receive the results as Arrow IPC.
func (s *Server) AnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}

		var req AnalyzeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
			return
		}

		results, err := s.run(r.Context(), req)
		if err != nil {
			status, code := classify(err)
			if status >= http.StatusInternalServerError {
				s.log.Error("Analysis failed", "request_id", requestID(r.Context()), "error", err)
			}
			writeError(w, status, code, err.Error())
			return
		}
		st := stats.Aggregate(results)

		if strings.Contains(r.Header.Get("Accept"), export.ContentType) {
			w.Header().Set("Content-Type", export.ContentType)
			if err := export.WriteStream(w, results, st); err != nil {
				s.log.Error("Arrow export failed", "request_id", requestID(r.Context()), "error", err)
			}
			return
		}

		writeJSON(w, http.StatusOK, AnalyzeResponse{
			RequestID:  requestID(r.Context()),
			Results:    results,
			Statistics: st,
		})
	}
}

// StatisticsHandler aggregates a result list posted by the client.
func (s *Server) StatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}

		var req StatisticsRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats.Aggregate(req.Results))
	}
}
