// Command surprisal-predictor serves a bigram model trained on a corpus as an
// Arrow Flight predictor for surprisal -predictor flight.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-surprisal/internal/codec"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/predictor"
)

var (
	addr        = flag.String("addr", fmt.Sprintf("0.0.0.0:%d", predictor.PortPredict), "Flight listen address")
	corpusPath  = flag.String("corpus", "", "Training corpus (required)")
	codecKind   = flag.String("codec", config.CodecTiktoken, "Codec: tiktoken, huggingface, vocab or bytes")
	encoding    = flag.String("encoding", "cl100k_base", "tiktoken encoding name")
	tokenizer   = flag.String("tokenizer", "", "Path to tokenizer.json")
	vocabPath   = flag.String("vocab", "", "Path to a vocabulary file")
	smoothing   = flag.Float64("smoothing", 0.1, "Add-alpha smoothing")
	metricsAddr = flag.String("metrics", ":9091", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *corpusPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -corpus is required")
		flag.Usage()
		os.Exit(1)
	}

	cdc, err := codec.New(config.Codec{
		Kind:          *codecKind,
		Encoding:      *encoding,
		TokenizerPath: *tokenizer,
		VocabPath:     *vocabPath,
	})
	if err != nil {
		logger.Log.Error("Failed to build codec", "error", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*corpusPath)
	if err != nil {
		logger.Log.Error("Failed to read corpus", "path", *corpusPath, "error", err)
		os.Exit(1)
	}
	start := time.Now()
	model, err := predictor.TrainBigram(codec.Normalize(string(data)), cdc, *smoothing)
	if err != nil {
		logger.Log.Error("Failed to train model", "error", err)
		os.Exit(1)
	}
	logger.Log.Info("Model trained", "codec", cdc.Name(), "vocab_size", model.VocabSize(),
		"corpus_bytes", len(data), "duration", time.Since(start))

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Metrics server error", "error", err)
		}
	}()

	srv := predictor.NewFlightServer(model, model.VocabSize())
	if err := srv.Init(*addr); err != nil {
		logger.Log.Error("Failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	srv.SetShutdownOnSignals(os.Interrupt, syscall.SIGTERM)
	logger.Log.Info("Predictor serving", "addr", srv.Addr().String(), "metrics", *metricsAddr)

	if err := srv.Serve(); err != nil {
		logger.Log.Error("Predictor stopped", "error", err)
		os.Exit(1)
	}
	logger.Log.Info("Predictor shut down")
}
