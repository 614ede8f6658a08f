// Command surprisal measures how predictable each token of a text is under a
// next-token predictor. It prints a per-token report, or serves the analyzer
// over HTTP and WebSocket with -serve.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v2"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/codec"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/predictor"
	"github.com/23skdu/longbow-surprisal/internal/server"
	"github.com/23skdu/longbow-surprisal/internal/stats"
)

type options struct {
	serve  bool
	text   string
	file   string
	format string
	top    int
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		logger.Log.Error("surprisal failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	opts, err := parseFlags(&cfg, args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cdc, err := codec.New(cfg.Codec)
	if err != nil {
		return fmt.Errorf("failed to build codec: %w", err)
	}
	logger.Log.Info("Codec ready", "codec", cdc.Name(), "vocab_size", cdc.VocabSize())

	var text string
	if !opts.serve {
		text, err = readInput(opts, stdin)
		if err != nil {
			return err
		}
	}

	p, checks, closer, err := buildPredictor(ctx, cfg.Predictor, cdc, text)
	if err != nil {
		return err
	}
	defer closer()
	var top *topRecorder
	if opts.top > 0 && !opts.serve {
		top = newTopRecorder(p, opts.top)
		p = top
	}
	a := analysis.New(p, cdc)

	if opts.serve {
		go serveMetrics(cfg.Server.MetricsAddr)
		var srvOpts []server.Option
		for name, check := range checks {
			srvOpts = append(srvOpts, server.WithCheck(name, check))
		}
		return server.New(a, cfg, srvOpts...).ListenAndServe(ctx)
	}

	var subs []analysis.ProgressFunc
	if f, ok := stderr.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		subs = append(subs, progressBar(stderr))
	}

	results, err := a.AnalyzeText(ctx, text, cfg.Analysis, subs...)
	if err != nil && !errors.Is(err, analysis.ErrCancelled) {
		return err
	}
	if err != nil {
		logger.Log.Warn("Analysis cancelled, reporting partial results", "positions", len(results))
	}
	return render(stdout, opts.format, report{
		Results:    results,
		Statistics: stats.Aggregate(results),
		Top:        top.listing(results, cdc),
	})
}

func parseFlags(cfg *config.Config, args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("surprisal", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.BoolVar(&opts.serve, "serve", false, "Serve the HTTP and WebSocket API instead of analyzing once")
	fs.StringVar(&opts.text, "text", "", "Text to analyze")
	fs.StringVar(&opts.file, "file", "", "File to analyze (stdin when neither -text nor -file is set)")
	fs.StringVar(&opts.format, "format", formatTable, "Output format: table, json or arrow")
	fs.IntVar(&opts.top, "top", 0, "List the N most likely tokens at each predicted position (table and json)")

	fs.IntVar(&cfg.Analysis.InitialTokensCount, "initial", cfg.Analysis.InitialTokensCount, "Tokens treated as given context")
	fs.IntVar(&cfg.Analysis.MaxLength, "max-length", cfg.Analysis.MaxLength, "Analyze at most this many tokens (0 = all)")

	fs.StringVar(&cfg.Codec.Kind, "codec", cfg.Codec.Kind, "Codec: tiktoken, huggingface, vocab or bytes")
	fs.StringVar(&cfg.Codec.Encoding, "encoding", cfg.Codec.Encoding, "tiktoken encoding name")
	fs.StringVar(&cfg.Codec.TokenizerPath, "tokenizer", cfg.Codec.TokenizerPath, "Path to tokenizer.json")
	fs.StringVar(&cfg.Codec.VocabPath, "vocab", cfg.Codec.VocabPath, "Path to a vocabulary file, one token per line")
	fs.BoolVar(&cfg.Codec.Fallback, "codec-fallback", cfg.Codec.Fallback, "Fall back to the byte codec when the codec cannot be built")

	fs.StringVar(&cfg.Predictor.Kind, "predictor", cfg.Predictor.Kind, "Predictor: bigram or flight")
	fs.StringVar(&cfg.Predictor.FlightAddr, "flight", cfg.Predictor.FlightAddr, "Arrow Flight predictor address")
	fs.StringVar(&cfg.Predictor.CorpusPath, "corpus", cfg.Predictor.CorpusPath, "Bigram training corpus (defaults to the input text)")
	fs.Float64Var(&cfg.Predictor.Smoothing, "smoothing", cfg.Predictor.Smoothing, "Bigram add-alpha smoothing")
	fs.DurationVar(&cfg.Predictor.Timeout, "timeout", cfg.Predictor.Timeout, "Per-prediction timeout (0 = none)")
	fs.IntVar(&cfg.Predictor.MaxContext, "max-context", cfg.Predictor.MaxContext, "Longest context sent to the predictor (0 = unlimited)")
	fs.DurationVar(&cfg.Predictor.CacheTTL, "cache-ttl", cfg.Predictor.CacheTTL, "Cache distributions for repeated contexts (0 = off)")
	fs.IntVar(&cfg.Predictor.CacheEntries, "cache-entries", cfg.Predictor.CacheEntries, "Maximum cached contexts")
	temperature := fs.Float64("temperature", float64(cfg.Predictor.Temperature), "Softmax temperature for logit predictors")

	fs.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "Listen host")
	fs.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "Listen port")
	fs.StringVar(&cfg.Server.MetricsAddr, "metrics", cfg.Server.MetricsAddr, "Address to serve Prometheus metrics")
	fs.StringVar(&cfg.Server.APIKey, "api-key", cfg.Server.APIKey, "Require this API key on /api and /ws")
	origins := fs.String("origins", strings.Join(cfg.Server.AllowedOrigins, ","), "Comma-separated CORS origins")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: console or json")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	cfg.Predictor.Temperature = float32(*temperature)
	cfg.Server.AllowedOrigins = config.ParseList(*origins)

	switch opts.format {
	case formatTable, formatJSON, formatArrow:
	default:
		return opts, fmt.Errorf("unknown format: %q", opts.format)
	}
	if opts.top < 0 {
		return opts, fmt.Errorf("invalid -top: %d (must be non-negative)", opts.top)
	}
	if opts.text != "" && opts.file != "" {
		return opts, errors.New("-text and -file are mutually exclusive")
	}
	return opts, nil
}

func readInput(opts options, stdin io.Reader) (string, error) {
	switch {
	case opts.text != "":
		return opts.text, nil
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
}

// buildPredictor returns the configured predictor with its guards applied,
// readiness checks for the server, and a cleanup func.
func buildPredictor(ctx context.Context, cfg config.Predictor, cdc codec.Codec, text string) (predictor.Predictor, map[string]server.Check, func(), error) {
	checks := make(map[string]server.Check)
	noop := func() {}

	switch strings.ToLower(cfg.Kind) {
	case config.PredictorFlight:
		client := predictor.NewFlightClient(cfg.FlightAddr, cfg.Timeout, cfg.Temperature)
		if err := client.Connect(ctx); err != nil {
			return nil, nil, noop, err
		}
		vocab, err := client.VocabSize(ctx)
		if err != nil {
			_ = client.Close()
			return nil, nil, noop, fmt.Errorf("predictor at %s unavailable: %w", cfg.FlightAddr, err)
		}
		if vocab != cdc.VocabSize() {
			logger.Log.Warn("Predictor and codec vocabularies differ",
				"predictor_vocab", vocab, "codec_vocab", cdc.VocabSize())
		}
		checks["predictor"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := client.VocabSize(ctx)
			return err
		}
		logger.Log.Info("Using Flight predictor", "addr", cfg.FlightAddr, "vocab_size", vocab)
		p := predictor.Cache(predictor.Limit(client, cfg.MaxContext), cfg.CacheTTL, cfg.CacheEntries)
		return p, checks, func() { _ = client.Close() }, nil

	default:
		corpus := text
		if cfg.CorpusPath != "" {
			data, err := os.ReadFile(cfg.CorpusPath)
			if err != nil {
				return nil, nil, noop, fmt.Errorf("failed to read corpus: %w", err)
			}
			corpus = string(data)
		}
		if corpus == "" {
			logger.Log.Warn("Bigram predictor has no corpus, distributions are uniform")
		}
		b, err := predictor.TrainBigram(codec.Normalize(corpus), cdc, cfg.Smoothing)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to train bigram: %w", err)
		}
		logger.Log.Info("Using bigram predictor", "vocab_size", b.VocabSize(), "corpus_bytes", len(corpus))
		p := predictor.Timeout(predictor.Limit(b, cfg.MaxContext), cfg.Timeout)
		return predictor.Cache(p, cfg.CacheTTL, cfg.CacheEntries), checks, noop, nil
	}
}

func progressBar(w io.Writer) analysis.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(p analysis.Progress) {
		if bar == nil {
			bar = progressbar.NewOptions(p.Total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription("analyzing"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionThrottle(50*time.Millisecond),
			)
		}
		_ = bar.Set(p.Current)
		if p.Current >= p.Total {
			_ = bar.Finish()
		}
	}
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Log.Info("Metrics serving", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Error("Metrics server error", "error", err)
	}
}
